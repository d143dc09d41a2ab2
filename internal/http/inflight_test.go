package http

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// TestInFlightTracker_DrainsConcurrentRequests verifies WaitForZero returns once
// every concurrently started request has finished.
func TestInFlightTracker_DrainsConcurrentRequests(t *testing.T) {
	var tracker InFlightTracker
	release := make(chan struct{})
	var started, finished sync.WaitGroup
	for i := 0; i < 20; i++ {
		started.Add(1)
		finished.Add(1)
		go func() {
			defer finished.Done()
			tracker.Increment()
			started.Done()
			<-release
			tracker.Decrement()
		}()
	}
	started.Wait()
	if got := tracker.Count(); got != 20 {
		t.Fatalf("Count() = %d with 20 requests open, want 20", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- tracker.WaitForZero(ctx, time.Millisecond) }()
	close(release)
	finished.Wait()

	if err := <-errCh; err != nil {
		t.Errorf("WaitForZero() error = %v, want nil after drain", err)
	}
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d after drain, want 0", got)
	}
}

func TestInFlightTracker_WaitForZeroDeadline(t *testing.T) {
	var tracker InFlightTracker
	tracker.Increment()
	defer tracker.Decrement()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tracker.WaitForZero(ctx, 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForZero() error = %v, want DeadlineExceeded", err)
	}
}

func TestInFlightTracker_IdleReturnsImmediately(t *testing.T) {
	var tracker InFlightTracker
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tracker.WaitForZero(ctx, time.Hour); err != nil {
		t.Errorf("WaitForZero() on idle tracker error = %v, want nil", err)
	}
}
