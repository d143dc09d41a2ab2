package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
)

// requestCoalescer lets concurrent requests for one location key share a single
// provider fetch and cache write. The work runs detached from the first caller's
// cancellation, bounded by timeout, and completes even if every caller leaves.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{timeout: timeout}
}

// GetOrDo runs fn once per key among concurrent callers and waits for its result
// or for ctx to end, whichever comes first. Every waiter gets the same entry.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(context.Context) (models.CacheEntry, error)) (models.CacheEntry, error) {
	ch := rc.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		defer cancel()
		return fn(fetchCtx)
	})
	select {
	case res := <-ch:
		if res.Shared {
			observability.FetchCoalescedTotal.Inc()
		}
		if res.Err != nil {
			return models.CacheEntry{}, res.Err
		}
		entry, _ := res.Val.(models.CacheEntry)
		return entry, nil
	case <-ctx.Done():
		return models.CacheEntry{}, ctx.Err()
	}
}
