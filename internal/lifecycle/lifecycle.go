// Package lifecycle tracks process shutdown and runs the ordered shutdown
// sequence: stop accepting requests, drain, then close the cache so the last
// writes reach the durable store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Step is one named shutdown action.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Shutdown sets the shutdown flag and runs steps in order. A failed step is
// logged and does not stop later steps; every error is returned joined.
// All steps share ctx, so its deadline bounds the whole sequence.
func Shutdown(ctx context.Context, logger *zap.Logger, steps ...Step) error {
	SetShuttingDown(true)
	if logger == nil {
		logger = zap.NewNop()
	}
	var errs []error
	for _, step := range steps {
		start := time.Now()
		if err := step.Run(ctx); err != nil {
			logger.Error("shutdown step failed", zap.String("step", step.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		logger.Info("shutdown step complete", zap.String("step", step.Name), zap.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}
