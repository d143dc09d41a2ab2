package cache

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const flushAttemptTimeout = 10 * time.Second

// Recoverer retries durable writes after the store starts failing, so entries
// cached while the store was down are persisted once it comes back.
type Recoverer struct {
	cache   *ForecastCache
	initial time.Duration
	max     time.Duration
	clock   clockwork.Clock
	logger  *zap.Logger
}

// NewRecoverer returns a Recoverer that waits initial, then Fibonacci multiples
// of initial, between flush attempts and gives up past max.
func NewRecoverer(c *ForecastCache, initial, max time.Duration, logger *zap.Logger) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recoverer{cache: c, initial: initial, max: max, clock: c.clock, logger: logger}
}

// Run waits for a failed store write and then runs a recovery sequence. A write
// that fails after a sequence was exhausted starts a new one.
// It returns when ctx is done.
func (r *Recoverer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.cache.DegradedNotify():
			r.Recover(ctx)
		}
	}
}

// Recover flushes the cache on the backoff schedule until a flush succeeds,
// the cache recovers on its own, or the schedule is exhausted. It reports
// whether the store is writable again.
func (r *Recoverer) Recover(ctx context.Context) bool {
	delays := fibDelays(r.initial, r.max)
	for i, d := range delays {
		select {
		case <-ctx.Done():
			return false
		case <-r.clock.After(d):
		}
		if !r.cache.Degraded() {
			return true
		}
		attemptCtx, cancel := context.WithTimeout(ctx, flushAttemptTimeout)
		err := r.cache.Flush(attemptCtx)
		cancel()
		if err == nil {
			r.logger.Info("forecast store recovered", zap.Int("attempt", i+1))
			return true
		}
		r.logger.Debug("forecast store flush failed", zap.Int("attempt", i+1), zap.Duration("waited", d), zap.Error(err))
	}
	if len(delays) > 0 {
		r.logger.Warn("forecast store recovery exhausted, waiting for next write", zap.Int("attempts", len(delays)))
	}
	return false
}

// fibDelays returns initial*1, initial*2, initial*3, initial*5, ... up to max.
func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 || max < initial {
		return nil
	}
	var out []time.Duration
	for a, b := int64(1), int64(2); ; a, b = b, a+b {
		d := time.Duration(a) * initial
		if d > max {
			return out
		}
		out = append(out, d)
	}
}
