package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
)

const defaultWarmConcurrency = 4

// ForecastFetcher runs the fallback protocol for one location. The service
// package implements it; the interface lives here to keep the import one-way.
type ForecastFetcher interface {
	GetForecast(ctx context.Context, location string) models.ForecastResult
}

// CacheWarmer fetches a fixed list of locations so they can be viewed offline later.
type CacheWarmer struct {
	fetcher     ForecastFetcher
	logger      *zap.Logger
	clock       clockwork.Clock
	concurrency int
}

// WarmerOption configures a CacheWarmer.
type WarmerOption func(*CacheWarmer)

// WithWarmConcurrency caps the number of locations fetched at once.
func WithWarmConcurrency(n int) WarmerOption {
	return func(w *CacheWarmer) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithWarmClock sets the clock driving WarmPeriodic.
func WithWarmClock(clock clockwork.Clock) WarmerOption {
	return func(w *CacheWarmer) {
		if clock != nil {
			w.clock = clock
		}
	}
}

func NewCacheWarmer(fetcher ForecastFetcher, logger *zap.Logger, opts ...WarmerOption) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &CacheWarmer{
		fetcher:     fetcher,
		logger:      logger,
		clock:       clockwork.NewRealClock(),
		concurrency: defaultWarmConcurrency,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Warm fetches every location. Anything short of a fresh result is a failure,
// since a stale answer means nothing new reached the cache. The error joins
// one entry per failed location.
func (w *CacheWarmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()

	var (
		mu     sync.Mutex
		failed []error
		counts = map[models.Freshness]int{}
	)
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, loc := range locations {
		loc := loc
		g.Go(func() error {
			res := w.fetcher.GetForecast(ctx, loc)
			mu.Lock()
			defer mu.Unlock()
			counts[res.Freshness]++
			if !res.IsFresh() {
				failed = append(failed, fmt.Errorf("%s: %s (%s)", loc, res.Freshness, res.Reason))
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start)
	observability.CacheWarmingDurationSeconds.Observe(duration.Seconds())
	w.logger.Info("cache warmed",
		zap.Int("locations", len(locations)),
		zap.Int("fresh", counts[models.FreshnessFresh]),
		zap.Int("stale", counts[models.FreshnessStale]),
		zap.Int("empty", counts[models.FreshnessEmpty]),
		zap.Duration("duration", duration))

	if len(failed) == 0 {
		return nil
	}
	observability.CacheWarmingErrorsTotal.Inc()
	return fmt.Errorf("cache warming: %w", errors.Join(failed...))
}

// WarmPeriodic warms once immediately and again every interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, locations []string, interval time.Duration) error {
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.Warm(ctx, locations); err != nil {
			w.logger.Warn("cache warm incomplete", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}
