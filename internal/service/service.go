package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/traffic"
	"github.com/kjstillabower/forecast-viewer/internal/validation"
)

// DefaultStaleAfter is the age past which a stale result is flagged Outdated.
const DefaultStaleAfter = 3 * time.Hour

// ReasonInvalidLocation is the Reason of an empty result for a blank location.
const ReasonInvalidLocation = "invalid_location"

// Cache is the subset of cache.ForecastCache the fallback protocol needs.
type Cache interface {
	Put(ctx context.Context, key string, payload json.RawMessage) error
	Get(key string) (models.CacheEntry, bool)
}

// ForecastService runs the fallback protocol: fetch fresh data, write it
// through the cache, and answer from the last known-good entry when the fetch fails.
type ForecastService struct {
	provider   client.WeatherProvider
	cache      Cache
	staleAfter time.Duration
	clock      clockwork.Clock
	logger     *zap.Logger
	coalescer  *requestCoalescer
}

// Option configures a ForecastService.
type Option func(*ForecastService)

// WithStaleAfter sets the Outdated threshold. Zero disables the flag.
func WithStaleAfter(d time.Duration) Option {
	return func(s *ForecastService) { s.staleAfter = d }
}

// WithClock sets the clock used for ages. Use the cache's clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *ForecastService) { s.clock = clock }
}

// WithLogger sets the fallback logger used when the request context has none.
func WithLogger(logger *zap.Logger) Option {
	return func(s *ForecastService) { s.logger = logger }
}

// WithCoalesceTimeout bounds a shared provider fetch (default 10s).
func WithCoalesceTimeout(d time.Duration) Option {
	return func(s *ForecastService) {
		if d > 0 {
			s.coalescer = newRequestCoalescer(d)
		}
	}
}

// NewForecastService creates a ForecastService over provider and cache.
func NewForecastService(provider client.WeatherProvider, cache Cache, opts ...Option) *ForecastService {
	s := &ForecastService{
		provider:   provider,
		cache:      cache,
		staleAfter: DefaultStaleAfter,
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		coalescer:  newRequestCoalescer(10 * time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ForecastService) loggerFor(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// GetForecast returns a tagged result for location. It never returns an error:
// fetch failures surface as a stale or empty result with Reason set.
func (s *ForecastService) GetForecast(ctx context.Context, location string) models.ForecastResult {
	key := validation.NormalizeKey(location)
	logger := s.loggerFor(ctx).With(zap.String("location", key))
	start := s.clock.Now()

	if key == "" {
		return s.served(models.ForecastResult{Freshness: models.FreshnessEmpty, Reason: ReasonInvalidLocation})
	}

	entry, err := s.coalescer.GetOrDo(ctx, key, func(fetchCtx context.Context) (models.CacheEntry, error) {
		payload, err := s.provider.Fetch(fetchCtx, key)
		if err != nil {
			return models.CacheEntry{}, err
		}
		return s.writeThrough(fetchCtx, logger, key, payload), nil
	})
	if err == nil {
		traffic.RecordFetchSuccess()
		logger.Debug("forecast fetched", zap.Duration("duration", s.clock.Since(start)))
		return s.served(models.ForecastResult{
			Freshness:   models.FreshnessFresh,
			LocationKey: key,
			Payload:     entry.Payload,
			FetchedAt:   entry.FetchedAt,
		})
	}

	// A caller that gave up is not evidence of being offline.
	if ctx.Err() == nil {
		traffic.RecordFetchFailure()
	}
	reason := string(client.CategorizeError(err))

	entry, ok := s.cache.Get(key)
	if !ok {
		logger.Warn("fetch failed and no cached forecast", zap.String("reason", reason), zap.Error(err))
		return s.served(models.ForecastResult{Freshness: models.FreshnessEmpty, LocationKey: key, Reason: reason})
	}

	age := s.clock.Since(entry.FetchedAt)
	if age < 0 {
		age = 0
	}
	res := models.ForecastResult{
		Freshness:   models.FreshnessStale,
		LocationKey: key,
		Payload:     entry.Payload,
		FetchedAt:   entry.FetchedAt,
		Age:         age,
		Outdated:    s.staleAfter > 0 && age > s.staleAfter,
		Reason:      reason,
	}
	observability.StaleAgeSeconds.Observe(age.Seconds())
	logger.Info("serving stale forecast",
		zap.Duration("age", age),
		zap.Bool("outdated", res.Outdated),
		zap.String("reason", reason),
	)
	return s.served(res)
}

// writeThrough stores a fetched payload once for all coalesced callers. The
// write outlives the callers' contexts.
func (s *ForecastService) writeThrough(ctx context.Context, logger *zap.Logger, key string, payload json.RawMessage) models.CacheEntry {
	if err := s.cache.Put(context.WithoutCancel(ctx), key, payload); err != nil {
		logger.Warn("cache write failed, serving fresh forecast anyway", zap.Error(err))
	}
	if entry, ok := s.cache.Get(key); ok {
		return entry
	}
	return models.CacheEntry{LocationKey: key, Payload: payload, FetchedAt: s.clock.Now().UTC()}
}

func (s *ForecastService) served(res models.ForecastResult) models.ForecastResult {
	observability.RecordForecastServed(res.LocationKey, string(res.Freshness))
	return res
}
