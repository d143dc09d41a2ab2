package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
)

// ErrStoreUnavailable is returned when the durable store cannot be read or written.
// The cache keeps serving from memory when it is returned.
var ErrStoreUnavailable = errors.New("cache store unavailable")

// ForecastCache keeps the last successfully fetched forecast per location key and
// writes every change through to a durable Store so entries survive restarts.
// A single mutex guards both the mapping and the store; network I/O never runs under it.
type ForecastCache struct {
	mu         sync.Mutex
	entries    map[string]models.CacheEntry
	store      Store
	memoryOnly bool // store failed to load; never written this session
	degraded   bool // last store operation failed
	degradedCh chan struct{}
	clock      clockwork.Clock
	logger     *zap.Logger
}

// Option configures a ForecastCache.
type Option func(*ForecastCache)

// WithClock sets the clock used for fetchedAt stamps and ages.
func WithClock(clock clockwork.Clock) Option {
	return func(c *ForecastCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger for store failures and recoveries.
func WithLogger(logger *zap.Logger) Option {
	return func(c *ForecastCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Open loads the mapping from store and returns a ready cache.
// When the store cannot be loaded the returned cache is still usable: it runs
// memory-only for its lifetime and the error wraps ErrStoreUnavailable.
// A nil store means memory-only by choice and is not an error.
func Open(ctx context.Context, store Store, opts ...Option) (*ForecastCache, error) {
	c := &ForecastCache{
		entries:    make(map[string]models.CacheEntry),
		store:      store,
		degradedCh: make(chan struct{}, 1),
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if store == nil {
		c.memoryOnly = true
		return c, nil
	}

	start := time.Now()
	loaded, err := store.Load(ctx)
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("load").Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("load", "error").Observe(time.Since(start).Seconds())
		c.memoryOnly = true
		c.degraded = true
		c.logger.Warn("forecast store unavailable, running memory-only", zap.Error(err))
		return c, fmt.Errorf("%w: load: %w", ErrStoreUnavailable, err)
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("load", "success").Observe(time.Since(start).Seconds())
	for key, entry := range loaded {
		if key == "" {
			continue
		}
		entry.LocationKey = key
		c.entries[key] = entry
	}
	observability.CacheEntries.Set(float64(len(c.entries)))
	c.logger.Info("forecast cache opened", zap.Int("entries", len(c.entries)))
	return c, nil
}

// Put records payload as the current entry for key, stamped with the current time.
// Any prior entry for key is replaced. The in-memory entry is always updated; the
// returned error (wrapping ErrStoreUnavailable) only reports a failed durable write.
func (c *ForecastCache) Put(ctx context.Context, key string, payload json.RawMessage) error {
	entry := models.CacheEntry{
		LocationKey: key,
		Payload:     clonePayload(payload),
		FetchedAt:   c.clock.Now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	observability.CacheEntries.Set(float64(len(c.entries)))
	return c.saveLocked(ctx, "put", key)
}

// Get returns the current entry for key. ok is false when nothing was ever stored.
func (c *ForecastCache) Get(key string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return models.CacheEntry{}, false
	}
	entry.Payload = clonePayload(entry.Payload)
	return entry, true
}

// AgeOf returns how long ago the entry for key was fetched. ok is false on a miss.
// Ages never go negative, even if the clock moved backwards.
func (c *ForecastCache) AgeOf(key string) (time.Duration, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	age := c.clock.Since(entry.FetchedAt)
	if age < 0 {
		age = 0
	}
	return age, true
}

// Delete removes the entry for key. Deleting a missing key is a no-op.
func (c *ForecastCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return nil
	}
	delete(c.entries, key)
	observability.CacheEntries.Set(float64(len(c.entries)))
	return c.saveLocked(ctx, "delete", key)
}

// Entries returns all entries sorted by location key.
func (c *ForecastCache) Entries() []models.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		e.Payload = clonePayload(e.Payload)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationKey < out[j].LocationKey })
	return out
}

// Len returns the number of cached locations.
func (c *ForecastCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Degraded reports whether the most recent store operation failed.
// Health checks use it to surface memory-only operation.
func (c *ForecastCache) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// DegradedNotify returns a channel that receives after a store write fails.
// Pending signals coalesce into one.
func (c *ForecastCache) DegradedNotify() <-chan struct{} {
	return c.degradedCh
}

// Flush rewrites the full mapping to the store. It clears the degraded flag on
// success. A memory-only cache has nothing to flush to.
func (c *ForecastCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memoryOnly || c.store == nil {
		return fmt.Errorf("%w: memory-only", ErrStoreUnavailable)
	}
	return c.saveLocked(ctx, "flush", "")
}

// MemoryOnly reports whether the cache has no usable durable store this session.
func (c *ForecastCache) MemoryOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryOnly
}

// Close releases the underlying store.
func (c *ForecastCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	err := c.store.Close()
	c.store = nil
	c.memoryOnly = true
	return err
}

// saveLocked writes the full mapping to the store. Caller holds c.mu.
func (c *ForecastCache) saveLocked(ctx context.Context, op, key string) error {
	if c.memoryOnly || c.store == nil {
		return nil
	}
	start := time.Now()
	if err := c.store.Save(ctx, maps.Clone(c.entries)); err != nil {
		observability.StoreErrorsTotal.WithLabelValues("save").Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("save", "error").Observe(time.Since(start).Seconds())
		if !c.degraded {
			c.logger.Warn("forecast store write failed", zap.String("op", op), zap.String("location", key), zap.Error(err))
		}
		// Every failed write except a recovery flush re-arms the Recoverer.
		if op != "flush" {
			select {
			case c.degradedCh <- struct{}{}:
			default:
			}
		}
		c.degraded = true
		return fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, op, key, err)
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("save", "success").Observe(time.Since(start).Seconds())
	if c.degraded {
		c.logger.Info("forecast store writable again", zap.String("location", key))
		c.degraded = false
	}
	return nil
}

func clonePayload(p json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	return append(json.RawMessage(nil), p...)
}
