package cache

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/forecast-viewer/internal/models"
)

// Store persists the cache mapping. Load is called once when the cache opens;
// Save receives the complete mapping after every change.
type Store interface {
	Load(ctx context.Context) (map[string]models.CacheEntry, error)
	Save(ctx context.Context, entries map[string]models.CacheEntry) error
	Close() error
}

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	Backend               string // "file", "sqlite", "memcached" or "memory"
	Path                  string // file and sqlite backends
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
}

// NewStore builds the Store named by cfg.Backend.
func NewStore(cfg StoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "file":
		s, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memcached":
		s, err := NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache store %q", cfg.Backend)
	}
}

// MemoryStore keeps the mapping in process memory. It backs memory-only
// deployments and stands in for disk in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	saves   int
	loadErr error
	saveErr error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]models.CacheEntry)}
}

// FailWith makes subsequent Load and Save calls return the given errors. Nil clears a failure.
func (s *MemoryStore) FailWith(loadErr, saveErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = loadErr
	s.saveErr = saveErr
}

// Load implements Store.Load.
func (s *MemoryStore) Load(ctx context.Context) (map[string]models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return copyEntries(s.entries), nil
}

// Save implements Store.Save.
func (s *MemoryStore) Save(ctx context.Context, entries map[string]models.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.entries = copyEntries(entries)
	s.saves++
	return nil
}

// Saves returns how many successful Save calls the store has seen.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Close implements Store.Close.
func (s *MemoryStore) Close() error { return nil }

func copyEntries(in map[string]models.CacheEntry) map[string]models.CacheEntry {
	out := maps.Clone(in)
	if out == nil {
		return make(map[string]models.CacheEntry)
	}
	for k, e := range out {
		e.Payload = clonePayload(e.Payload)
		out[k] = e
	}
	return out
}
