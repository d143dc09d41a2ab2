package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"lukechampine.com/blake3"

	"github.com/kjstillabower/forecast-viewer/internal/models"
)

const (
	keyPrefix = "forecast:"
	indexKey  = keyPrefix + "index"
)

// MemcachedStore persists the mapping in memcached: one item per location plus an
// index item listing the location keys. Items never expire.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// itemKey hashes the location key; memcached keys cannot contain spaces and
// place names often do.
func itemKey(locationKey string) string {
	sum := blake3.Sum256([]byte(locationKey))
	return keyPrefix + hex.EncodeToString(sum[:16])
}

// Load implements Store.Load. A missing index is an empty mapping.
func (s *MemcachedStore) Load(ctx context.Context) (map[string]models.CacheEntry, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	out := make(map[string]models.CacheEntry)
	locations, err := s.index()
	if err != nil {
		return nil, err
	}
	if len(locations) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(locations))
	for _, loc := range locations {
		keys = append(keys, itemKey(loc))
	}
	items, err := s.client.GetMulti(keys)
	if err != nil {
		return nil, fmt.Errorf("memcached get entries: %w", err)
	}
	for _, loc := range locations {
		item, ok := items[itemKey(loc)]
		if !ok {
			continue
		}
		e, err := decodeEntry(item.Value)
		if err != nil {
			return nil, fmt.Errorf("decode entry %q: %w", loc, err)
		}
		e.LocationKey = loc
		out[loc] = e
	}
	return out, nil
}

// Save implements Store.Save. Items for locations no longer in entries are removed.
func (s *MemcachedStore) Save(ctx context.Context, entries map[string]models.CacheEntry) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	previous, err := s.index()
	if err != nil {
		return err
	}

	locations := make([]string, 0, len(entries))
	for loc, e := range entries {
		e.LocationKey = loc
		raw, err := json.Marshal(newEntryRecord(e))
		if err != nil {
			return fmt.Errorf("encode entry %q: %w", loc, err)
		}
		if err := s.client.Set(&memcache.Item{Key: itemKey(loc), Value: raw}); err != nil {
			return fmt.Errorf("memcached set %q: %w", loc, err)
		}
		locations = append(locations, loc)
	}

	rawIndex, err := json.Marshal(locations)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := s.client.Set(&memcache.Item{Key: indexKey, Value: rawIndex}); err != nil {
		return fmt.Errorf("memcached set index: %w", err)
	}

	for _, loc := range previous {
		if _, ok := entries[loc]; ok {
			continue
		}
		if err := s.client.Delete(itemKey(loc)); err != nil && err != memcache.ErrCacheMiss {
			return fmt.Errorf("memcached delete %q: %w", loc, err)
		}
	}
	return nil
}

func (s *MemcachedStore) index() ([]string, error) {
	item, err := s.client.Get(indexKey)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, nil
		}
		return nil, fmt.Errorf("memcached get index: %w", err)
	}
	var locations []string
	if err := json.Unmarshal(item.Value, &locations); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return locations, nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
