package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/forecast-viewer/internal/models"
)

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestCache(t *testing.T, store Store) (*ForecastCache, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	c, err := Open(context.Background(), store, WithClock(clock))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

// TestForecastCache_PutGet verifies that Get returns the payload just stored,
// stamped with the current time.
func TestForecastCache_PutGet(t *testing.T) {
	c, clock := openTestCache(t, NewMemoryStore())
	payload := json.RawMessage(`{"city":{"name":"Seattle"}}`)

	if err := c.Put(context.Background(), "seattle", payload); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok := c.Get("seattle")
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(got.Payload) != string(payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, payload)
	}
	if got.LocationKey != "seattle" {
		t.Errorf("LocationKey = %q, want seattle", got.LocationKey)
	}
	if !got.FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v, want %v", got.FetchedAt, clock.Now())
	}
}

// TestForecastCache_PutOverwrites verifies that a second Put replaces the entry
// rather than accumulating.
func TestForecastCache_PutOverwrites(t *testing.T) {
	c, clock := openTestCache(t, NewMemoryStore())
	ctx := context.Background()

	_ = c.Put(ctx, "paris", json.RawMessage(`{"v":2}`))
	clock.Advance(time.Minute)
	_ = c.Put(ctx, "paris", json.RawMessage(`{"v":3}`))

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	got, _ := c.Get("paris")
	if string(got.Payload) != `{"v":3}` {
		t.Errorf("Payload = %s, want {\"v\":3}", got.Payload)
	}
	if !got.FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v, want time of second put %v", got.FetchedAt, clock.Now())
	}
}

func TestForecastCache_GetMiss(t *testing.T) {
	c, _ := openTestCache(t, NewMemoryStore())
	if _, ok := c.Get("never-written"); ok {
		t.Error("Get() ok = true for missing key")
	}
	if _, ok := c.AgeOf("never-written"); ok {
		t.Error("AgeOf() ok = true for missing key")
	}
}

// TestForecastCache_AgeOf verifies ages track the injected clock.
func TestForecastCache_AgeOf(t *testing.T) {
	c, clock := openTestCache(t, NewMemoryStore())
	_ = c.Put(context.Background(), "rabat", json.RawMessage(`{}`))

	if age, ok := c.AgeOf("rabat"); !ok || age != 0 {
		t.Errorf("AgeOf() right after Put = %v, %v; want 0, true", age, ok)
	}
	for _, d := range []time.Duration{time.Second, 2 * time.Hour, 72 * time.Hour} {
		before, _ := c.AgeOf("rabat")
		clock.Advance(d)
		after, _ := c.AgeOf("rabat")
		if after-before != d {
			t.Errorf("AgeOf() advanced by %v, want %v", after-before, d)
		}
	}
}

// TestForecastCache_GetReturnsCopy verifies callers cannot mutate cached payloads.
func TestForecastCache_GetReturnsCopy(t *testing.T) {
	c, _ := openTestCache(t, NewMemoryStore())
	payload := json.RawMessage(`{"a":1}`)
	_ = c.Put(context.Background(), "oslo", payload)
	payload[2] = 'b'

	got, _ := c.Get("oslo")
	got.Payload[2] = 'c'

	again, _ := c.Get("oslo")
	if string(again.Payload) != `{"a":1}` {
		t.Errorf("cached payload mutated to %s", again.Payload)
	}
}

// TestForecastCache_PersistsAcrossOpen verifies entries survive reopening the same store.
func TestForecastCache_PersistsAcrossOpen(t *testing.T) {
	store := NewMemoryStore()
	c, clock := openTestCache(t, store)
	_ = c.Put(context.Background(), "seattle", json.RawMessage(`{"v":1}`))
	fetchedAt := clock.Now()

	reopened, err := Open(context.Background(), store)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, ok := reopened.Get("seattle")
	if !ok || string(got.Payload) != `{"v":1}` || !got.FetchedAt.Equal(fetchedAt) {
		t.Errorf("reopened Get() = %+v, %v; want persisted entry", got, ok)
	}
}

// TestOpen_LoadFailure verifies an unreadable store yields a usable memory-only cache.
func TestOpen_LoadFailure(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith(errors.New("permission denied"), nil)

	c, err := Open(context.Background(), store)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Open() error = %v, want ErrStoreUnavailable", err)
	}
	if c == nil {
		t.Fatal("Open() returned nil cache on load failure")
	}
	if !c.MemoryOnly() || !c.Degraded() {
		t.Errorf("MemoryOnly/Degraded = %v/%v, want true/true", c.MemoryOnly(), c.Degraded())
	}
	if err := c.Put(context.Background(), "seattle", json.RawMessage(`{}`)); err != nil {
		t.Errorf("Put() in memory-only mode error = %v, want nil", err)
	}
	if _, ok := c.Get("seattle"); !ok {
		t.Error("Get() after memory-only Put ok = false")
	}
	if store.Saves() != 0 {
		t.Errorf("memory-only cache wrote to store %d times", store.Saves())
	}
}

func TestOpen_NilStore(t *testing.T) {
	c, err := Open(context.Background(), nil)
	if err != nil {
		t.Fatalf("Open(nil) error = %v", err)
	}
	if !c.MemoryOnly() || c.Degraded() {
		t.Errorf("MemoryOnly/Degraded = %v/%v, want true/false", c.MemoryOnly(), c.Degraded())
	}
}

// TestForecastCache_PutStoreFailure verifies a failed durable write keeps the
// in-memory entry, marks the cache degraded, and recovers on the next good write.
func TestForecastCache_PutStoreFailure(t *testing.T) {
	store := NewMemoryStore()
	c, _ := openTestCache(t, store)
	ctx := context.Background()

	store.FailWith(nil, errors.New("disk full"))
	err := c.Put(ctx, "seattle", json.RawMessage(`{"v":1}`))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Put() error = %v, want ErrStoreUnavailable", err)
	}
	if _, ok := c.Get("seattle"); !ok {
		t.Error("entry missing from memory after failed durable write")
	}
	if !c.Degraded() {
		t.Error("Degraded() = false after failed write")
	}

	store.FailWith(nil, nil)
	if err := c.Put(ctx, "paris", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("Put() after recovery error = %v", err)
	}
	if c.Degraded() {
		t.Error("Degraded() = true after successful write")
	}
	loaded, _ := store.Load(ctx)
	if len(loaded) != 2 {
		t.Errorf("store holds %d entries after recovery, want 2 (full mapping rewritten)", len(loaded))
	}
}

func TestForecastCache_DeleteAndEntries(t *testing.T) {
	store := NewMemoryStore()
	c, _ := openTestCache(t, store)
	ctx := context.Background()
	for _, k := range []string{"seattle", "oslo", "paris"} {
		_ = c.Put(ctx, k, json.RawMessage(`{}`))
	}

	if err := c.Delete(ctx, "oslo"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete(missing) error = %v", err)
	}

	entries := c.Entries()
	if len(entries) != 2 || entries[0].LocationKey != "paris" || entries[1].LocationKey != "seattle" {
		t.Errorf("Entries() = %v, want sorted [paris seattle]", entries)
	}
	loaded, _ := store.Load(ctx)
	if _, ok := loaded["oslo"]; ok {
		t.Error("deleted entry still in store")
	}
}

func TestForecastCache_AgeNeverNegative(t *testing.T) {
	store := NewMemoryStore()
	future := testEpoch.Add(time.Hour)
	_ = store.Save(context.Background(), map[string]models.CacheEntry{
		"seattle": {LocationKey: "seattle", Payload: json.RawMessage(`{}`), FetchedAt: future},
	})
	c, _ := openTestCache(t, store)
	if age, ok := c.AgeOf("seattle"); !ok || age != 0 {
		t.Errorf("AgeOf() for future timestamp = %v, %v; want 0, true", age, ok)
	}
}

// TestForecastCache_ConcurrentAccess exercises writers, readers and flushes
// together; run with -race.
func TestForecastCache_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	c, clock := openTestCache(t, store)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("city-%d-%d", w, i)
				if err := c.Put(ctx, key, json.RawMessage(fmt.Sprintf(`{"w":%d,"i":%d}`, w, i))); err != nil {
					t.Errorf("Put(%s) error = %v", key, err)
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if e, ok := c.Get(fmt.Sprintf("city-%d-%d", r, i)); ok && len(e.Payload) == 0 {
					t.Errorf("Get returned an entry without payload: %+v", e)
				}
				_, _ = c.AgeOf("city-0-0")
				_ = c.Entries()
				_ = c.Len()
				if err := c.Flush(ctx); err != nil {
					t.Errorf("Flush() error = %v", err)
				}
			}
		}(r)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < perWriter; i++ {
			clock.Advance(time.Second)
			_ = c.Degraded()
		}
	}()
	wg.Wait()

	if got := c.Len(); got != writers*perWriter {
		t.Errorf("Len() = %d, want %d", got, writers*perWriter)
	}
	if c.Degraded() {
		t.Error("Degraded() = true with a healthy store")
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != writers*perWriter {
		t.Errorf("store holds %d entries, want %d", len(loaded), writers*perWriter)
	}
	for key, e := range loaded {
		got, ok := c.Get(key)
		if !ok || string(got.Payload) != string(e.Payload) {
			t.Errorf("store entry %s = %s, cache has %s", key, e.Payload, got.Payload)
		}
	}
}
