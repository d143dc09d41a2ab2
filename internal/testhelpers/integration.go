//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/forecast-viewer/internal/cache"
	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	CacheStore    string // "file" (default), "sqlite", "memcached" or "memory"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = "https://api.openweathermap.org/data/2.5/forecast"
	}

	store := os.Getenv("INTEGRATION_CACHE_STORE")
	if store == "" {
		store = "file"
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		APIURL:        apiURL,
		CacheStore:    store,
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationClient creates a live provider client.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(client.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.APIURL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// OpenIntegrationCache opens a ForecastCache on the configured store. File and
// sqlite stores live under t.TempDir(). An unreachable memcached falls back to memory.
func OpenIntegrationCache(t *testing.T, cfg IntegrationTestConfig) *cache.ForecastCache {
	t.Helper()
	storeCfg := cache.StoreConfig{
		Backend:               cfg.CacheStore,
		MemcachedAddrs:        cfg.MemcachedAddr,
		MemcachedTimeout:      500 * time.Millisecond,
		MemcachedMaxIdleConns: 2,
	}
	switch cfg.CacheStore {
	case "sqlite":
		storeCfg.Path = filepath.Join(t.TempDir(), "forecasts.db")
	default:
		storeCfg.Path = filepath.Join(t.TempDir(), "weather_cache.json")
	}

	store, err := cache.NewStore(storeCfg)
	if err != nil {
		t.Fatalf("NewStore(%s) error = %v", cfg.CacheStore, err)
	}
	if mc, ok := store.(*cache.MemcachedStore); ok {
		if err := mc.Ping(); err != nil {
			t.Logf("Memcached not available (%v), using memory store", err)
			_ = mc.Close()
			store = cache.NewMemoryStore()
		}
	}

	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	fc, err := cache.Open(context.Background(), store, cache.WithLogger(logger))
	if err != nil {
		t.Fatalf("cache.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = fc.Close() })
	return fc
}

// SetupIntegrationService creates a forecast service over a live client.
// Returns the service, its cache (for test setup) and a cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.ForecastService, *cache.ForecastCache, func()) {
	t.Helper()
	fc := OpenIntegrationCache(t, cfg)
	svc := service.NewForecastService(SetupIntegrationClient(t, cfg), fc)
	return svc, fc, func() { ClearCache(context.Background(), fc) }
}

// ClearCache deletes every entry so tests sharing a durable store start empty.
func ClearCache(ctx context.Context, fc *cache.ForecastCache) {
	for _, e := range fc.Entries() {
		_ = fc.Delete(ctx, e.LocationKey)
	}
}
