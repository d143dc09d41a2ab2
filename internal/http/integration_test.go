//go:build integration
// +build integration

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/service"
	testhelpers "github.com/kjstillabower/forecast-viewer/internal/testhelpers"
)

var testLogger *zap.Logger

func init() {
	var err error
	testLogger, err = observability.NewLogger()
	if err != nil {
		panic(err)
	}
}

// setupIntegrationRouter creates a fully configured router over the live provider.
func setupIntegrationRouter(t *testing.T, limiter *rate.Limiter) (http.Handler, *Handler, func()) {
	cfg := testhelpers.GetIntegrationConfig(t)
	svc, fc, cleanup := testhelpers.SetupIntegrationService(t, cfg)
	handler := NewHandler(svc, fc, testLogger, WithStaleAfter(3*time.Hour))
	router := NewRouter(handler, testLogger, RouterConfig{RequestTimeout: 10 * time.Second, Limiter: limiter})
	return router, handler, cleanup
}

func doRequest(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// TestIntegration_GetForecast_FreshThenCached verifies a live fetch is served fresh
// and written through to the cache listing.
func TestIntegration_GetForecast_FreshThenCached(t *testing.T) {
	router, _, cleanup := setupIntegrationRouter(t, nil)
	defer cleanup()

	// Act: Fetch a forecast from the live provider
	w := doRequest(router, "/forecast/London")

	// Assert: Fresh result with the provider payload
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp forecastResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Freshness != "fresh" || resp.Location != "london" {
		t.Errorf("freshness/location = %q/%q, want fresh/london", resp.Freshness, resp.Location)
	}
	if _, err := client.Summarize(resp.Forecast); err != nil {
		t.Errorf("Summarize(payload) error = %v", err)
	}

	// Assert: Entry is listed by /cache
	cw := doRequest(router, "/cache")
	if !strings.Contains(cw.Body.String(), `"location":"london"`) {
		t.Errorf("/cache missing london entry: %s", cw.Body.String())
	}
}

// TestIntegration_GetForecast_StaleWhenProviderFails verifies the stack falls back to
// the entry written by a live fetch when the provider starts failing.
func TestIntegration_GetForecast_StaleWhenProviderFails(t *testing.T) {
	cfg := testhelpers.GetIntegrationConfig(t)
	fc := testhelpers.OpenIntegrationCache(t, cfg)
	live := service.NewForecastService(testhelpers.SetupIntegrationClient(t, cfg), fc)
	if res := live.GetForecast(context.Background(), "Paris"); !res.IsFresh() {
		t.Fatalf("live fetch = %s (%s), want fresh", res.Freshness, res.Reason)
	}

	// Arrange: Same cache, provider with an invalid key
	badCfg := cfg
	badCfg.APIKey = "invalid_key_for_testing_0000000000"
	offline := service.NewForecastService(testhelpers.SetupIntegrationClient(t, badCfg), fc)
	handler := NewHandler(offline, fc, testLogger)
	router := NewRouter(handler, testLogger, RouterConfig{})

	// Act
	w := doRequest(router, "/forecast/paris")

	// Assert
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := w.Header().Get("X-Forecast-Freshness"); got != "stale" {
		t.Errorf("X-Forecast-Freshness = %q, want stale", got)
	}
	if !strings.Contains(w.Body.String(), string(client.ErrorCategoryInvalidAPIKey)) {
		t.Errorf("stale body should carry reason invalid_api_key: %s", w.Body.String())
	}
}

// TestIntegration_GetForecast_UnknownLocation verifies a provider 404 on an empty cache is a 404.
func TestIntegration_GetForecast_UnknownLocation(t *testing.T) {
	router, _, cleanup := setupIntegrationRouter(t, nil)
	defer cleanup()

	w := doRequest(router, "/forecast/Qwxzvbnmlkj")

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d. Body: %s", w.Code, http.StatusNotFound, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "NO_DATA_AVAILABLE") {
		t.Errorf("body missing NO_DATA_AVAILABLE: %s", w.Body.String())
	}
}

// TestIntegration_GetHealth_FullStack verifies /health through the full middleware chain.
func TestIntegration_GetHealth_FullStack(t *testing.T) {
	router, _, cleanup := setupIntegrationRouter(t, nil)
	defer cleanup()

	w := doRequest(router, "/health")

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

// TestIntegration_GetMetrics_Format verifies forecast metrics are exported after a request.
func TestIntegration_GetMetrics_Format(t *testing.T) {
	router, _, cleanup := setupIntegrationRouter(t, nil)
	defer cleanup()

	doRequest(router, "/forecast/Seattle")
	w := doRequest(router, "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, name := range []string{"httpRequestsTotal", "forecastsServedTotal", "providerCallsTotal", "cacheEntries"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// TestIntegration_RateLimiting_Concurrent verifies the limiter holds under concurrent load.
func TestIntegration_RateLimiting_Concurrent(t *testing.T) {
	router, _, cleanup := setupIntegrationRouter(t, rate.NewLimiter(1, 3))
	defer cleanup()

	var mu sync.Mutex
	codes := make(map[int]int)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := doRequest(router, "/forecast/Seattle")
			mu.Lock()
			codes[w.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if codes[http.StatusTooManyRequests] < 6 {
		t.Errorf("429 responses = %d, want >= 6 (codes: %v)", codes[http.StatusTooManyRequests], codes)
	}
}
