package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/traffic"
)

func TestMiddleware_ThroughRouter(t *testing.T) {
	env := newTestEnv(t)
	router := NewRouter(env.handler, zap.NewNop(), RouterConfig{})

	req := httptest.NewRequest(http.MethodGet, "/forecast/seattle", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var seenID string
	var seenLogger *zap.Logger

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.New(core)))
	router.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
		seenID = client.CorrelationIDFromContext(r.Context())
		seenLogger = observability.LoggerFromContext(r.Context())
		seenLogger.Info("inside handler")
	})

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
	if seenID != "client-provided-id" {
		t.Errorf("context correlation id = %q, want client-provided-id", seenID)
	}
	if seenLogger == nil {
		t.Fatal("request logger missing from context")
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].ContextMap()["correlation_id"] != "client-provided-id" {
		t.Errorf("log entries = %+v, want correlation_id field", entries)
	}
}

func TestMiddleware_ErrorBodyCarriesRequestID(t *testing.T) {
	env := newTestEnv(t)
	router := NewRouter(env.handler, zap.NewNop(), RouterConfig{})

	req := httptest.NewRequest(http.MethodGet, "/forecast/%20", nil)
	req.Header.Set("X-Correlation-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp struct {
		Error struct {
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.RequestID != "req-123" {
		t.Errorf("requestId = %q, want req-123", resp.Error.RequestID)
	}
}

func TestMiddleware_MetricsCountsInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cache", nil))
	}()

	<-started
	if got := InFlightCount(); got != 1 {
		t.Errorf("InFlightCount() = %d during request, want 1", got)
	}
	close(release)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitForInFlight(ctx, 5*time.Millisecond); err != nil {
		t.Errorf("WaitForInFlight() error = %v", err)
	}
}

// TestTimeoutMiddleware_ServesStaleAfterTimeout verifies a request deadline ends the
// wait on a hung provider and the cached forecast is served instead of an error.
func TestTimeoutMiddleware_ServesStaleAfterTimeout(t *testing.T) {
	env := newTestEnv(t)
	router := NewRouter(env.handler, zap.NewNop(), RouterConfig{RequestTimeout: 50 * time.Millisecond})
	prime := httptest.NewRecorder()
	router.ServeHTTP(prime, httptest.NewRequest(http.MethodGet, "/forecast/seattle", nil))
	if prime.Code != http.StatusOK {
		t.Fatalf("priming status = %d", prime.Code)
	}

	hang := &hangingProvider{release: make(chan struct{})}
	defer close(hang.release)
	env.handler.forecasts = newServiceWith(t, hang, env)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/forecast/seattle", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("X-Forecast-Freshness"); got != "stale" {
		t.Errorf("X-Forecast-Freshness = %q, want stale", got)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	limiter := rate.NewLimiter(1, 2)
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(RateLimitMiddleware(limiter))
	router.HandleFunc("/forecast/{location}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/forecast/seattle", nil))

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		if got := w.Header().Get("Retry-After"); got != "1" {
			t.Errorf("Retry-After = %q, want 1", got)
		}
		if code := decodeErrorCode(t, w); code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", code)
		}
	}
	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount() = %d, want 1", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	handler := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 100; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/forecast/seattle", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 (nil limiter should allow)", i, w.Code)
		}
	}
}

func TestRouter_HealthNotRateLimited(t *testing.T) {
	env := newTestEnv(t)
	router := NewRouter(env.handler, zap.NewNop(), RouterConfig{Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("health request %d: status = %d, want 200", i, w.Code)
		}
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/forecast/seattle", nil))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/forecast/seattle", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second forecast status = %d, want 429", w.Code)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	router := NewRouter(env.handler, zap.NewNop(), RouterConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestGetRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/cache", "/cache"},
		{"/forecast", "/forecast"},
		{"/forecast/seattle", "/forecast/{location}"},
		{"/icons/10d", "/icons/{code}"},
		{"/wp-admin", "other"},
	}
	for _, tt := range tests {
		if got := getRoute(httptest.NewRequest(http.MethodGet, tt.path, nil)); got != tt.want {
			t.Errorf("getRoute(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestTokenInterval(t *testing.T) {
	tests := []struct {
		limit rate.Limit
		want  time.Duration
	}{
		{2, 500 * time.Millisecond},
		{rate.Every(10 * time.Second), 10 * time.Second},
		{rate.Inf, time.Second},
	}
	for _, tt := range tests {
		if got := tokenInterval(rate.NewLimiter(tt.limit, 1)); got != tt.want {
			t.Errorf("tokenInterval(%v) = %v, want %v", tt.limit, got, tt.want)
		}
	}
	if got := retryAfterSeconds(500 * time.Millisecond); got != "1" {
		t.Errorf("retryAfterSeconds(500ms) = %q, want 1", got)
	}
}
