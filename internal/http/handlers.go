package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/geo"
	"github.com/kjstillabower/forecast-viewer/internal/icons"
	"github.com/kjstillabower/forecast-viewer/internal/lifecycle"
	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/traffic"
	"github.com/kjstillabower/forecast-viewer/internal/validation"
)

const (
	minLocationLen = 1
	maxLocationLen = 100

	iconPrefetchTimeout = 30 * time.Second
)

// ForecastGetter runs the fresh/stale/empty fallback for one location.
type ForecastGetter interface {
	GetForecast(ctx context.Context, location string) models.ForecastResult
}

// CacheReader is the read side of the forecast cache used by /cache and /health.
type CacheReader interface {
	Entries() []models.CacheEntry
	Degraded() bool
	MemoryOnly() bool
}

// IconSource resolves provider icon codes to local files.
type IconSource interface {
	Path(ctx context.Context, code string) (string, error)
	Prefetch(ctx context.Context, codes []string) error
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	// Window is the sliding window over provider fetch outcomes.
	Window time.Duration
	// OfflineErrorPct is the failure percentage at which the provider is reported offline.
	OfflineErrorPct int
	// CachePing, when set, is called to check store reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	forecasts  ForecastGetter
	cache      CacheReader
	locator    geo.Locator
	icons      IconSource
	health     *HealthConfig
	staleAfter time.Duration
	clock      clockwork.Clock
	logger     *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string

	background sync.WaitGroup
}

// HandlerOption configures optional Handler collaborators.
type HandlerOption func(*Handler)

// WithLocator enables GET /forecast (forecast for the caller's location).
func WithLocator(l geo.Locator) HandlerOption {
	return func(h *Handler) { h.locator = l }
}

// WithIcons enables GET /icons/{code} and icon prefetch after fresh fetches.
func WithIcons(src IconSource) HandlerOption {
	return func(h *Handler) { h.icons = src }
}

// WithHealthConfig sets health thresholds. Without it the offline check is skipped.
func WithHealthConfig(cfg *HealthConfig) HandlerOption {
	return func(h *Handler) { h.health = cfg }
}

// WithStaleAfter sets the age at which /cache marks entries outdated. 0 disables.
func WithStaleAfter(d time.Duration) HandlerOption {
	return func(h *Handler) { h.staleAfter = d }
}

// WithClock overrides the wall clock (tests).
func WithClock(c clockwork.Clock) HandlerOption {
	return func(h *Handler) { h.clock = c }
}

// NewHandler returns a new Handler.
func NewHandler(forecasts ForecastGetter, cache CacheReader, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		forecasts: forecasts,
		cache:     cache,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// forecastResponse is the JSON body for fresh and stale results.
type forecastResponse struct {
	Freshness  models.Freshness `json:"freshness"`
	Location   string           `json:"location"`
	FetchedAt  time.Time        `json:"fetchedAt"`
	AgeSeconds int64            `json:"ageSeconds"`
	Outdated   bool             `json:"outdated"`
	Reason     string           `json:"reason,omitempty"`
	Forecast   json.RawMessage  `json:"forecast,omitempty"`
	Summary    *client.Summary  `json:"summary,omitempty"`
}

// GetForecast handles GET /forecast/{location}.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	location, err := validation.ValidateLocation(mux.Vars(r)["location"], minLocationLen, maxLocationLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}
	h.serveForecast(w, r, location)
}

// GetLocalForecast handles GET /forecast: geolocate the caller, then serve as GetForecast.
func (h *Handler) GetLocalForecast(w http.ResponseWriter, r *http.Request) {
	if h.locator == nil {
		writeError(w, r, http.StatusNotFound, "LOCATION_UNAVAILABLE", "geolocation is not configured")
		return
	}
	loc, err := h.locator.Locate(r.Context())
	if err != nil {
		requestLogger(r, h.logger).Warn("geolocation failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "LOCATION_UNAVAILABLE", "Unable to determine your location")
		return
	}
	h.serveForecast(w, r, loc.Query())
}

func (h *Handler) serveForecast(w http.ResponseWriter, r *http.Request, location string) {
	result := h.forecasts.GetForecast(r.Context(), location)
	w.Header().Set("X-Forecast-Freshness", string(result.Freshness))

	if !result.HasData() {
		msg := "No forecast available for " + result.LocationKey
		if result.Reason != "" {
			msg += " (" + result.Reason + ")"
		}
		writeError(w, r, http.StatusNotFound, "NO_DATA_AVAILABLE", msg)
		return
	}

	if result.IsFresh() {
		h.prefetchIcons(r, result.Payload)
	}

	resp := forecastResponse{
		Freshness:  result.Freshness,
		Location:   result.LocationKey,
		FetchedAt:  result.FetchedAt,
		AgeSeconds: int64(result.Age / time.Second),
		Outdated:   result.Outdated,
		Reason:     result.Reason,
		Forecast:   result.Payload,
	}
	if r.URL.Query().Get("view") == "summary" {
		summary, err := client.Summarize(result.Payload)
		if err != nil {
			requestLogger(r, h.logger).Warn("summarize forecast failed",
				zap.String("location", result.LocationKey), zap.Error(err))
		} else {
			resp.Summary = &summary
			resp.Forecast = nil
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// prefetchIcons downloads the icons a fresh payload references so they are
// available when the provider is not. Runs in the background; see Wait.
func (h *Handler) prefetchIcons(r *http.Request, payload json.RawMessage) {
	if h.icons == nil {
		return
	}
	codes := client.IconCodes(payload)
	if len(codes) == 0 {
		return
	}
	logger := requestLogger(r, h.logger)
	ctx := context.WithoutCancel(r.Context())
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		ctx, cancel := context.WithTimeout(ctx, iconPrefetchTimeout)
		defer cancel()
		if err := h.icons.Prefetch(ctx, codes); err != nil {
			logger.Debug("icon prefetch incomplete", zap.Error(err))
		}
	}()
}

// Wait blocks until background work started by handlers (icon prefetch) finishes.
func (h *Handler) Wait() {
	h.background.Wait()
}

type cacheEntryResponse struct {
	Location   string    `json:"location"`
	FetchedAt  time.Time `json:"fetchedAt"`
	AgeSeconds int64     `json:"ageSeconds"`
	Outdated   bool      `json:"outdated"`
}

// GetCache handles GET /cache. Lists cached locations and ages, without payloads.
func (h *Handler) GetCache(w http.ResponseWriter, r *http.Request) {
	entries := h.cache.Entries()
	now := h.clock.Now()
	out := make([]cacheEntryResponse, 0, len(entries))
	for _, e := range entries {
		age := now.Sub(e.FetchedAt)
		if age < 0 {
			age = 0
		}
		out = append(out, cacheEntryResponse{
			Location:   e.LocationKey,
			FetchedAt:  e.FetchedAt,
			AgeSeconds: int64(age / time.Second),
			Outdated:   h.staleAfter > 0 && age > h.staleAfter,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(out),
		"memoryOnly": h.cache.MemoryOnly(),
		"entries":    out,
	})
}

// GetIcon handles GET /icons/{code}.
func (h *Handler) GetIcon(w http.ResponseWriter, r *http.Request) {
	if h.icons == nil {
		writeError(w, r, http.StatusNotFound, "ICON_UNAVAILABLE", "icons are not configured")
		return
	}
	code := mux.Vars(r)["code"]
	path, err := h.icons.Path(r.Context(), code)
	switch {
	case errors.Is(err, icons.ErrInvalidCode):
		writeError(w, r, http.StatusBadRequest, "INVALID_ICON", err.Error())
		return
	case err != nil:
		requestLogger(r, h.logger).Debug("icon unavailable", zap.String("code", code), zap.Error(err))
		writeError(w, r, http.StatusNotFound, "ICON_UNAVAILABLE", "icon "+code+" is not cached")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, path)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health. No provider call is made: offline detection
// uses the outcomes of recent real fetches.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{
		"provider": "healthy",
		"store":    "healthy",
	}
	if result.status == "offline" {
		checks["provider"] = "unhealthy"
	}
	if h.storeUnhealthy() {
		checks["store"] = "unhealthy"
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "forecast-viewer",
		"version":   "dev",
		"checks":    checks,
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	if last := traffic.LastFetchSuccess(); !last.IsZero() {
		resp["lastFetchSuccess"] = last.UTC().Format(time.RFC3339)
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > degraded (store) > offline (provider) > healthy.
// Offline is reported with 200: stale forecasts are still being served.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.storeUnhealthy() {
		return healthResult{"degraded", http.StatusServiceUnavailable, "store_unavailable"}
	}
	if h.health != nil && h.health.Window > 0 && h.health.OfflineErrorPct > 0 {
		failures, total := traffic.FetchErrorRate(h.health.Window)
		if total > 0 && failures*100 >= h.health.OfflineErrorPct*total {
			return healthResult{"offline", http.StatusOK, "fetch_error_rate"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func (h *Handler) storeUnhealthy() bool {
	if h.cache.Degraded() {
		return true
	}
	return h.health != nil && h.health.CachePing != nil && h.health.CachePing() != nil
}

// GetMetrics handles GET /metrics.
func GetMetrics(w http.ResponseWriter, r *http.Request) {
	observability.MetricsHandler().ServeHTTP(w, r)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": client.CorrelationIDFromContext(r.Context()),
		},
	})
}

// requestLogger returns the request-scoped logger set by CorrelationIDMiddleware, or fallback.
func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger := observability.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return fallback
}

// retryAfterSeconds renders d as a Retry-After value, at least 1.
func retryAfterSeconds(d time.Duration) string {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
