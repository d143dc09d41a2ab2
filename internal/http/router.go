package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RouterConfig holds per-route middleware settings.
type RouterConfig struct {
	RequestTimeout time.Duration // applied to /forecast routes; 0 disables
	Limiter        *rate.Limiter // applied to /forecast routes; nil disables
}

// NewRouter wires handler routes and middleware. /health, /metrics and /cache
// are never rate limited.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.HandleFunc("/metrics", GetMetrics).Methods(http.MethodGet)
	router.HandleFunc("/cache", h.GetCache).Methods(http.MethodGet)
	router.HandleFunc("/icons/{code}", h.GetIcon).Methods(http.MethodGet)

	forecast := router.PathPrefix("/forecast").Subrouter()
	forecast.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		forecast.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	forecast.HandleFunc("", h.GetLocalForecast).Methods(http.MethodGet)
	forecast.HandleFunc("/{location}", h.GetForecast).Methods(http.MethodGet)
	return router
}
