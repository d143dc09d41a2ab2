package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-viewer/internal/cache"
	"github.com/kjstillabower/forecast-viewer/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/config"
	"github.com/kjstillabower/forecast-viewer/internal/geo"
	httphandler "github.com/kjstillabower/forecast-viewer/internal/http"
	"github.com/kjstillabower/forecast-viewer/internal/icons"
	"github.com/kjstillabower/forecast-viewer/internal/lifecycle"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/service"
)

const inFlightCheckInterval = 100 * time.Millisecond

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = observability.Flush(logger) }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if err := cfg.RequireAPIKey(); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := newWeatherClient(cfg, logger)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	go func() {
		if err := weatherClient.ValidateAPIKey(context.Background()); err != nil {
			logger.Warn("weather API check failed, cached forecasts will be served", zap.Error(err))
		}
	}()

	store, err := cache.NewStore(storeConfig(cfg))
	if err != nil {
		logger.Fatal("cache store", zap.Error(err))
	}
	forecastCache, err := cache.Open(context.Background(), store, cache.WithLogger(logger))
	if err != nil {
		// The cache still serves from memory; health reports degraded.
		logger.Error("cache store unavailable, running memory-only", zap.Error(err))
	}
	logger.Info("cache store configured", zap.String("store", cfg.CacheStore), zap.String("path", cfg.CachePath))

	forecastService := service.NewForecastService(weatherClient, forecastCache,
		service.WithStaleAfter(cfg.StaleAfter),
		service.WithCoalesceTimeout(cfg.CoalesceTimeout),
		service.WithLogger(logger),
	)

	healthConfig := &httphandler.HealthConfig{
		Window:          cfg.HealthWindow,
		OfflineErrorPct: cfg.OfflineErrorPct,
	}
	if mc, ok := store.(*cache.MemcachedStore); ok {
		healthConfig.CachePing = mc.Ping
	}

	opts := []httphandler.HandlerOption{
		httphandler.WithHealthConfig(healthConfig),
		httphandler.WithStaleAfter(cfg.StaleAfter),
		httphandler.WithLocator(geo.NewIPLocator(cfg.GeoURL, cfg.GeoTimeout)),
	}
	iconCache, err := icons.NewCache(cfg.IconDir, cfg.IconBaseURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Warn("icon cache disabled", zap.Error(err))
	} else {
		opts = append(opts, httphandler.WithIcons(iconCache))
	}
	handler := httphandler.NewHandler(forecastService, forecastCache, logger, opts...)

	observability.RegisterTrafficGauges(cfg.HealthWindow)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()
	startWarming(appCtx, cfg, forecastService, logger)
	if !forecastCache.MemoryOnly() && cfg.StoreRecoveryInitial > 0 {
		go cache.NewRecoverer(forecastCache, cfg.StoreRecoveryInitial, cfg.StoreRecoveryMax, logger).Run(appCtx)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered", zap.Int64("in_flight", httphandler.InFlightCount()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = lifecycle.Shutdown(shutdownCtx, logger,
		lifecycle.Step{Name: "http_server", Run: srv.Shutdown},
		lifecycle.Step{Name: "in_flight", Run: func(ctx context.Context) error {
			return httphandler.WaitForInFlight(ctx, inFlightCheckInterval)
		}},
		lifecycle.Step{Name: "background", Run: func(ctx context.Context) error {
			cancelApp()
			return waitOrDone(ctx, handler.Wait)
		}},
		lifecycle.Step{Name: "cache", Run: func(ctx context.Context) error {
			return forecastCache.Close()
		}},
	)
	logger.Info("shutdown complete")
}

func newWeatherClient(cfg *config.Config, logger *zap.Logger) (*client.OpenWeatherClient, error) {
	c, err := client.NewOpenWeatherClient(client.Config{
		APIKey:         cfg.WeatherAPIKey,
		BaseURL:        cfg.WeatherAPIURL,
		Units:          cfg.Units,
		Language:       cfg.Language,
		Timeout:        cfg.WeatherAPITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		return nil, err
	}
	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitFailureThreshold,
			SuccessThreshold: cfg.CircuitSuccessThreshold,
			Timeout:          cfg.CircuitTimeout,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("weather_api", from.String(), to.String(), int(to))
				logger.Warn("circuit breaker transition", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		c.SetCircuitBreaker(cb)
		observability.CircuitBreakerState.WithLabelValues("weather_api").Set(0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitFailureThreshold),
			zap.Duration("timeout", cfg.CircuitTimeout))
	}
	return c, nil
}

func storeConfig(cfg *config.Config) cache.StoreConfig {
	return cache.StoreConfig{
		Backend:               cfg.CacheStore,
		Path:                  cfg.CachePath,
		MemcachedAddrs:        cfg.MemcachedAddrs,
		MemcachedTimeout:      cfg.MemcachedTimeout,
		MemcachedMaxIdleConns: cfg.MemcachedMaxIdleConns,
	}
}

// startWarming warms the configured locations in the background, once or
// every WarmInterval.
func startWarming(ctx context.Context, cfg *config.Config, fetcher cache.ForecastFetcher, logger *zap.Logger) {
	if len(cfg.WarmLocations) == 0 {
		return
	}
	warmer := cache.NewCacheWarmer(fetcher, logger)
	go func() {
		if cfg.WarmInterval <= 0 {
			if err := warmer.Warm(ctx, cfg.WarmLocations); err != nil {
				logger.Warn("cache warming failed", zap.Error(err))
			}
			return
		}
		if err := warmer.WarmPeriodic(ctx, cfg.WarmLocations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("periodic cache warming stopped", zap.Error(err))
		}
	}()
}

// waitOrDone runs wait and returns when it finishes or ctx is done.
func waitOrDone(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
