package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-viewer/internal/cache"
	"github.com/kjstillabower/forecast-viewer/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/config"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
)

// app carries state shared by subcommands. Tests replace clock and newProvider.
type app struct {
	configDir string
	store     string
	path      string
	logLevel  string

	cfg    *config.Config
	logger *zap.Logger
	clock  clockwork.Clock

	newProvider func(cfg *config.Config) (client.WeatherProvider, error)
}

func newApp() *app {
	return &app{
		clock:       clockwork.NewRealClock(),
		newProvider: liveProvider,
	}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forecastctl",
		Short: "Inspect and manage the offline forecast cache",
		Long: `forecastctl reads the same configuration as the forecast service and works
directly on its durable cache store. Listing, showing and deleting entries
never touch the network, so they work while offline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return observability.Flush(a.logger)
		},
	}

	cmd.PersistentFlags().StringVar(&a.configDir, "config-dir", "", "configuration directory (default ./config)")
	cmd.PersistentFlags().StringVar(&a.store, "store", "", "cache store override: file, sqlite, memcached or memory")
	cmd.PersistentFlags().StringVar(&a.path, "path", "", "cache path override for file and sqlite stores")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newEntriesCmd(a),
		newShowCmd(a),
		newDeleteCmd(a),
		newFetchCmd(a),
	)
	return cmd
}

func (a *app) init() error {
	logger, err := observability.NewLoggerAt(a.logLevel, "console")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.logger = logger

	dir := a.configDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		dir = filepath.Join(cwd, "config")
	}
	cfg, err := config.LoadDir(dir)
	if err != nil {
		return err
	}
	if a.store != "" {
		cfg.CacheStore = a.store
	}
	if a.path != "" {
		cfg.CachePath = a.path
	}
	a.cfg = cfg
	return nil
}

// openCache opens the configured store. Unlike the service, a store that
// cannot be read is an error here: there is nothing to inspect.
func (a *app) openCache(ctx context.Context) (*cache.ForecastCache, error) {
	store, err := cache.NewStore(a.storeConfig())
	if err != nil {
		return nil, err
	}
	fc, err := cache.Open(ctx, store, cache.WithClock(a.clock), cache.WithLogger(a.logger))
	if err != nil {
		_ = fc.Close()
		return nil, err
	}
	return fc, nil
}

// openCacheOrMemory opens the configured store, falling back to a
// memory-only cache when the store is unusable.
func (a *app) openCacheOrMemory(ctx context.Context) *cache.ForecastCache {
	store, err := cache.NewStore(a.storeConfig())
	if err != nil {
		a.logger.Warn("cache store unusable, running memory-only", zap.Error(err))
		store = nil
	}
	fc, err := cache.Open(ctx, store, cache.WithClock(a.clock), cache.WithLogger(a.logger))
	if err != nil {
		a.logger.Warn("cache store unavailable, running memory-only", zap.Error(err))
	}
	return fc
}

func (a *app) storeConfig() cache.StoreConfig {
	return cache.StoreConfig{
		Backend:               a.cfg.CacheStore,
		Path:                  a.cfg.CachePath,
		MemcachedAddrs:        a.cfg.MemcachedAddrs,
		MemcachedTimeout:      a.cfg.MemcachedTimeout,
		MemcachedMaxIdleConns: a.cfg.MemcachedMaxIdleConns,
	}
}

func liveProvider(cfg *config.Config) (client.WeatherProvider, error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
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
		c.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitFailureThreshold,
			SuccessThreshold: cfg.CircuitSuccessThreshold,
			Timeout:          cfg.CircuitTimeout,
		}))
	}
	return c, nil
}
