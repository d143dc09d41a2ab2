package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort     string
	RequestTimeout time.Duration

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration
	Units             string
	Language          string

	CacheStore            string // "file", "sqlite", "memcached" or "memory"
	CachePath             string
	StaleAfter            time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled   bool
	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitTimeout          time.Duration
	CoalesceTimeout         time.Duration
	StoreRecoveryInitial    time.Duration // 0 disables store recovery
	StoreRecoveryMax        time.Duration

	WarmLocations []string
	WarmInterval  time.Duration // 0 = warm once at startup

	GeoURL     string
	GeoTimeout time.Duration

	IconDir     string
	IconBaseURL string

	HealthWindow    time.Duration
	OfflineErrorPct int

	ShutdownTimeout time.Duration

	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	WeatherAPI struct {
		URL      string `yaml:"url"`
		Timeout  string `yaml:"timeout"`
		Units    string `yaml:"units"`
		Language string `yaml:"language"`
	} `yaml:"weather_api"`

	Cache struct {
		Store      string `yaml:"store"`
		Path       string `yaml:"path"`
		StaleAfter string `yaml:"stale_after"`
		Memcached  struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CoalesceTimeout  string `yaml:"coalesce_timeout"`
		StoreRecovery    struct {
			Initial string `yaml:"initial"`
			Max     string `yaml:"max"`
		} `yaml:"store_recovery"`
		CircuitBreaker struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Warming struct {
		Locations []string `yaml:"locations"`
		Interval  string   `yaml:"interval"`
	} `yaml:"warming"`

	Geo struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"geo"`

	Icons struct {
		Dir     string `yaml:"dir"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"icons"`

	Health struct {
		Window          string `yaml:"window"`
		OfflineErrorPct int    `yaml:"offline_error_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml under the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadDir(filepath.Join(cwd, "config"))
}

// LoadDir is Load with an explicit config directory.
// The API key comes from WEATHER_API_KEY or the secrets file and may be empty:
// cached forecasts stay readable without it. Use RequireAPIKey where fetching is needed.
func LoadDir(dir string) (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(dir, env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.WeatherAPIKey = strings.TrimSpace(os.Getenv("WEATHER_API_KEY"))
	if cfg.WeatherAPIKey == "" {
		key, err := readSecrets(filepath.Join(dir, "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}
	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5/forecast"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.Units = strings.ToLower(strings.TrimSpace(fc.WeatherAPI.Units))
	if cfg.Units == "" {
		cfg.Units = "metric"
	}
	cfg.Language = strings.ToLower(strings.TrimSpace(fc.WeatherAPI.Language))
	if cfg.Language == "" {
		cfg.Language = "en"
	}

	cfg.CacheStore = envOr("CACHE_STORE", fc.Cache.Store)
	cfg.CacheStore = strings.ToLower(cfg.CacheStore)
	if cfg.CacheStore == "" {
		cfg.CacheStore = "file"
	}
	cfg.CachePath = envOr("CACHE_PATH", fc.Cache.Path)
	if cfg.CachePath == "" {
		cfg.CachePath = defaultCachePath(cfg.CacheStore)
	}
	cfg.StaleAfter = parseDurationOrZero(fc.Cache.StaleAfter, 3*time.Hour)
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 50
	}
	cfg.CoalesceTimeout = parseDuration(fc.Reliability.CoalesceTimeout, 10*time.Second)
	cfg.StoreRecoveryInitial = parseDurationOrZero(fc.Reliability.StoreRecovery.Initial, 30*time.Second)
	cfg.StoreRecoveryMax = parseDuration(fc.Reliability.StoreRecovery.Max, 10*time.Minute)

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = true
	if cb.Enabled != nil {
		cfg.CircuitBreakerEnabled = *cb.Enabled
	}
	cfg.CircuitFailureThreshold = cb.FailureThreshold
	if cfg.CircuitFailureThreshold <= 0 {
		cfg.CircuitFailureThreshold = 5
	}
	cfg.CircuitSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitSuccessThreshold <= 0 {
		cfg.CircuitSuccessThreshold = 2
	}
	cfg.CircuitTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.WarmLocations = fc.Warming.Locations
	cfg.WarmInterval = parseDurationOrZero(fc.Warming.Interval, 0)

	cfg.GeoURL = fc.Geo.URL
	cfg.GeoTimeout = parseDuration(fc.Geo.Timeout, 5*time.Second)

	cfg.IconDir = fc.Icons.Dir
	if cfg.IconDir == "" {
		cfg.IconDir = filepath.Join(DataDir(), "icons")
	}
	cfg.IconBaseURL = fc.Icons.BaseURL

	cfg.HealthWindow = parseDuration(fc.Health.Window, 5*time.Minute)
	cfg.OfflineErrorPct = fc.Health.OfflineErrorPct
	if cfg.OfflineErrorPct <= 0 {
		cfg.OfflineErrorPct = 50
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RequireAPIKey reports a missing provider key.
func (c *Config) RequireAPIKey() error {
	if c.WeatherAPIKey == "" {
		return errors.New("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}
	return nil
}

// DataDir resolves the base directory for cached data.
// Precedence: FORECAST_DATA_DIR, os.UserCacheDir()/forecast-viewer, ".forecast-viewer".
func DataDir() string {
	if d, ok := os.LookupEnv("FORECAST_DATA_DIR"); ok && d != "" {
		return d
	}
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "forecast-viewer")
	}
	return ".forecast-viewer"
}

func defaultCachePath(store string) string {
	if store == "sqlite" {
		return filepath.Join(DataDir(), "forecasts.db")
	}
	return filepath.Join(DataDir(), "weather_cache.json")
}

func readSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.WeatherAPIKey), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is so "0" can disable a feature.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised to exceed
// WeatherAPITimeout.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.StaleAfter < 0 {
		return fmt.Errorf("cache.stale_after must not be negative, got %s", cfg.StaleAfter)
	}
	if cfg.WarmInterval < 0 {
		return fmt.Errorf("warming.interval must not be negative, got %s", cfg.WarmInterval)
	}
	if cfg.StoreRecoveryInitial < 0 {
		return fmt.Errorf("reliability.store_recovery.initial must not be negative, got %s", cfg.StoreRecoveryInitial)
	}
	switch cfg.CacheStore {
	case "file", "sqlite", "memcached", "memory":
	default:
		return fmt.Errorf("cache.store must be file, sqlite, memcached or memory, got %q", cfg.CacheStore)
	}
	switch cfg.Units {
	case "metric", "imperial", "standard":
	default:
		return fmt.Errorf("weather_api.units must be metric, imperial or standard, got %q", cfg.Units)
	}
	if cfg.OfflineErrorPct > 100 {
		return fmt.Errorf("health.offline_error_pct must be 1-100, got %d", cfg.OfflineErrorPct)
	}
	return nil
}
