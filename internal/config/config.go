package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/forecast-sync/internal/store"
)

// Store backend names accepted in store.backend / STORE_BACKEND.
const (
	BackendSQLite    = store.BackendSQLite
	BackendMemory    = store.BackendMemory
	BackendMemcached = store.BackendMemcached
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherGeoURL     string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration

	SoftMaxAge time.Duration
	MaxAge     time.Duration

	FetchTimeout time.Duration
	GracePeriod  time.Duration

	StoreBackend          string
	StorePath             string
	HistoryLimit          int
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	MemcachedTTL          time.Duration

	RetryAttempts      int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
	RateLimitRPS       int
	RateLimitBurst     int

	ShutdownTimeout time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	WarmEnabled     bool
	WarmLocations   []string
	WarmConcurrency int
	WarmTimeout     time.Duration // per location

	TracingEnabled bool

	TrackedLocations []string
}

// Backend returns the store.Open settings.
func (c *Config) Backend() store.BackendConfig {
	return store.BackendConfig{
		Kind:                  c.StoreBackend,
		Path:                  c.StorePath,
		HistoryLimit:          c.HistoryLimit,
		MemcachedAddrs:        c.MemcachedAddrs,
		MemcachedTimeout:      c.MemcachedTimeout,
		MemcachedMaxIdleConns: c.MemcachedMaxIdleConns,
		MemcachedTTL:          c.MemcachedTTL,
	}
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		GeoURL  string `yaml:"geo_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Staleness struct {
		SoftMaxAge string `yaml:"soft_max_age"`
		MaxAge     string `yaml:"max_age"`
	} `yaml:"staleness"`

	Sync struct {
		FetchTimeout string `yaml:"fetch_timeout"`
		GracePeriod  string `yaml:"grace_period"`
	} `yaml:"sync"`

	Store struct {
		Backend      string `yaml:"backend"`
		Path         string `yaml:"path"`
		HistoryLimit *int   `yaml:"history_limit"`
		Memcached    struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
			TTL          string `yaml:"ttl"`
		} `yaml:"memcached"`
	} `yaml:"store"`

	Reliability struct {
		RetryMaxAttempts   int    `yaml:"retry_max_attempts"`
		RetryBaseDelay     string `yaml:"retry_base_delay"`
		RetryMaxDelay      string `yaml:"retry_max_delay"`
		BreakerFailures    int    `yaml:"breaker_failures"`
		BreakerOpenTimeout string `yaml:"breaker_open_timeout"`
		RateLimitRPS       int    `yaml:"rate_limit_rps"`
		RateLimitBurst     int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	Warm struct {
		Enabled     bool     `yaml:"enabled"`
		Locations   []string `yaml:"locations"`
		Concurrency int      `yaml:"concurrency"`
		Timeout     string   `yaml:"timeout"`
	} `yaml:"warm"`

	Tracing struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"tracing"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads .env (if present), then config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// API key comes from WEATHER_API_KEY env or secrets file. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom is Load rooted at dir instead of the working directory.
func LoadFrom(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(dir, "config", env+".yaml")
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

	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		secretsPath := filepath.Join(dir, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.WeatherAPIKey = sec.WeatherAPIKey
		}
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env, .env or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://devapi.qweather.com"
	}
	cfg.WeatherGeoURL = fc.WeatherAPI.GeoURL
	if cfg.WeatherGeoURL == "" {
		cfg.WeatherGeoURL = "https://geoapi.qweather.com"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.SoftMaxAge = parseDuration(fc.Staleness.SoftMaxAge, time.Hour)
	cfg.MaxAge = parseDuration(fc.Staleness.MaxAge, 6*time.Hour)

	cfg.FetchTimeout = parseDuration(fc.Sync.FetchTimeout, 10*time.Second)
	// Negative grace means "cancel immediately"; only empty or unparsable falls back.
	cfg.GracePeriod = parseDurationOrZero(fc.Sync.GracePeriod, 5*time.Second)

	cfg.StoreBackend = envOr("STORE_BACKEND", fc.Store.Backend)
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendSQLite
	}
	cfg.StorePath = envOr("STORE_PATH", fc.Store.Path)
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join("data", "forecast.db")
	}
	cfg.HistoryLimit = 10
	if fc.Store.HistoryLimit != nil && *fc.Store.HistoryLimit >= 0 {
		cfg.HistoryLimit = *fc.Store.HistoryLimit
	}
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Store.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Store.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Store.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.MemcachedTTL = parseDurationOrZero(fc.Store.Memcached.TTL, 0)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.BreakerFailures = 5
	if fc.Reliability.BreakerFailures > 0 {
		cfg.BreakerFailures = uint32(fc.Reliability.BreakerFailures)
	}
	cfg.BreakerOpenTimeout = parseDuration(fc.Reliability.BreakerOpenTimeout, 30*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	cfg.WarmEnabled = fc.Warm.Enabled
	cfg.WarmLocations = fc.Warm.Locations
	cfg.WarmConcurrency = fc.Warm.Concurrency
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = 4
	}
	cfg.WarmTimeout = parseDuration(fc.Warm.Timeout, 15*time.Second)

	cfg.TracingEnabled = fc.Tracing.Enabled
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
// Zero and negative durations are returned as-is.
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

// validate checks cross-field constraints. RequestTimeout is raised above FetchTimeout
// so a foreground wait can outlive a full fetch.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.SoftMaxAge > cfg.MaxAge {
		return fmt.Errorf("staleness.soft_max_age (%s) must not exceed staleness.max_age (%s)", cfg.SoftMaxAge, cfg.MaxAge)
	}
	if cfg.RequestTimeout <= cfg.FetchTimeout {
		cfg.RequestTimeout = cfg.FetchTimeout + time.Second
	}
	switch cfg.StoreBackend {
	case BackendSQLite, BackendMemory, BackendMemcached:
	default:
		return fmt.Errorf("store.backend must be sqlite, memory or memcached, got %q", cfg.StoreBackend)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("health.degraded_error_pct must be <= 100, got %d", cfg.DegradedErrorPct)
	}
	return nil
}
