// Package config loads the settings of a cache-guardian client from a file
// and GUARDIAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/grpc-guardian/cache-guardian/pkg/logging"
	"github.com/grpc-guardian/cache-guardian/pkg/storage"
)

// Storage backends
const (
	BackendOS     = "os"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the root of the configuration file
type Config struct {
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// UpstreamConfig describes the remote endpoint
type UpstreamConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CacheConfig describes the durable store
type CacheConfig struct {
	Dir     string `mapstructure:"dir"`
	Backend string `mapstructure:"backend"`
	MaxSize int64  `mapstructure:"max_size"`

	// DefaultMaxStale applies to policies without their own staleness.
	// Zero keeps entries fresh forever.
	DefaultMaxStale time.Duration `mapstructure:"default_max_stale"`
}

// LogConfig mirrors logging.Config
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// TracingConfig selects the Jaeger exporter
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	Endpoint     string  `mapstructure:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// MetricsConfig controls the Prometheus collector
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
	Listen    string `mapstructure:"listen"`
}

// RateLimitConfig is a token bucket. A zero rate disables limiting.
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// RetryConfig configures exponential backoff
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// AuthConfig enables HS256 bearer tokens when Secret is set
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Subject  string        `mapstructure:"subject"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// Load reads path (any format viper understands) and applies defaults and
// environment overrides such as GUARDIAN_CACHE_DIR. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Cache.Backend != BackendMemory {
		dir, err := filepath.Abs(cfg.Cache.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cache dir: %w", err)
		}
		cfg.Cache.Dir = dir
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.url", "http://localhost:8080/graphql")
	v.SetDefault("upstream.timeout", "10s")

	v.SetDefault("cache.dir", "./cache")
	v.SetDefault("cache.backend", BackendOS)
	v.SetDefault("cache.max_size", 10*1024*1024)
	v.SetDefault("cache.default_max_stale", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 0)
	v.SetDefault("log.compress", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "cache-guardian")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.sampling_rate", 1.0)

	v.SetDefault("metrics.namespace", "guardian")
	v.SetDefault("metrics.listen", "")

	v.SetDefault("rate_limit.rate", 0)
	v.SetDefault("rate_limit.burst", 1)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "100ms")
	v.SetDefault("retry.max_backoff", "10s")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.subject", "cache-guardian")
	v.SetDefault("auth.token_ttl", "15m")
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Upstream.URL); err != nil {
		return fieldError("upstream.url", err.Error())
	}
	if c.Upstream.Timeout < 0 {
		return fieldError("upstream.timeout", "must not be negative")
	}

	switch c.Cache.Backend {
	case BackendOS, BackendSQLite:
		if strings.TrimSpace(c.Cache.Dir) == "" {
			return fieldError("cache.dir", "required for the "+c.Cache.Backend+" backend")
		}
	case BackendMemory:
	default:
		return fieldError("cache.backend", fmt.Sprintf("unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.MaxSize <= 0 {
		return fieldError("cache.max_size", "must be positive")
	}
	if c.Cache.DefaultMaxStale < 0 {
		return fieldError("cache.default_max_stale", "must not be negative")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fieldError("tracing.sampling_rate", "must be between 0 and 1")
	}
	if c.RateLimit.Rate < 0 {
		return fieldError("rate_limit.rate", "must not be negative")
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst < 1 {
		return fieldError("rate_limit.burst", "must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fieldError("retry.max_attempts", "must be at least 1")
	}

	return nil
}

// Logging returns the logger settings
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:       c.Log.Level,
		Development: c.Log.Development,
		File:        c.Log.File,
		MaxSizeMB:   c.Log.MaxSizeMB,
		MaxBackups:  c.Log.MaxBackups,
		MaxAgeDays:  c.Log.MaxAgeDays,
		Compress:    c.Log.Compress,
	}
}

// OpenFileSystem opens the configured storage backend. The returned close
// function releases backend resources.
func (c CacheConfig) OpenFileSystem() (storage.FileSystem, func() error, error) {
	noop := func() error { return nil }

	switch c.Backend {
	case BackendMemory:
		return storage.NewMemory(), noop, nil
	case BackendSQLite:
		db, err := storage.OpenSQLite(filepath.Join(c.Dir, "cache.db"))
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return storage.NewOS(), noop, nil
	}
}

// FieldError reports an invalid setting
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func fieldError(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}

// IsFieldError reports whether err is a FieldError for field
func IsFieldError(err error, field string) bool {
	var fe *FieldError
	return errors.As(err, &fe) && fe.Field == field
}

// durationDecodeHook accepts Go duration strings and plain seconds
func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				return time.Duration(0), nil
			}
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(seconds * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", v)
		}
	}
}
