// Package config loads engine configuration from defaults, an optional YAML
// file and THEMIS_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of an engine instance. Zero files and zero
// environment variables yield a fully usable configuration.
type Config struct {
	Engine struct {
		// MaxConcurrency is the number of rule units that may run at once.
		MaxConcurrency int `mapstructure:"max_concurrency"`
		// QueueSize bounds how many units may wait for a worker.
		QueueSize int `mapstructure:"queue_size"`
		// BatchTimeout bounds the wall time of one Evaluate call.
		BatchTimeout time.Duration `mapstructure:"batch_timeout"`
		// ActionTimeout bounds each action attempt.
		ActionTimeout time.Duration `mapstructure:"action_timeout"`
		// RetryDelay is the pause between action retry attempts.
		RetryDelay time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"engine"`

	Cache struct {
		Enabled         bool          `mapstructure:"enabled"`
		Capacity        int           `mapstructure:"capacity"`
		DefaultTTL      time.Duration `mapstructure:"default_ttl"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
		// StableTags and VolatileTags drive the adaptive TTL policy: rules
		// tagged stable cache longer, rules tagged volatile cache shorter.
		// Both empty selects the fixed default_ttl policy.
		StableTags   []string      `mapstructure:"stable_tags"`
		VolatileTags []string      `mapstructure:"volatile_tags"`
		StableTTL    time.Duration `mapstructure:"stable_ttl"`
		VolatileTTL  time.Duration `mapstructure:"volatile_ttl"`
	} `mapstructure:"cache"`

	Metrics struct {
		// WindowSize is the per-rule rolling sample window.
		WindowSize int `mapstructure:"window_size"`
		// SlowThreshold flags any single execution that takes longer.
		SlowThreshold time.Duration `mapstructure:"slow_threshold"`
		// ErrorRateThreshold flags a rule whose failure rate exceeds it once
		// the rule has MinSamples executions.
		ErrorRateThreshold  float64 `mapstructure:"error_rate_threshold"`
		MinSamples          int64   `mapstructure:"min_samples"`
		ConsecutiveFailures int64   `mapstructure:"consecutive_failures"`
		AlertBufferSize     int     `mapstructure:"alert_buffer_size"`
	} `mapstructure:"metrics"`

	Audit struct {
		// HistorySize bounds the audit trail ring.
		HistorySize int `mapstructure:"history_size"`
	} `mapstructure:"audit"`

	Actions struct {
		// HTTPTimeout bounds each outbound HTTP request made by builtins.
		HTTPTimeout time.Duration `mapstructure:"http_timeout"`
		// RateLimit is the shared outbound requests-per-second budget;
		// zero or negative disables limiting.
		RateLimit float64 `mapstructure:"rate_limit"`
		RateBurst int     `mapstructure:"rate_burst"`
		// SMTPHost empty means the email builtin is unconfigured.
		SMTPHost string `mapstructure:"smtp_host"`
		SMTPPort int    `mapstructure:"smtp_port"`
		SMTPFrom string `mapstructure:"smtp_from"`
		// NotifyURL receives notify_user payloads; empty falls back to logs.
		NotifyURL string `mapstructure:"notify_url"`
		// CircuitThreshold and CircuitCooldown configure the per-host
		// breaker guarding outbound endpoints.
		CircuitThreshold int           `mapstructure:"circuit_threshold"`
		CircuitCooldown  time.Duration `mapstructure:"circuit_cooldown"`
	} `mapstructure:"actions"`

	Logging struct {
		// Level is one of debug, info, warn, error.
		Level string `mapstructure:"level"`
		// Format is console or json.
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// Default returns the stock configuration.
func Default() *Config {
	var c Config

	c.Engine.MaxConcurrency = runtime.NumCPU()
	c.Engine.QueueSize = 256
	c.Engine.BatchTimeout = 30 * time.Second
	c.Engine.ActionTimeout = 10 * time.Second
	c.Engine.RetryDelay = 100 * time.Millisecond

	c.Cache.Enabled = true
	c.Cache.Capacity = 1000
	c.Cache.DefaultTTL = 5 * time.Minute
	c.Cache.CleanupInterval = time.Minute
	c.Cache.StableTTL = 30 * time.Minute
	c.Cache.VolatileTTL = 30 * time.Second

	c.Metrics.WindowSize = 128
	c.Metrics.SlowThreshold = time.Second
	c.Metrics.ErrorRateThreshold = 0.5
	c.Metrics.MinSamples = 10
	c.Metrics.ConsecutiveFailures = 3
	c.Metrics.AlertBufferSize = 256

	c.Audit.HistorySize = 256

	c.Actions.HTTPTimeout = 10 * time.Second
	c.Actions.RateLimit = 10
	c.Actions.RateBurst = 20
	c.Actions.SMTPPort = 25
	c.Actions.CircuitThreshold = 5
	c.Actions.CircuitCooldown = 30 * time.Second

	c.Logging.Level = "info"
	c.Logging.Format = "console"

	return &c
}

// setDefaults seeds viper with the values from Default so that defaults,
// file values and environment overrides all flow through one unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("engine.max_concurrency", d.Engine.MaxConcurrency)
	v.SetDefault("engine.queue_size", d.Engine.QueueSize)
	v.SetDefault("engine.batch_timeout", d.Engine.BatchTimeout)
	v.SetDefault("engine.action_timeout", d.Engine.ActionTimeout)
	v.SetDefault("engine.retry_delay", d.Engine.RetryDelay)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.capacity", d.Cache.Capacity)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)
	v.SetDefault("cache.stable_tags", d.Cache.StableTags)
	v.SetDefault("cache.volatile_tags", d.Cache.VolatileTags)
	v.SetDefault("cache.stable_ttl", d.Cache.StableTTL)
	v.SetDefault("cache.volatile_ttl", d.Cache.VolatileTTL)

	v.SetDefault("metrics.window_size", d.Metrics.WindowSize)
	v.SetDefault("metrics.slow_threshold", d.Metrics.SlowThreshold)
	v.SetDefault("metrics.error_rate_threshold", d.Metrics.ErrorRateThreshold)
	v.SetDefault("metrics.min_samples", d.Metrics.MinSamples)
	v.SetDefault("metrics.consecutive_failures", d.Metrics.ConsecutiveFailures)
	v.SetDefault("metrics.alert_buffer_size", d.Metrics.AlertBufferSize)

	v.SetDefault("audit.history_size", d.Audit.HistorySize)

	v.SetDefault("actions.http_timeout", d.Actions.HTTPTimeout)
	v.SetDefault("actions.rate_limit", d.Actions.RateLimit)
	v.SetDefault("actions.rate_burst", d.Actions.RateBurst)
	v.SetDefault("actions.smtp_host", d.Actions.SMTPHost)
	v.SetDefault("actions.smtp_port", d.Actions.SMTPPort)
	v.SetDefault("actions.smtp_from", d.Actions.SMTPFrom)
	v.SetDefault("actions.notify_url", d.Actions.NotifyURL)
	v.SetDefault("actions.circuit_threshold", d.Actions.CircuitThreshold)
	v.SetDefault("actions.circuit_cooldown", d.Actions.CircuitCooldown)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load builds a configuration from defaults, the YAML file at path (or the
// first themis.yaml found in ./ and ./config when path is empty; a missing
// file is fine) and THEMIS_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("THEMIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("themis")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks that every setting is in range.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("engine.max_concurrency must be at least 1, got %d", c.Engine.MaxConcurrency)
	}
	if c.Engine.QueueSize < 1 {
		return fmt.Errorf("engine.queue_size must be at least 1, got %d", c.Engine.QueueSize)
	}
	if c.Engine.BatchTimeout <= 0 {
		return fmt.Errorf("engine.batch_timeout must be positive, got %s", c.Engine.BatchTimeout)
	}
	if c.Engine.ActionTimeout <= 0 {
		return fmt.Errorf("engine.action_timeout must be positive, got %s", c.Engine.ActionTimeout)
	}
	if c.Engine.RetryDelay < 0 {
		return fmt.Errorf("engine.retry_delay cannot be negative, got %s", c.Engine.RetryDelay)
	}

	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be at least 1, got %d", c.Cache.Capacity)
	}
	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("cache.cleanup_interval must be positive, got %s", c.Cache.CleanupInterval)
	}

	if c.Metrics.WindowSize < 1 {
		return fmt.Errorf("metrics.window_size must be at least 1, got %d", c.Metrics.WindowSize)
	}
	if c.Metrics.ErrorRateThreshold < 0 || c.Metrics.ErrorRateThreshold > 1 {
		return fmt.Errorf("metrics.error_rate_threshold must be between 0 and 1, got %g", c.Metrics.ErrorRateThreshold)
	}
	if c.Metrics.AlertBufferSize < 1 {
		return fmt.Errorf("metrics.alert_buffer_size must be at least 1, got %d", c.Metrics.AlertBufferSize)
	}

	if c.Audit.HistorySize < 1 {
		return fmt.Errorf("audit.history_size must be at least 1, got %d", c.Audit.HistorySize)
	}

	if c.Actions.HTTPTimeout <= 0 {
		return fmt.Errorf("actions.http_timeout must be positive, got %s", c.Actions.HTTPTimeout)
	}
	if c.Actions.SMTPPort < 1 || c.Actions.SMTPPort > 65535 {
		return fmt.Errorf("invalid actions.smtp_port: %d (must be 1-65535)", c.Actions.SMTPPort)
	}
	if c.Actions.CircuitThreshold < 1 {
		return fmt.Errorf("actions.circuit_threshold must be at least 1, got %d", c.Actions.CircuitThreshold)
	}
	if c.Actions.CircuitCooldown <= 0 {
		return fmt.Errorf("actions.circuit_cooldown must be positive, got %s", c.Actions.CircuitCooldown)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q (must be debug, info, warn or error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging.format %q (must be console or json)", c.Logging.Format)
	}
	return nil
}
