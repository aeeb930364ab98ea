// Package config defines the dumper's configuration and how it is loaded.
//
// Values are layered, low to high precedence: Default(), an optional YAML
// file named by TUMBLR_DUMP_CONFIG, TUMBLR_DUMP_* environment variables.
// The CLI applies its flags on top.
package config

import (
	"fmt"
	"time"

	"github.com/Sternrassler/tumblr-dumper/pkg/client"
	"github.com/Sternrassler/tumblr-dumper/pkg/logging"
	"github.com/Sternrassler/tumblr-dumper/pkg/output"
	"github.com/Sternrassler/tumblr-dumper/pkg/retry"
	"github.com/Sternrassler/tumblr-dumper/pkg/tumblr"
	"github.com/redis/go-redis/v9"
)

// Output formats.
const (
	FormatJSONLines = output.FormatJSONLines
	FormatMsgpack   = output.FormatMsgpack
)

// Config contains process configuration.
type Config struct {
	// APIKey is the Tumblr consumer key.
	APIKey string `koanf:"api_key"`

	// BaseURL is the API origin.
	BaseURL string `koanf:"base_url"`

	// UserAgent is sent with every request.
	UserAgent string `koanf:"user_agent"`

	// Proxy is an optional HTTP proxy URL.
	Proxy string `koanf:"proxy"`

	// Timeout bounds one request.
	Timeout time.Duration `koanf:"timeout"`

	// RedisURL enables the blog-info cache and shared quota state,
	// e.g. redis://localhost:6379/0. Empty disables both.
	RedisURL string `koanf:"redis_url"`

	// InfoCacheTTL is how long blog-info responses are cached.
	InfoCacheTTL time.Duration `koanf:"info_cache_ttl"`

	// LogLevel controls verbosity: trace, debug, info, warn, error, disabled.
	LogLevel string `koanf:"log_level"`

	// LogPretty switches to human-readable console logs.
	LogPretty bool `koanf:"log_pretty"`

	// MaxCorrections caps consecutive offset corrections per page.
	MaxCorrections int `koanf:"max_corrections"`

	// RetryMaxAttempts is the attempts per failure streak including the
	// first; 0 or 1 disables retries.
	RetryMaxAttempts int `koanf:"retry_max_attempts"`

	// RetryInitialBackoff and RetryMaxBackoff bound the backoff delays.
	RetryInitialBackoff time.Duration `koanf:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `koanf:"retry_max_backoff"`

	// Concurrency is how many blogs one drain runs at once.
	Concurrency int `koanf:"concurrency"`

	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `koanf:"metrics_addr"`

	// Output is the dump file; empty or "-" writes to stdout.
	Output string `koanf:"output"`

	// Format is the dump encoding: jsonl or msgpack.
	Format string `koanf:"format"`
}

// Default returns a Config with defaults applied.
func Default() *Config {
	backoff := retry.DefaultBackoffConfig()
	return &Config{
		BaseURL:             tumblr.DefaultBaseURL,
		UserAgent:           "tumblr-dump/1.0",
		Timeout:             30 * time.Second,
		InfoCacheTTL:        10 * time.Minute,
		LogLevel:            string(logging.LevelInfo),
		MaxCorrections:      64,
		RetryMaxAttempts:    backoff.MaxAttempts,
		RetryInitialBackoff: backoff.InitialBackoff,
		RetryMaxBackoff:     backoff.MaxBackoff,
		Concurrency:         4,
		Format:              FormatJSONLines,
	}
}

// Validate checks values that cannot be caught later by the components.
func (c *Config) Validate() error {
	if err := logging.LogLevel(c.LogLevel).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Format {
	case FormatJSONLines, FormatMsgpack:
	default:
		return fmt.Errorf("%w: format must be %s or %s (got %q)", ErrInvalidConfig, FormatJSONLines, FormatMsgpack, c.Format)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrInvalidConfig)
	}
	if c.MaxCorrections < 0 {
		return fmt.Errorf("%w: max_corrections must be >= 0", ErrInvalidConfig)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("%w: retry_max_attempts must be >= 0", ErrInvalidConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", ErrInvalidConfig)
	}
	if c.RetryMaxBackoff > 0 && c.RetryInitialBackoff > c.RetryMaxBackoff {
		return fmt.Errorf("%w: retry_initial_backoff exceeds retry_max_backoff", ErrInvalidConfig)
	}
	if c.RedisURL != "" {
		if _, err := redis.ParseURL(c.RedisURL); err != nil {
			return fmt.Errorf("%w: redis_url: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	return cfg
}

// RedisOptions parses RedisURL. It returns nil when Redis is not configured.
func (c *Config) RedisOptions() (*redis.Options, error) {
	if c.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opts, nil
}

// Client returns the transport configuration. redisClient may be nil.
func (c *Config) Client(redisClient *redis.Client) client.Config {
	return client.Config{
		APIKey:       c.APIKey,
		UserAgent:    c.UserAgent,
		BaseURL:      c.BaseURL,
		Proxy:        c.Proxy,
		Timeout:      c.Timeout,
		Redis:        redisClient,
		InfoCacheTTL: c.InfoCacheTTL,
	}
}

// Backoff returns the retry backoff configuration.
func (c *Config) Backoff() retry.BackoffConfig {
	cfg := retry.DefaultBackoffConfig()
	cfg.MaxAttempts = c.RetryMaxAttempts
	cfg.InitialBackoff = c.RetryInitialBackoff
	cfg.MaxBackoff = c.RetryMaxBackoff
	return cfg
}
