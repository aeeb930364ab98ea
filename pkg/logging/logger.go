// Package logging configures zerolog for the dumper.
//
// Setup installs the process-wide logger once at startup; packages then
// derive component loggers with NewLogger or accept a zerolog.Logger in
// their Config.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel names a zerolog level.
type LogLevel string

// Levels accepted in configuration. "warning" is accepted as an alias of
// warn, and the empty level means info.
const (
	LevelTrace    LogLevel = "trace"
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelDisabled LogLevel = "disabled"
)

// Config holds logger configuration.
type Config struct {
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig logs JSON at info to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

// Validate reports whether l names a known level.
func (l LogLevel) Validate() error {
	_, err := l.zerologLevel()
	return err
}

func (l LogLevel) zerologLevel() (zerolog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(string(l)))
	switch name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", string(l))
	}
	return level, nil
}

// Setup sets the global level and logger and returns the logger. An
// unknown level falls back to info; run Validate first to reject it.
func Setup(cfg Config) zerolog.Logger {
	level, _ := cfg.Level.zerologLevel()
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return log.Logger
}

// NewLogger derives a logger tagged with component from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Trace: unused by the library; available for local debugging.
//
// Debug: page requests (offset), cache hits and stores, quota header updates,
// dropped duplicates, retry backoff, per-post progress.
//
// Info: offset corrections, blog exhaustion, quota waits, drain progress.
//
// Warn: failed page fetches, exhausted quota windows, exhausted retries,
// cache and Redis errors (the request goes on without them).
//
// Error: fatal CLI errors.
//
// Context Fields:
//   - component: tumblr-client, fetcher, dumper, retry, batch, ratelimit, cli
//   - blog: blog identifier
//   - drain_id: one id per Dumper
//   - endpoint: API path without the key
//   - offset, corrected_offset, prior_total, new_total, delta
//   - error_class: client, server, rate_limit, network
//   - window: hour or day quota window
