package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/Sternrassler/tumblr-dumper/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BackoffConfig holds the configuration for backoff retries.
//
// A failure streak covers the repeated attempts of one request. A failure
// on a different endpoint means the previous request went through, so it
// starts a new streak.
type BackoffConfig struct {
	// MaxAttempts is the maximum number of attempts per failure streak
	// (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// ResetAfter starts a new failure streak when no failure was seen for
	// this long. It matters for errors without an endpoint; zero disables it.
	ResetAfter time.Duration
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		ResetAfter:        2 * time.Minute,
	}
}

type backoff struct {
	cfg    BackoffConfig
	logger zerolog.Logger
	wait   func(ctx context.Context, d time.Duration) bool
	jitter func() float64

	mu       sync.Mutex
	endpoint string
	attempt  int
	delay    time.Duration
	lastFail time.Time
}

// Backoff retries retryable failures (network, server, rate_limit) with
// exponential backoff and ±20% jitter. Client errors are never retried.
// After MaxAttempts-1 retries of the same request the error is passed on
// and the streak starts over.
func Backoff(cfg BackoffConfig) Policy {
	return newBackoff(cfg).retry
}

func newBackoff(cfg BackoffConfig) *backoff {
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	return &backoff{
		cfg:    cfg,
		logger: log.With().Str("component", "retry").Logger(),
		wait:   sleep,
		jitter: func() float64 { return 0.8 + rand.Float64()*0.4 },
		delay:  cfg.InitialBackoff,
	}
}

func (b *backoff) retry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	class := client.Classify(err)
	if !client.Retryable(class) {
		return false
	}

	b.mu.Lock()
	now := time.Now()
	if endpoint := client.FailedEndpoint(err); endpoint != b.endpoint {
		b.resetLocked()
		b.endpoint = endpoint
	}
	if b.cfg.ResetAfter > 0 && !b.lastFail.IsZero() && now.Sub(b.lastFail) > b.cfg.ResetAfter {
		b.resetLocked()
	}
	b.lastFail = now
	b.attempt++

	if b.attempt >= b.cfg.MaxAttempts {
		attempts, endpoint := b.attempt, b.endpoint
		b.resetLocked()
		b.mu.Unlock()

		tumblrRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
		b.logger.Warn().
			Str("error_class", string(class)).
			Str("endpoint", endpoint).
			Int("max_attempts", attempts).
			Err(err).
			Msg("Retry attempts exhausted")
		return false
	}

	// Add jitter (±20% randomness)
	jittered := time.Duration(float64(b.delay) * b.jitter())
	attempt := b.attempt

	next := time.Duration(float64(b.delay) * b.cfg.BackoffMultiplier)
	if b.cfg.MaxBackoff > 0 && next > b.cfg.MaxBackoff {
		next = b.cfg.MaxBackoff
	}
	b.delay = next
	b.mu.Unlock()

	tumblrRetriesTotal.WithLabelValues(string(class)).Inc()
	tumblrRetryBackoffSeconds.WithLabelValues(string(class)).Observe(jittered.Seconds())

	b.logger.Debug().
		Str("error_class", string(class)).
		Int("attempt", attempt).
		Dur("backoff", jittered).
		Msg("Retrying request after backoff")

	if !b.wait(ctx, jittered) {
		b.logger.Warn().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Msg("Context cancelled during retry backoff")
		return false
	}
	return true
}

func (b *backoff) resetLocked() {
	b.attempt = 0
	b.delay = b.cfg.InitialBackoff
}
