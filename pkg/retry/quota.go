package retry

import (
	"context"
	"time"

	"github.com/Sternrassler/tumblr-dumper/pkg/client"
	"github.com/rs/zerolog/log"
)

// QuotaSource reports how long until an exhausted quota refills.
// *ratelimit.Tracker implements it.
type QuotaSource interface {
	WaitDuration(ctx context.Context) (time.Duration, error)
}

// RateLimitAware waits out an exhausted quota on rate limit failures and
// then retries. Every other failure, and rate limit failures while the
// recorded quota is not exhausted, go to next.
func RateLimitAware(quota QuotaSource, next Policy) Policy {
	logger := log.With().Str("component", "retry").Logger()
	if next == nil {
		next = Never()
	}

	return func(ctx context.Context, err error) bool {
		if quota == nil || client.Classify(err) != client.ErrorClassRateLimit {
			return next(ctx, err)
		}

		wait, qerr := quota.WaitDuration(ctx)
		if qerr != nil {
			logger.Warn().Err(qerr).Msg("Quota state unavailable")
			return next(ctx, err)
		}
		if wait <= 0 {
			return next(ctx, err)
		}

		logger.Info().
			Dur("wait", wait).
			Time("resume_at", time.Now().Add(wait)).
			Msg("Quota exhausted, waiting for reset")

		tumblrRetriesTotal.WithLabelValues(string(client.ErrorClassRateLimit)).Inc()
		tumblrRetryBackoffSeconds.WithLabelValues(string(client.ErrorClassRateLimit)).Observe(wait.Seconds())

		return sleep(ctx, wait)
	}
}
