// Package retry provides error handler policies for the dumper.
//
// A Policy is consulted after a failed page fetch. Returning true makes the
// dumper repeat the fetch; returning false passes the error to the caller.
// Policies may block (backoff, quota waits) and must return false once ctx
// is done.
package retry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	tumblrRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tumblr_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	tumblrRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tumblr_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 3600},
	}, []string{"error_class"})

	tumblrRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tumblr_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Policy decides whether a failed fetch should be repeated.
type Policy func(ctx context.Context, err error) bool

// Never is the policy that passes every error through.
func Never() Policy {
	return func(context.Context, error) bool { return false }
}

// Limit allows the first n failures to be retried and refuses all later
// ones. It never retries once ctx is done.
func Limit(n int) Policy {
	var calls atomic.Int64
	return func(ctx context.Context, err error) bool {
		if ctx.Err() != nil {
			return false
		}
		return calls.Add(1) <= int64(n)
	}
}

// sleep waits for d or until ctx is done. Returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
