// Package metrics exposes the dumper's Prometheus metrics over HTTP.
// All metrics are defined in their respective packages (client, retry,
// ratelimit, cache, fetcher, dumper) and registered via promauto, so this
// package only serves them and documents them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by every package.
var Registry = prometheus.DefaultRegisterer

// Handler returns a mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Serve runs the metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - tumblr_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - tumblr_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - tumblr_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/retry):
//   - tumblr_retries_total{error_class} (Counter): Retries granted by error class
//   - tumblr_retry_backoff_seconds{error_class} (Histogram): Time slept before a retry
//   - tumblr_retry_exhausted_total{error_class} (Counter): Failure streaks that ran out of attempts
//
// Quota Metrics (pkg/ratelimit):
//   - tumblr_quota_remaining{window} (Gauge): Calls left in the hour or day window
//   - tumblr_quota_exhausted_total{window} (Counter): Responses that reported an empty window
//
// Cache Metrics (pkg/cache):
//   - tumblr_cache_hits_total (Counter): Blog-info cache hits
//   - tumblr_cache_misses_total (Counter): Blog-info cache misses
//   - tumblr_cache_size_bytes (Counter): Encoded bytes written to the cache
//   - tumblr_cache_errors_total{operation} (Counter): Failed get, set, delete, encode or decode calls
//
// Pagination Metrics (pkg/fetcher):
//   - tumblr_pages_fetched_total (Counter): Pages accepted by the fetcher
//   - tumblr_offset_corrections_total (Counter): Pages discarded because the blog shrank
//
// Drain Metrics (pkg/dumper):
//   - tumblr_posts_drained_total (Counter): Posts handed to the caller
//   - tumblr_duplicates_dropped_total (Counter): Posts dropped as already delivered
//
// Example Prometheus Queries:
//
//	# Drain throughput
//	rate(tumblr_posts_drained_total[5m])
//
//	# Share of refetched posts caused by corrections
//	rate(tumblr_duplicates_dropped_total[5m]) / rate(tumblr_posts_drained_total[5m])
//
//	# Hourly quota running low
//	tumblr_quota_remaining{window="hour"} < 50
//
//	# P95 page latency
//	histogram_quantile(0.95, rate(tumblr_request_duration_seconds_bucket{endpoint="posts"}[5m]))
