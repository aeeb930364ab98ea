package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Blog-info cache metrics.
var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tumblr_cache_hits_total",
		Help: "Blog-info requests served from Redis",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tumblr_cache_misses_total",
		Help: "Blog-info requests that had to go to Tumblr",
	})

	CacheSize = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tumblr_cache_size_bytes",
		Help: "Encoded bytes written to the blog-info cache",
	})

	// operation: get, set, delete, encode, decode
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tumblr_cache_errors_total",
		Help: "Blog-info cache operations that failed",
	}, []string{"operation"})
)
