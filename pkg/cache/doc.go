// Package cache stores slowly changing Tumblr responses in Redis.
//
// Only metadata endpoints (blog info) go through the cache. Post pages are
// never cached: the dumper reads the blog's total post count from every page
// to detect deletions, so a stale page would hide a shrink and skip posts.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{Endpoint: "/v2/blog/staff/info"}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API, then
//		_ = manager.Set(ctx, key, cache.NewEntry(body, 10*time.Minute))
//	}
//
// # Metrics
//
//   - tumblr_cache_hits_total - Cache hits
//   - tumblr_cache_misses_total - Cache misses
//   - tumblr_cache_size_bytes - Bytes written to the cache
//   - tumblr_cache_errors_total{operation} - Cache operation errors
package cache
