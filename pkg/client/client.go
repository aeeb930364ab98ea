// Package client provides the Tumblr v2 HTTP transport with quota tracking,
// blog-info caching and error classification.
//
// The client performs exactly one request per call. It never retries and
// never waits on the quota; both are decisions of the caller's retry policy.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/tumblr-dumper/pkg/cache"
	"github.com/Sternrassler/tumblr-dumper/pkg/ratelimit"
	"github.com/Sternrassler/tumblr-dumper/pkg/tumblr"
	"github.com/Sternrassler/tumblr-dumper/pkg/view"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Tumblr client operations.
var (
	tumblrRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tumblr_requests_total",
		Help: "Total Tumblr requests by endpoint and status",
	}, []string{"endpoint", "status"})

	tumblrRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tumblr_request_duration_seconds",
		Help:    "Tumblr request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	tumblrErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tumblr_errors_total",
		Help: "Total Tumblr errors by class",
	}, []string{"class"})
)

// Client is the Tumblr API client.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// APIKey is the application's consumer key (REQUIRED)
	APIKey string

	// UserAgent header (REQUIRED)
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// BaseURL is the API origin, tumblr.DefaultBaseURL if empty
	BaseURL string

	// Proxy is an optional HTTP proxy URL
	Proxy string

	// Timeout bounds a single request including the body read
	Timeout time.Duration

	// Redis enables the blog-info cache and shared quota tracking (optional)
	Redis *redis.Client

	// InfoCacheTTL is how long blog-info responses are cached
	InfoCacheTTL time.Duration
}

// DefaultConfig returns a safe default configuration without Redis.
func DefaultConfig(apiKey, userAgent string) Config {
	return Config{
		APIKey:       apiKey,
		UserAgent:    userAgent,
		BaseURL:      tumblr.DefaultBaseURL,
		Timeout:      30 * time.Second,
		InfoCacheTTL: 10 * time.Minute,
	}
}

// New creates a new Tumblr client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = tumblr.DefaultBaseURL
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	logger := log.With().Str("component", "tumblr-client").Logger()

	c := &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL: baseURL,
		config:  cfg,
		logger:  logger,
	}

	if cfg.Redis != nil {
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
		c.cache = cache.NewManager(cfg.Redis)
	}

	return c, nil
}

// Get performs one GET request against an API endpoint such as
// tumblr.PostsPath(blog, offset) and returns the decoded JSON body.
func (c *Client) Get(ctx context.Context, endpoint string) (view.Value, error) {
	_, body, err := c.do(ctx, endpoint)
	return body, err
}

// GetCached is like Get but serves the response from the Redis cache while
// it is younger than ttl. Without Redis, or with ttl <= 0, it is Get.
// Only successful responses are cached.
func (c *Client) GetCached(ctx context.Context, endpoint string, ttl time.Duration) (view.Value, error) {
	if c.cache == nil || ttl <= 0 {
		return c.Get(ctx, endpoint)
	}

	ref, err := url.Parse(endpoint)
	if err != nil {
		return view.Value{}, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	key := cache.KeyFromURL(ref)

	entry, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		body, decodeErr := view.Decode(entry.Data)
		if decodeErr == nil {
			c.logger.Debug().
				Str("endpoint", ref.Path).
				Dur("age", entry.Age()).
				Msg("Serving cached response")
			return body, nil
		}
		c.logger.Warn().Err(decodeErr).Str("endpoint", ref.Path).Msg("Dropping undecodable cache entry")
		_ = c.cache.Delete(ctx, key)
	case !errors.Is(err, cache.ErrCacheMiss):
		c.logger.Warn().Err(err).Str("endpoint", ref.Path).Msg("Cache get error")
	}

	raw, body, err := c.do(ctx, endpoint)
	if err != nil {
		return view.Value{}, err
	}

	if err := c.cache.Set(ctx, key, cache.NewEntry(raw, ttl)); err != nil {
		c.logger.Warn().Err(err).Str("endpoint", ref.Path).Msg("Failed to cache response")
	} else {
		c.logger.Debug().Str("endpoint", ref.Path).Dur("ttl", ttl).Msg("Cached response")
	}
	return body, nil
}

// BlogInfo fetches /v2/blog/{blog}/info, cached for Config.InfoCacheTTL.
func (c *Client) BlogInfo(ctx context.Context, blog string) (tumblr.BlogInfo, error) {
	body, err := c.GetCached(ctx, tumblr.InfoPath(blog), c.config.InfoCacheTTL)
	if err != nil {
		return tumblr.BlogInfo{}, err
	}
	info, err := tumblr.DecodeBlogInfo(body)
	if err != nil {
		return tumblr.BlogInfo{}, fmt.Errorf("decode blog info for %s: %w", blog, err)
	}
	return info, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do executes the request and returns the raw body alongside its decoded
// form. It records metrics and quota headers but never retries.
func (c *Client) do(ctx context.Context, endpoint string) ([]byte, view.Value, error) {
	reqURL, err := c.resolve(endpoint)
	if err != nil {
		return nil, view.Value{}, &TransportError{Endpoint: endpoint, Op: "build request", Err: err}
	}
	label := metricLabel(reqURL.Path)

	startTime := time.Now()
	defer func() {
		tumblrRequestDuration.WithLabelValues(label).Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, view.Value{}, &TransportError{Endpoint: endpoint, Op: "build request", Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("endpoint", reqURL.Path).
		Str("query", redactedQuery(reqURL)).
		Msg("Executing Tumblr request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		tumblrErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		tumblrRequestsTotal.WithLabelValues(label, "network_error").Inc()
		c.logger.Error().Err(redactError(err, c.config.APIKey)).Str("endpoint", reqURL.Path).Msg("HTTP request failed")
		return nil, view.Value{}, &TransportError{Endpoint: endpoint, Op: "request", Err: redactError(err, c.config.APIKey)}
	}
	defer resp.Body.Close()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update quota state from headers")
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		tumblrErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		tumblrRequestsTotal.WithLabelValues(label, "network_error").Inc()
		return nil, view.Value{}, &TransportError{Endpoint: endpoint, Op: "read body", Err: err}
	}

	body, decodeErr := view.Decode(raw)
	httpFailed := resp.StatusCode < 200 || resp.StatusCode >= 300

	var failure error
	switch {
	case decodeErr == nil:
		meta, metaErr := tumblr.DecodeMeta(body)
		if metaErr == nil && !meta.OK() {
			failure = newRemoteStatusError(endpoint, meta.Status, meta.Message)
		} else if metaErr != nil && httpFailed {
			failure = newRemoteStatusError(endpoint, resp.StatusCode, http.StatusText(resp.StatusCode))
		}
	case httpFailed:
		failure = newRemoteStatusError(endpoint, resp.StatusCode, http.StatusText(resp.StatusCode))
	default:
		failure = &TransportError{Endpoint: endpoint, Op: "decode", Err: decodeErr}
	}

	status := strconv.Itoa(resp.StatusCode)
	if failure != nil {
		class := Classify(failure)
		tumblrErrorsTotal.WithLabelValues(string(class)).Inc()
		tumblrRequestsTotal.WithLabelValues(label, status).Inc()

		c.logger.Warn().
			Str("endpoint", reqURL.Path).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Err(failure).
			Msg("Tumblr request error")
		return nil, view.Value{}, failure
	}

	tumblrRequestsTotal.WithLabelValues(label, status).Inc()
	return raw, body, nil
}

// resolve joins endpoint onto the base URL and adds the API key.
func (c *Client) resolve(endpoint string) (*url.URL, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return nil, fmt.Errorf("endpoint must be relative to the base url")
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawPath = ""

	q := ref.Query()
	q.Set("api_key", c.config.APIKey)
	u.RawQuery = q.Encode()
	return &u, nil
}

// metricLabel keeps the endpoint label bounded: "/v2/blog/x/posts" -> "posts".
func metricLabel(p string) string {
	return path.Base(p)
}

func redactedQuery(u *url.URL) string {
	q := u.Query()
	q.Del("api_key")
	return q.Encode()
}

// redactError strips the key from url.Error, whose message carries the full request URL.
func redactError(err error, key string) error {
	urlErr, ok := err.(*url.Error)
	if key == "" || !ok {
		return err
	}
	redacted := *urlErr
	redacted.URL = strings.ReplaceAll(urlErr.URL, key, "REDACTED")
	return &redacted
}
