package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tumblr_quota_remaining",
		Help: "Requests remaining in the current Tumblr quota window",
	}, []string{"window"})

	quotaExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tumblr_quota_exhausted_total",
		Help: "Total number of responses reporting an exhausted quota window",
	}, []string{"window"})
)

// Tracker records Tumblr quota headers in Redis.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new quota tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

func redisKey(w Window, field string) string {
	return fmt.Sprintf("%s:%s:%s", RedisKeyPrefix, w, field)
}

// GetState retrieves the current quota state from Redis.
// Windows never reported come back with Known == false.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	state := &State{Quotas: make(map[Window]Quota, len(Windows))}

	for _, w := range Windows {
		remaining, err := t.redis.Get(ctx, redisKey(w, "remaining")).Int()
		if err == redis.Nil {
			state.Quotas[w] = Quota{}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s remaining: %w", w, err)
		}

		limit, err := t.redis.Get(ctx, redisKey(w, "limit")).Int()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("get %s limit: %w", w, err)
		}

		resetUnix, err := t.redis.Get(ctx, redisKey(w, "reset_at")).Int64()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("get %s reset: %w", w, err)
		}

		state.Quotas[w] = Quota{
			Limit:     limit,
			Remaining: remaining,
			ResetAt:   time.Unix(resetUnix, 0),
			Known:     true,
		}
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	return state, nil
}

// UpdateFromHeaders parses the X-Ratelimit-Per{hour,day}-* headers and stores
// the reported windows in Redis. Responses without quota headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	now := time.Now()
	updated := make(map[Window]Quota, len(Windows))

	for _, w := range Windows {
		q, ok, err := parseQuota(headers, w, now)
		if err != nil {
			return err
		}
		if ok {
			updated[w] = q
		}
	}

	if len(updated) == 0 {
		return nil
	}

	pipe := t.redis.Pipeline()
	for w, q := range updated {
		// keys expire with the window so a refilled quota is never read back as exhausted
		ttl := q.TimeUntilReset() + time.Second
		pipe.Set(ctx, redisKey(w, "remaining"), q.Remaining, ttl)
		pipe.Set(ctx, redisKey(w, "limit"), q.Limit, ttl)
		pipe.Set(ctx, redisKey(w, "reset_at"), q.ResetAt.Unix(), ttl)
	}

	lastUpdateJSON, err := json.Marshal(now)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}

	for w, q := range updated {
		quotaRemaining.WithLabelValues(string(w)).Set(float64(q.Remaining))

		if q.Remaining <= 0 {
			quotaExhaustedTotal.WithLabelValues(string(w)).Inc()
			t.logger.Warn().
				Str("window", string(w)).
				Time("reset_at", q.ResetAt).
				Msg("Tumblr quota exhausted")
			continue
		}

		t.logger.Debug().
			Str("window", string(w)).
			Int("remaining", q.Remaining).
			Int("limit", q.Limit).
			Time("reset_at", q.ResetAt).
			Msg("Tumblr quota state updated")
	}

	return nil
}

// WaitDuration returns how long a caller has to wait for an exhausted quota.
func (t *Tracker) WaitDuration(ctx context.Context) (time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return 0, fmt.Errorf("get quota state: %w", err)
	}
	return state.WaitDuration(), nil
}

func parseQuota(headers http.Header, w Window, now time.Time) (Quota, bool, error) {
	prefix := headerPrefix[w]

	remainStr := headers.Get(prefix + "-Remaining")
	if remainStr == "" {
		return Quota{}, false, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return Quota{}, false, fmt.Errorf("parse %s-Remaining header: %w", prefix, err)
	}

	resetStr := headers.Get(prefix + "-Reset")
	if resetStr == "" {
		return Quota{}, false, fmt.Errorf("%s-Reset header missing", prefix)
	}
	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return Quota{}, false, fmt.Errorf("parse %s-Reset header: %w", prefix, err)
	}

	q := Quota{
		Remaining: remain,
		ResetAt:   now.Add(time.Duration(resetSeconds) * time.Second),
		Known:     true,
	}
	if limitStr := headers.Get(prefix + "-Limit"); limitStr != "" {
		if q.Limit, err = strconv.Atoi(limitStr); err != nil {
			return Quota{}, false, fmt.Errorf("parse %s-Limit header: %w", prefix, err)
		}
	}
	return q, true, nil
}
