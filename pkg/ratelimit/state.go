// Package ratelimit tracks the Tumblr API quota reported in response headers.
// The state lives in Redis so several dumpers sharing one API key see the
// same numbers. The tracker only records; deciding whether to wait is left to
// the retry policy.
package ratelimit

import (
	"time"
)

// Window is a quota window.
type Window string

const (
	// WindowHour is the hourly request quota.
	WindowHour Window = "hour"

	// WindowDay is the daily request quota.
	WindowDay Window = "day"
)

// Windows lists the tracked windows.
var Windows = []Window{WindowHour, WindowDay}

// Redis key prefix for quota state storage.
const RedisKeyPrefix = "tumblr:ratelimit"

// RedisKeyLastUpdate stores the time of the most recent header update.
const RedisKeyLastUpdate = RedisKeyPrefix + ":last_update"

// headerPrefix maps a window to its header family,
// e.g. X-Ratelimit-Perhour-Remaining.
var headerPrefix = map[Window]string{
	WindowHour: "X-Ratelimit-Perhour",
	WindowDay:  "X-Ratelimit-Perday",
}

// Quota is the state of one window.
type Quota struct {
	// Limit is the window size in requests (0 if unknown).
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window refills.
	ResetAt time.Time `json:"reset_at"`

	// Known is false until a response reported this window.
	Known bool `json:"known"`
}

// Exhausted reports whether the window has no requests left and has not reset yet.
func (q Quota) Exhausted() bool {
	return q.Known && q.Remaining <= 0 && time.Now().Before(q.ResetAt)
}

// TimeUntilReset returns the duration until the window refills, 0 if it already has.
func (q Quota) TimeUntilReset() time.Duration {
	d := time.Until(q.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// State is the quota state across windows.
type State struct {
	Quotas map[Window]Quota `json:"quotas"`

	// LastUpdate is when the state was last written from headers.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// Exhausted reports whether any window is used up.
func (s *State) Exhausted() bool {
	for _, q := range s.Quotas {
		if q.Exhausted() {
			return true
		}
	}
	return false
}

// WaitDuration returns how long to wait until every exhausted window has reset.
// Returns 0 when no window is exhausted.
func (s *State) WaitDuration() time.Duration {
	var wait time.Duration
	for _, q := range s.Quotas {
		if !q.Exhausted() {
			continue
		}
		if d := q.TimeUntilReset(); d > wait {
			wait = d
		}
	}
	return wait
}
