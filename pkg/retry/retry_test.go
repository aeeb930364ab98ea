package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/tumblr-dumper/pkg/client"
)

var (
	serverErr  = &client.RemoteStatusError{Code: http.StatusInternalServerError, Class: client.ErrorClassServer}
	clientErr  = &client.RemoteStatusError{Code: http.StatusNotFound, Class: client.ErrorClassClient}
	limitErr   = &client.RemoteStatusError{Code: http.StatusTooManyRequests, Class: client.ErrorClassRateLimit}
	networkErr = &client.TransportError{Endpoint: "/v2/blog/x/posts", Op: "request", Err: errors.New("connection reset")}
)

// recordingBackoff returns a backoff that records waits instead of sleeping.
func recordingBackoff(cfg BackoffConfig) (*backoff, *[]time.Duration) {
	b := newBackoff(cfg)
	var waits []time.Duration
	b.wait = func(ctx context.Context, d time.Duration) bool {
		waits = append(waits, d)
		return ctx.Err() == nil
	}
	b.jitter = func() float64 { return 1 }
	return b, &waits
}

func TestNever(t *testing.T) {
	p := Never()
	for _, err := range []error{serverErr, clientErr, networkErr, errors.New("x")} {
		if p(context.Background(), err) {
			t.Errorf("Never() retried %v", err)
		}
	}
}

func TestLimit(t *testing.T) {
	p := Limit(3)
	ctx := context.Background()

	var got []bool
	for i := 0; i < 5; i++ {
		got = append(got, p(ctx, serverErr))
	}
	want := []bool{true, true, true, false, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Limit(3) calls = %v, want %v", got, want)
		}
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if Limit(10)(cancelled, serverErr) {
		t.Error("Limit must not retry once ctx is done")
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	config := DefaultBackoffConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestBackoff_Classes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"server error is retried", serverErr, true},
		{"network error is retried", networkErr, true},
		{"rate limit is retried", limitErr, true},
		{"client error is not retried", clientErr, false},
		{"unclassified error is not retried", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := recordingBackoff(DefaultBackoffConfig())
			if got := b.retry(context.Background(), tt.err); got != tt.expected {
				t.Errorf("retry() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBackoff_ExponentialWithCap(t *testing.T) {
	b, waits := recordingBackoff(BackoffConfig{
		MaxAttempts:       6,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	})

	var decisions []bool
	for i := 0; i < 6; i++ {
		decisions = append(decisions, b.retry(context.Background(), serverErr))
	}

	wantDecisions := []bool{true, true, true, true, true, false}
	for i := range wantDecisions {
		if decisions[i] != wantDecisions[i] {
			t.Fatalf("decisions = %v, want %v", decisions, wantDecisions)
		}
	}

	wantWaits := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if len(*waits) != len(wantWaits) {
		t.Fatalf("waits = %v, want %v", *waits, wantWaits)
	}
	for i, w := range wantWaits {
		if (*waits)[i] != w {
			t.Errorf("wait[%d] = %v, want %v", i, (*waits)[i], w)
		}
	}
}

func TestBackoff_StreakRestartsAfterExhaustion(t *testing.T) {
	b, waits := recordingBackoff(BackoffConfig{
		MaxAttempts:       2,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
	})
	ctx := context.Background()

	got := []bool{
		b.retry(ctx, serverErr),
		b.retry(ctx, serverErr),
		b.retry(ctx, serverErr),
	}
	if !got[0] || got[1] || !got[2] {
		t.Errorf("decisions = %v, want [true false true]", got)
	}
	if (*waits)[1] != time.Second {
		t.Errorf("new streak should restart at InitialBackoff, got %v", (*waits)[1])
	}
}

func TestBackoff_StreakIsScopedToOneRequest(t *testing.T) {
	pageErr := func(offset int) error {
		return &client.RemoteStatusError{
			Endpoint: fmt.Sprintf("/v2/blog/staff/posts?offset=%d&reblog_info=true", offset),
			Code:     http.StatusInternalServerError,
			Class:    client.ErrorClassServer,
		}
	}

	tests := []struct {
		name      string
		errs      []error
		decisions []bool
		waits     []time.Duration
	}{
		{
			name:      "separate recovered failures",
			errs:      []error{pageErr(20), pageErr(40), pageErr(60), pageErr(80)},
			decisions: []bool{true, true, true, true},
			waits:     []time.Duration{time.Second, time.Second, time.Second, time.Second},
		},
		{
			name:      "retries then a failure on the next page",
			errs:      []error{pageErr(20), pageErr(20), pageErr(40)},
			decisions: []bool{true, true, true},
			waits:     []time.Duration{time.Second, 2 * time.Second, time.Second},
		},
		{
			name:      "same request keeps failing",
			errs:      []error{pageErr(20), pageErr(20), pageErr(20)},
			decisions: []bool{true, true, false},
			waits:     []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:      "network failure on the same request continues the streak",
			errs:      []error{pageErr(20), &client.TransportError{Endpoint: "/v2/blog/staff/posts?offset=20&reblog_info=true", Op: "request", Err: errors.New("reset")}, pageErr(20)},
			decisions: []bool{true, true, false},
			waits:     []time.Duration{time.Second, 2 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, waits := recordingBackoff(DefaultBackoffConfig())
			for i, err := range tt.errs {
				if got := b.retry(context.Background(), err); got != tt.decisions[i] {
					t.Fatalf("call %d: retry() = %v, want %v", i, got, tt.decisions[i])
				}
			}
			if len(*waits) != len(tt.waits) {
				t.Fatalf("waits = %v, want %v", *waits, tt.waits)
			}
			for i, w := range tt.waits {
				if (*waits)[i] != w {
					t.Errorf("wait[%d] = %v, want %v", i, (*waits)[i], w)
				}
			}
		})
	}
}

func TestBackoff_ResetAfterQuietPeriod(t *testing.T) {
	b, _ := recordingBackoff(BackoffConfig{
		MaxAttempts:       2,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2.0,
		ResetAfter:        10 * time.Millisecond,
	})
	ctx := context.Background()

	if !b.retry(ctx, serverErr) {
		t.Fatal("first failure should be retried")
	}
	time.Sleep(30 * time.Millisecond)
	if !b.retry(ctx, serverErr) {
		t.Error("a failure after a quiet period should start a new streak")
	}
}

func TestBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, waits := recordingBackoff(DefaultBackoffConfig())
	if b.retry(ctx, serverErr) {
		t.Error("retry() = true on a cancelled context")
	}
	if len(*waits) != 0 {
		t.Errorf("waited %v on a cancelled context", *waits)
	}
}

func TestBackoff_CancelDuringWait(t *testing.T) {
	p := Backoff(BackoffConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if p(ctx, serverErr) {
		t.Error("retry() = true after ctx expired during backoff")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("backoff ignored ctx, waited %v", elapsed)
	}
}

func TestBackoff_Jitter(t *testing.T) {
	cfg := BackoffConfig{
		MaxAttempts:       2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}

	for i := 0; i < 20; i++ {
		b := newBackoff(cfg)
		var got time.Duration
		b.wait = func(ctx context.Context, d time.Duration) bool {
			got = d
			return true
		}
		b.retry(context.Background(), serverErr)

		// All delays should be in the range of InitialBackoff ±20%
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Errorf("delay %v outside jitter range [80ms, 120ms]", got)
		}
	}
}

func TestBackoff_RealSleep(t *testing.T) {
	p := Backoff(BackoffConfig{
		MaxAttempts:       3,
		InitialBackoff:    20 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	})

	start := time.Now()
	if !p(context.Background(), networkErr) {
		t.Fatal("first failure should be retried")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("expected some backoff delay, got %v", elapsed)
	}
}

func TestSleep(t *testing.T) {
	if !sleep(context.Background(), 0) {
		t.Error("zero sleep on a live ctx should succeed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleep(ctx, time.Hour) {
		t.Error("sleep on a cancelled ctx should fail")
	}
}
