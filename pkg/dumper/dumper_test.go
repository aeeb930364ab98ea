package dumper_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/tumblr-dumper/internal/testutil"
	"github.com/Sternrassler/tumblr-dumper/pkg/client"
	"github.com/Sternrassler/tumblr-dumper/pkg/dumper"
	"github.com/Sternrassler/tumblr-dumper/pkg/retry"
	"github.com/Sternrassler/tumblr-dumper/pkg/tumblr"
	"github.com/Sternrassler/tumblr-dumper/pkg/view"
	"github.com/rs/zerolog"
)

const testKey = "test-key"

var nop = zerolog.Nop()

func newClient(t *testing.T, baseURL string) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig(testKey, "DumperTest/1.0")
	cfg.BaseURL = baseURL
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func drainAll(t *testing.T, d *dumper.Dumper) []string {
	t.Helper()

	var got []string
	for {
		post, err := d.Next(context.Background())
		if errors.Is(err, dumper.ErrDone) {
			return got
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, post.ID)
		if len(got) > 100000 {
			t.Fatal("drain did not terminate")
		}
	}
}

func assertUnique(t *testing.T, ids []string) map[string]bool {
	t.Helper()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			t.Errorf("post %s delivered twice", id)
		}
		seen[id] = true
	}
	return seen
}

type reply struct {
	total int
	ids   []int
	err   error
}

// scriptedTransport answers requests with a fixed sequence of replies and
// keeps answering with the last one.
type scriptedTransport struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	closed  int
}

func (s *scriptedTransport) Get(ctx context.Context, endpoint string) (view.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	if r.err != nil {
		return view.Value{}, r.err
	}

	posts := make([]map[string]any, 0, len(r.ids))
	for _, id := range r.ids {
		posts = append(posts, map[string]any{"id": id, "timestamp": 1000 + id})
	}
	raw, _ := json.Marshal(map[string]any{
		"meta": map[string]any{"status": 200},
		"response": map[string]any{
			"blog":  map[string]any{"total_posts": r.total},
			"posts": posts,
		},
	})
	return view.Decode(raw)
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func seq(from, to int) []int {
	var out []int
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestDumper_ScenarioA(t *testing.T) {
	mock := testutil.NewMockTumblr("staff", testKey, 25)
	defer mock.Close()

	d := dumper.New(newClient(t, mock.URL()), dumper.Config{Blog: "staff", Logger: &nop})

	if _, ok := d.TotalPosts(); ok {
		t.Error("TotalPosts() should be unknown before the first fetch")
	}

	got := drainAll(t, d)
	if len(got) != 25 {
		t.Fatalf("drained %d posts, want 25", len(got))
	}
	seen := assertUnique(t, got)
	for i := 1; i <= 25; i++ {
		if !seen[strconv.Itoa(i)] {
			t.Errorf("post %d missing", i)
		}
	}

	if total, ok := d.TotalPosts(); !ok || total != 25 {
		t.Errorf("TotalPosts() = %d, %v; want 25, true", total, ok)
	}
	if d.Delivered() != 25 {
		t.Errorf("Delivered() = %d, want 25", d.Delivered())
	}

	// termination is idempotent and issues no further requests
	requests := mock.RequestCount()
	for i := 0; i < 3; i++ {
		if _, err := d.Next(context.Background()); !errors.Is(err, dumper.ErrDone) {
			t.Errorf("Next() after exhaustion = %v, want ErrDone", err)
		}
	}
	if mock.RequestCount() != requests {
		t.Errorf("requests after exhaustion: %d, want %d", mock.RequestCount(), requests)
	}
	if offsets := mock.Offsets(); fmt.Sprint(offsets) != "[0 20 40]" {
		t.Errorf("offsets = %v, want [0 20 40]", offsets)
	}
}

func TestDumper_ScenarioB_DedupsRedeliveredPosts(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{
		{total: 30, ids: seq(0, 20)},
		{total: 27, ids: seq(23, 30)},
		{total: 27, ids: append(seq(17, 20), seq(23, 30)...)},
		{total: 27},
	}}
	d := dumper.New(tr, dumper.Config{Blog: "test", Logger: &nop})

	got := drainAll(t, d)
	seen := assertUnique(t, got)
	if len(got) != 27 {
		t.Errorf("drained %d posts, want 27", len(got))
	}
	for _, id := range []int{17, 18, 19, 23, 29} {
		if !seen[strconv.Itoa(id)] {
			t.Errorf("post %d missing", id)
		}
	}
}

func TestDumper_AllDuplicatePageFetchesOn(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{
		{total: 40, ids: seq(0, 20)},
		{total: 39, ids: seq(0, 20)},
		{total: 39, ids: seq(0, 20)},
		{total: 39, ids: seq(20, 39)},
		{total: 39},
	}}
	d := dumper.New(tr, dumper.Config{Blog: "test", Logger: &nop})

	got := drainAll(t, d)
	assertUnique(t, got)
	if len(got) != 39 {
		t.Errorf("drained %d posts, want 39", len(got))
	}
}

func TestDumper_ErrorHandlerContract(t *testing.T) {
	var failures int
	tr := &failingTransport{next: func() error {
		failures++
		return fmt.Errorf("failure %d", failures)
	}}

	var hookCalls int
	d := dumper.New(tr, dumper.Config{
		Blog:   "test",
		Logger: &nop,
		ErrorHandler: func(ctx context.Context, err error) bool {
			hookCalls++
			return hookCalls <= 3
		},
	})

	_, err := d.Next(context.Background())
	if err == nil || err.Error() != "failure 4" {
		t.Fatalf("Next() error = %v, want failure 4", err)
	}
	if tr.calls != 4 {
		t.Errorf("transport calls = %d, want 4 (1 + 3 retries)", tr.calls)
	}
	if hookCalls != 4 {
		t.Errorf("hook calls = %d, want 4", hookCalls)
	}
}

type failingTransport struct {
	calls int
	next  func() error
}

func (f *failingTransport) Get(ctx context.Context, endpoint string) (view.Value, error) {
	f.calls++
	return view.Value{}, f.next()
}

func TestDumper_DefaultHandlerPropagatesAndStaysActive(t *testing.T) {
	mock := testutil.NewMockTumblr("staff", testKey, 30)
	defer mock.Close()
	mock.FailNext(testutil.NewServerErrorResponse())

	d := dumper.New(newClient(t, mock.URL()), dumper.Config{Blog: "staff", Logger: &nop})

	_, err := d.Next(context.Background())
	var remote *client.RemoteStatusError
	if !errors.As(err, &remote) || remote.Code != 500 {
		t.Fatalf("Next() error = %v, want 500 RemoteStatusError", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount() = %d, want 1 (no retry by default)", mock.RequestCount())
	}

	got := drainAll(t, d)
	if len(got) != 30 {
		t.Errorf("drained %d posts after recovering, want 30", len(got))
	}
}

func TestDumper_RetryPolicy(t *testing.T) {
	mock := testutil.NewMockTumblr("staff", testKey, 45)
	defer mock.Close()

	var once sync.Once
	mock.OnPage(func(offset int) {
		if offset == 20 {
			once.Do(func() {
				mock.FailNext(testutil.NewServerErrorResponse(), testutil.NewRateLimitResponse())
			})
		}
	})

	d := dumper.New(newClient(t, mock.URL()), dumper.Config{
		Blog:         "staff",
		Logger:       &nop,
		ErrorHandler: retry.Limit(2),
	})

	got := drainAll(t, d)
	assertUnique(t, got)
	if len(got) != 45 {
		t.Errorf("drained %d posts, want 45", len(got))
	}
}

func TestDumper_RecoveredFailuresDoNotAccumulate(t *testing.T) {
	mock := testutil.NewMockTumblr("staff", testKey, 100)
	defer mock.Close()

	// every page after the first fails once before it is served
	var mu sync.Mutex
	failed := map[int]bool{}
	mock.OnPage(func(offset int) {
		mu.Lock()
		defer mu.Unlock()
		if !failed[offset+tumblr.PageSize] {
			failed[offset+tumblr.PageSize] = true
			mock.FailNext(testutil.NewServerErrorResponse())
		}
	})

	d := dumper.New(newClient(t, mock.URL()), dumper.Config{
		Blog:   "staff",
		Logger: &nop,
		ErrorHandler: retry.Backoff(retry.BackoffConfig{
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
			ResetAfter:        time.Hour,
		}),
	})

	got := drainAll(t, d)
	assertUnique(t, got)
	if len(got) != 100 {
		t.Errorf("drained %d posts, want 100", len(got))
	}
	if n := mock.RequestCount(); n != 11 {
		t.Errorf("requests = %d, want 11 (6 pages, 5 failures)", n)
	}
}

func TestDumper_LogsBlogOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	tr := &scriptedTransport{replies: []reply{
		{total: 3, ids: []int{3, 2, 1}},
		{total: 3},
	}}
	d := dumper.New(tr, dumper.Config{Blog: "staff", Logger: &logger})
	drainAll(t, d)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected fetcher and dumper log lines, got %q", buf.String())
	}
	for _, line := range lines {
		if n := strings.Count(line, `"blog":`); n != 1 {
			t.Errorf("line has %d blog fields: %s", n, line)
		}
		if n := strings.Count(line, `"drain_id":`); n != 1 {
			t.Errorf("line has %d drain_id fields: %s", n, line)
		}
	}
}

func TestDumper_LiveDeletions(t *testing.T) {
	mock := testutil.NewMockTumblr("staff", testKey, 100)
	defer mock.Close()

	deleted := map[int64]bool{}
	var mu sync.Mutex
	calls := 0
	mock.OnPage(func(offset int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		// delete three posts just ahead of the cursor before every other page
		if calls%2 == 0 {
			for _, id := range mock.DeleteAt(offset, 3) {
				deleted[id] = true
			}
		}
	})

	d := dumper.New(newClient(t, mock.URL()), dumper.Config{Blog: "staff", Logger: &nop})
	seen := assertUnique(t, drainAll(t, d))

	for _, p := range mock.Posts() {
		if !seen[strconv.FormatInt(p.ID, 10)] {
			t.Errorf("surviving post %d was skipped", p.ID)
		}
	}
	if len(deleted) == 0 {
		t.Error("test did not delete anything")
	}
}

func TestDumper_All(t *testing.T) {
	mock := testutil.NewMockTumblr("staff", testKey, 42)
	defer mock.Close()

	d := dumper.New(newClient(t, mock.URL()), dumper.Config{Blog: "staff", Logger: &nop})

	count := 0
	for post, err := range d.All(context.Background()) {
		if err != nil {
			t.Fatalf("All() yielded error %v", err)
		}
		if post.Type != "text" {
			t.Errorf("post %s type = %q", post.ID, post.Type)
		}
		count++
	}
	if count != 42 {
		t.Errorf("All() yielded %d posts, want 42", count)
	}
}

func TestDumper_AllStopsOnBreakAndError(t *testing.T) {
	mock := testutil.NewMockTumblr("staff", testKey, 42)
	defer mock.Close()

	d := dumper.New(newClient(t, mock.URL()), dumper.Config{Blog: "staff", Logger: &nop})
	for range d.All(context.Background()) {
		break
	}
	if d.Delivered() != 1 {
		t.Errorf("Delivered() = %d after break, want 1", d.Delivered())
	}

	failing := dumper.New(&failingTransport{next: func() error { return errors.New("down") }},
		dumper.Config{Blog: "test", Logger: &nop})
	var errs int
	for _, err := range failing.All(context.Background()) {
		if err != nil {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("All() yielded %d errors, want 1", errs)
	}
}

func TestDumper_StreamClosesTransport(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{
		{total: 25, ids: seq(0, 20)},
		{total: 25, ids: seq(20, 25)},
		{total: 25},
	}}
	d := dumper.New(tr, dumper.Config{Blog: "test", Logger: &nop})

	var got []string
	for res := range d.Stream(context.Background()) {
		if res.Err != nil {
			t.Fatalf("Stream() error = %v", res.Err)
		}
		got = append(got, res.Post.ID)
	}

	assertUnique(t, got)
	if len(got) != 25 {
		t.Errorf("streamed %d posts, want 25", len(got))
	}
	if tr.closed != 1 {
		t.Errorf("transport closed %d times, want 1", tr.closed)
	}
}

func TestDumper_StreamError(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{
		{total: 25, ids: seq(0, 20)},
		{err: errors.New("connection reset")},
	}}
	d := dumper.New(tr, dumper.Config{Blog: "test", Logger: &nop})

	var posts, errs int
	for res := range d.Stream(context.Background()) {
		if res.Err != nil {
			errs++
			continue
		}
		posts++
	}
	if posts != 20 || errs != 1 {
		t.Errorf("Stream() = %d posts, %d errors; want 20, 1", posts, errs)
	}
	if tr.closed != 0 {
		t.Error("transport must stay open after a failure")
	}
}

func TestDumper_StreamCancel(t *testing.T) {
	mock := testutil.NewMockTumblr("staff", testKey, 500)
	defer mock.Close()

	d := dumper.New(newClient(t, mock.URL()), dumper.Config{Blog: "staff", Logger: &nop})

	ctx, cancel := context.WithCancel(context.Background())
	stream := d.Stream(ctx)

	<-stream
	cancel()

	done := make(chan struct{})
	go func() {
		for range stream {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestDumper_CancelledContextSkipsHandler(t *testing.T) {
	mock := testutil.NewMockTumblr("staff", testKey, 5)
	defer mock.Close()

	hookCalls := 0
	d := dumper.New(newClient(t, mock.URL()), dumper.Config{
		Blog:   "staff",
		Logger: &nop,
		ErrorHandler: func(ctx context.Context, err error) bool {
			hookCalls++
			return true
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
	if hookCalls != 0 {
		t.Errorf("hook called %d times on a cancelled context", hookCalls)
	}
}

func TestDumper_PostKeyIncludesTimestamp(t *testing.T) {
	p := tumblr.Post{ID: "1", Timestamp: 10}
	q := tumblr.Post{ID: "1", Timestamp: 11}
	if p.Key() == q.Key() {
		t.Error("posts with equal ids but different timestamps must not collide")
	}
}
