// Package testutil provides testing utilities for the Tumblr dumper.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockPost is one post held by the mock server.
type MockPost struct {
	ID        int64
	Timestamp int64
	Type      string
}

// MockResponse defines a canned response for a path, bypassing the blog model.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Quota is the rate limit state the mock reports in its headers.
type Quota struct {
	HourRemaining int
	DayRemaining  int
	Reset         time.Duration
}

// MockTumblr is an httptest server that serves one blog's post list the way
// the Tumblr v2 API does: newest first, 20 per page, addressed by offset.
// The list can be mutated between requests to model posts being deleted or
// published during a drain.
type MockTumblr struct {
	server *httptest.Server

	mu       sync.Mutex
	blog     string
	apiKey   string
	posts    []MockPost
	nextID   int64
	quota    *Quota
	failures []MockResponse
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	onPage   func(offset int)

	// Tracking
	requestCount      int
	offsets           []int
	lastRequestHeader http.Header
}

// NewMockTumblr creates a mock serving blog with n posts. Post ids run from
// n down to 1 so the newest post has the highest id.
func NewMockTumblr(blog, apiKey string, n int) *MockTumblr {
	mock := &MockTumblr{
		blog:     blog,
		apiKey:   apiKey,
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	for i := n; i >= 1; i-- {
		mock.posts = append(mock.posts, MockPost{ID: int64(i), Timestamp: base + int64(i)*60, Type: "text"})
	}
	mock.nextID = int64(n) + 1

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serveHTTP))
	return mock
}

// URL returns the mock server URL.
func (m *MockTumblr) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockTumblr) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a specific path.
func (m *MockTumblr) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a canned response for a path.
func (m *MockTumblr) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// FailNext makes the next posts requests answer with resp, in order.
func (m *MockTumblr) FailNext(resp ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, resp...)
}

// SetQuota makes every response carry X-Ratelimit headers for q.
func (m *MockTumblr) SetQuota(q Quota) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota = &q
}

// OnPage registers a callback run before each posts page is built. It may
// call Delete or Publish to change the list under an active drain.
func (m *MockTumblr) OnPage(fn func(offset int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPage = fn
}

// Delete removes the posts with the given ids.
func (m *MockTumblr) Delete(ids ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.posts[:0]
	for _, p := range m.posts {
		if !drop[p.ID] {
			kept = append(kept, p)
		}
	}
	m.posts = kept
}

// DeleteAt removes count posts starting at index (0 is the newest) and
// returns their ids.
func (m *MockTumblr) DeleteAt(index, count int) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index >= len(m.posts) {
		return nil
	}
	end := min(index+count, len(m.posts))
	var ids []int64
	for _, p := range m.posts[index:end] {
		ids = append(ids, p.ID)
	}
	m.posts = append(m.posts[:index], m.posts[end:]...)
	return ids
}

// Publish adds count new posts at the head of the list and returns their ids.
func (m *MockTumblr) Publish(count int) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fresh []MockPost
	var ids []int64
	now := time.Now().Unix()
	for i := 0; i < count; i++ {
		p := MockPost{ID: m.nextID, Timestamp: now + int64(i), Type: "text"}
		m.nextID++
		fresh = append([]MockPost{p}, fresh...)
		ids = append(ids, p.ID)
	}
	m.posts = append(fresh, m.posts...)
	return ids
}

// Posts returns a snapshot of the current list, newest first.
func (m *MockTumblr) Posts() []MockPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockPost(nil), m.posts...)
}

// RequestCount returns the number of requests made to the server.
func (m *MockTumblr) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// Offsets returns the offsets of all posts requests, in order.
func (m *MockTumblr) Offsets() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.offsets...)
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockTumblr) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequestHeader
}

func (m *MockTumblr) serveHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requestCount++
	m.lastRequestHeader = r.Header.Clone()
	handler, custom := m.handlers[r.URL.Path]
	quota := m.quota
	m.mu.Unlock()

	if quota != nil {
		reset := strconv.Itoa(int(quota.Reset.Seconds()))
		w.Header().Set("X-Ratelimit-Perhour-Limit", "1000")
		w.Header().Set("X-Ratelimit-Perhour-Remaining", strconv.Itoa(quota.HourRemaining))
		w.Header().Set("X-Ratelimit-Perhour-Reset", reset)
		w.Header().Set("X-Ratelimit-Perday-Limit", "5000")
		w.Header().Set("X-Ratelimit-Perday-Remaining", strconv.Itoa(quota.DayRemaining))
		w.Header().Set("X-Ratelimit-Perday-Reset", reset)
	}

	if custom {
		handler(w, r)
		return
	}

	if r.URL.Query().Get("api_key") != m.apiKey {
		writeMeta(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	blog, endpoint, ok := splitBlogPath(r.URL.Path)
	if !ok || blog != m.blog {
		writeMeta(w, http.StatusNotFound, "Not Found", nil)
		return
	}

	switch endpoint {
	case "posts":
		m.servePosts(w, r)
	case "info":
		m.serveInfo(w)
	default:
		writeMeta(w, http.StatusNotFound, "Not Found", nil)
	}
}

func (m *MockTumblr) servePosts(w http.ResponseWriter, r *http.Request) {
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	m.mu.Lock()
	m.offsets = append(m.offsets, offset)
	onPage := m.onPage
	var failure *MockResponse
	if len(m.failures) > 0 {
		failure = &m.failures[0]
		m.failures = m.failures[1:]
	}
	m.mu.Unlock()

	if failure != nil {
		writeResponse(w, *failure)
		return
	}

	if onPage != nil {
		onPage(offset)
	}

	m.mu.Lock()
	total := len(m.posts)
	var page []map[string]any
	for i := offset; i < total && i < offset+20; i++ {
		p := m.posts[i]
		page = append(page, map[string]any{
			"id":        p.ID,
			"id_string": strconv.FormatInt(p.ID, 10),
			"timestamp": p.Timestamp,
			"type":      p.Type,
			"blog_name": m.blog,
		})
	}
	blog := m.blog
	m.mu.Unlock()

	if page == nil {
		page = []map[string]any{}
	}
	writeMeta(w, http.StatusOK, "OK", map[string]any{
		"blog":        map[string]any{"name": blog, "total_posts": total},
		"posts":       page,
		"total_posts": total,
	})
}

func (m *MockTumblr) serveInfo(w http.ResponseWriter) {
	m.mu.Lock()
	blog := map[string]any{
		"name":    m.blog,
		"title":   "Mock " + m.blog,
		"url":     fmt.Sprintf("https://%s.tumblr.com/", m.blog),
		"posts":   len(m.posts),
		"updated": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
	}
	m.mu.Unlock()

	writeMeta(w, http.StatusOK, "OK", map[string]any{"blog": blog})
}

// splitBlogPath parses /v2/blog/{blog}/{endpoint}.
func splitBlogPath(p string) (blog, endpoint string, ok bool) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 4 || parts[0] != "v2" || parts[1] != "blog" {
		return "", "", false
	}
	return parts[2], parts[3], true
}

func writeMeta(w http.ResponseWriter, status int, msg string, response any) {
	body := map[string]any{
		"meta": map[string]any{"status": status, "msg": msg},
	}
	if response != nil {
		body["response"] = response
	} else {
		body["response"] = []any{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewMetaErrorResponse creates a response whose meta block reports status.
func NewMetaErrorResponse(status int, msg string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"meta": {"status": %d, "msg": %q}, "response": []}`, status, msg),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 with a Tumblr meta block.
func NewServerErrorResponse() MockResponse {
	return NewMetaErrorResponse(http.StatusInternalServerError, "Internal Server Error")
}

// NewRateLimitResponse creates a 429 with a Tumblr meta block.
func NewRateLimitResponse() MockResponse {
	return NewMetaErrorResponse(http.StatusTooManyRequests, "Limit Exceeded")
}

// NewBadGatewayResponse creates a 502 with an HTML body, as returned by the edge.
func NewBadGatewayResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadGateway,
		Body:       "<html><body>502 Bad Gateway</body></html>",
		Headers:    map[string]string{"Content-Type": "text/html"},
	}
}
