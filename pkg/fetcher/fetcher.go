// Package fetcher pages through a blog's posts by offset while the list may
// be shrinking underneath it.
//
// Tumblr addresses pages by absolute offset. When posts ahead of the cursor
// are deleted between two requests, every later post moves forward and a
// plain offset += 20 would step over them. The fetcher uses the total post
// count reported with each page as a heartbeat: when it drops by delta, the
// cursor is moved back by delta and the page is requested again before
// anything is returned. Posts delivered twice as a result are the caller's
// to dedup.
//
// Deletions behind the cursor are not detected. They only shift posts the
// caller has already seen.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/tumblr-dumper/pkg/tumblr"
	"github.com/Sternrassler/tumblr-dumper/pkg/view"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultMaxCorrections bounds the shrink corrections within one Fetch.
const DefaultMaxCorrections = 64

var (
	// ErrExhausted is returned when a page comes back empty. It is the only
	// way the fetcher signals the end of the blog.
	ErrExhausted = errors.New("no more posts")

	// ErrCorrectionLimit is returned when the blog kept shrinking for more
	// than MaxCorrections consecutive requests.
	ErrCorrectionLimit = errors.New("offset correction limit exceeded")
)

var (
	offsetCorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tumblr_offset_corrections_total",
		Help: "Total number of times the cursor was moved back after the blog shrank",
	})

	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tumblr_pages_fetched_total",
		Help: "Total number of posts pages fetched",
	})
)

// Transport performs one GET against an API endpoint.
// *client.Client implements it.
type Transport interface {
	Get(ctx context.Context, endpoint string) (view.Value, error)
}

// Config holds fetcher configuration.
type Config struct {
	// Blog is the blog identifier, e.g. "staff" or "staff.tumblr.com"
	Blog string

	// MaxCorrections caps the correction chain (default: DefaultMaxCorrections)
	MaxCorrections int

	// Logger is used as is. The default is the global logger with
	// component=fetcher and the blog.
	Logger *zerolog.Logger
}

// Fetcher requests consecutive pages of a blog's posts.
//
// A Fetcher is not safe for concurrent use; exactly one request is in
// flight at a time.
type Fetcher struct {
	transport Transport
	config    Config
	logger    zerolog.Logger

	started   bool
	offset    int
	prevTotal int
}

// New creates a fetcher for cfg.Blog.
func New(transport Transport, cfg Config) *Fetcher {
	if cfg.MaxCorrections <= 0 {
		cfg.MaxCorrections = DefaultMaxCorrections
	}

	logger := log.With().Str("component", "fetcher").Str("blog", cfg.Blog).Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Fetcher{
		transport: transport,
		config:    cfg,
		logger:    logger,
	}
}

// Offset returns the offset the next Fetch will request.
func (f *Fetcher) Offset() int {
	return f.offset
}

// Total returns the post count reported by the most recent page, and false
// before the first page was fetched.
func (f *Fetcher) Total() (int, bool) {
	return f.prevTotal, f.started
}

// Fetch returns the next page of posts.
//
// The first call requests offset 0. Later calls request the page after the
// previous one, correcting the offset first if the blog shrank. Transport
// errors are returned unchanged; the recorded total may already reflect a
// page fetched earlier in the same call, and a later Fetch resumes from the
// corrected offset.
func (f *Fetcher) Fetch(ctx context.Context) ([]tumblr.Post, error) {
	if !f.started {
		page, err := f.fetchPage(ctx, 0)
		if err != nil {
			return nil, err
		}
		f.started = true
		f.prevTotal = page.TotalPosts
		return f.accept(page)
	}

	for corrections := 0; ; corrections++ {
		page, err := f.fetchPage(ctx, f.offset)
		if err != nil {
			return nil, err
		}

		priorTotal := f.prevTotal
		f.prevTotal = page.TotalPosts

		if page.TotalPosts >= priorTotal {
			return f.accept(page)
		}

		delta := priorTotal - page.TotalPosts
		if corrections >= f.config.MaxCorrections {
			return nil, fmt.Errorf("%w: %d corrections, offset %d, total %d",
				ErrCorrectionLimit, corrections, f.offset, page.TotalPosts)
		}

		corrected := max(f.offset-delta, 0)
		offsetCorrectionsTotal.Inc()
		f.logger.Info().
			Int("offset", f.offset).
			Int("corrected_offset", corrected).
			Int("prior_total", priorTotal).
			Int("new_total", page.TotalPosts).
			Int("delta", delta).
			Msg("Blog shrank, correcting offset")
		f.offset = corrected
	}
}

// accept hands out a page and moves the cursor past it.
func (f *Fetcher) accept(page tumblr.Page) ([]tumblr.Post, error) {
	if len(page.Posts) == 0 {
		return nil, ErrExhausted
	}
	f.offset += tumblr.PageSize
	return page.Posts, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, offset int) (tumblr.Page, error) {
	f.logger.Debug().Int("offset", offset).Msg("Fetching posts page")

	body, err := f.transport.Get(ctx, tumblr.PostsPath(f.config.Blog, offset))
	if err != nil {
		return tumblr.Page{}, err
	}
	pagesFetchedTotal.Inc()

	page, err := tumblr.DecodePage(body)
	if err != nil {
		return tumblr.Page{}, fmt.Errorf("decode page at offset %d: %w", offset, err)
	}
	return page, nil
}
