// Package dumper drains every post of a blog exactly once.
//
// A Dumper pulls pages through a fetcher.Fetcher into a dedup queue keyed by
// (id, timestamp) and hands posts out one at a time. Pages are only fetched
// when the queue is empty, so there is never more than one request in flight.
package dumper

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/Sternrassler/tumblr-dumper/pkg/fetcher"
	"github.com/Sternrassler/tumblr-dumper/pkg/queue"
	"github.com/Sternrassler/tumblr-dumper/pkg/tumblr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrDone is returned by Next once every post was delivered. Every later
// call returns it again.
var ErrDone = errors.New("dump complete")

var (
	postsDrainedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tumblr_posts_drained_total",
		Help: "Total number of distinct posts handed out by dumpers",
	})

	duplicatesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tumblr_duplicates_dropped_total",
		Help: "Total number of re-delivered posts dropped by the dedup queue",
	})
)

// ErrorHandler is consulted when a page fetch fails. Returning true makes
// the dumper fetch again; returning false passes the error to the caller.
// retry.Policy values can be assigned directly.
type ErrorHandler = func(ctx context.Context, err error) bool

// Config holds dumper configuration.
type Config struct {
	// Blog is the blog identifier
	Blog string

	// MaxCorrections is passed to the fetcher
	MaxCorrections int

	// ErrorHandler decides about fetch failures (default: never retry)
	ErrorHandler ErrorHandler

	// Logger defaults to the global logger with component=dumper. The
	// dumper adds blog and drain_id, so it should carry neither.
	Logger *zerolog.Logger
}

// Result is one element of Stream.
type Result struct {
	Post tumblr.Post
	Err  error
}

// Dumper iterates over a blog's posts.
//
// A Dumper is not safe for concurrent use.
type Dumper struct {
	transport fetcher.Transport
	fetcher   *fetcher.Fetcher
	buffer    *queue.Unique[tumblr.Post, tumblr.PostKey]
	onError   ErrorHandler
	logger    zerolog.Logger

	stopped   bool
	delivered int
}

// New creates a dumper for cfg.Blog.
func New(transport fetcher.Transport, cfg Config) *Dumper {
	logger := log.With().Str("component", "dumper").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().
		Str("blog", cfg.Blog).
		Str("drain_id", uuid.NewString()).
		Logger()

	onError := cfg.ErrorHandler
	if onError == nil {
		onError = func(context.Context, error) bool { return false }
	}

	return &Dumper{
		transport: transport,
		fetcher: fetcher.New(transport, fetcher.Config{
			Blog:           cfg.Blog,
			MaxCorrections: cfg.MaxCorrections,
			Logger:         &logger,
		}),
		buffer:  queue.New(tumblr.Post.Key),
		onError: onError,
		logger:  logger,
	}
}

// TotalPosts returns the blog's post count as last reported, and false
// before the first page was fetched.
func (d *Dumper) TotalPosts() (int, bool) {
	return d.fetcher.Total()
}

// Delivered returns how many posts Next has returned so far.
func (d *Dumper) Delivered() int {
	return d.delivered
}

// Next returns the next post, or ErrDone once the blog is exhausted.
//
// A fetch error goes to the ErrorHandler. If it declines, the error is
// returned and the dumper stays usable: a later call fetches again from
// where the failed request left off.
func (d *Dumper) Next(ctx context.Context) (tumblr.Post, error) {
	for {
		if d.buffer.Len() > 0 {
			return d.pop()
		}
		if d.stopped {
			return tumblr.Post{}, ErrDone
		}

		err := d.reload(ctx)
		switch {
		case err == nil:
			// a page of nothing but duplicates leaves the buffer empty; fetch on
		case errors.Is(err, fetcher.ErrExhausted):
			d.stopped = true
			total, _ := d.fetcher.Total()
			d.logger.Info().
				Int("delivered", d.delivered+d.buffer.Len()).
				Int("total_posts", total).
				Msg("Blog exhausted")
		case ctx.Err() != nil:
			return tumblr.Post{}, err
		default:
			d.logger.Warn().Err(err).Int("offset", d.fetcher.Offset()).Msg("Page fetch failed")
			if !d.onError(ctx, err) {
				return tumblr.Post{}, err
			}
			d.logger.Debug().Int("offset", d.fetcher.Offset()).Msg("Retrying page fetch")
		}
	}
}

// All adapts Next to a range-over-func iterator. A failure is yielded once
// with a zero post and ends the iteration.
func (d *Dumper) All(ctx context.Context) iter.Seq2[tumblr.Post, error] {
	return func(yield func(tumblr.Post, error) bool) {
		for {
			post, err := d.Next(ctx)
			if errors.Is(err, ErrDone) {
				return
			}
			if !yield(post, err) || err != nil {
				return
			}
		}
	}
}

// Stream drains the blog from a goroutine and sends every post on the
// returned channel. The channel is closed after the last post, after a
// failure (sent as a Result with Err set), or when ctx is done.
//
// When the blog is exhausted, Stream closes the transport if it implements
// io.Closer. After ctx was cancelled the dumper must not be reused.
//
// The goroutine blocks until each result is received. A caller that stops
// reading early must cancel ctx, or the goroutine never exits.
func (d *Dumper) Stream(ctx context.Context) <-chan Result {
	out := make(chan Result)

	go func() {
		defer close(out)

		for {
			post, err := d.Next(ctx)
			if errors.Is(err, ErrDone) {
				d.closeTransport()
				return
			}

			select {
			case out <- Result{Post: post, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return out
}

func (d *Dumper) reload(ctx context.Context) error {
	posts, err := d.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}

	accepted := d.buffer.PushMany(posts)
	if dropped := len(posts) - accepted; dropped > 0 {
		duplicatesDroppedTotal.Add(float64(dropped))
		d.logger.Debug().Int("dropped", dropped).Msg("Dropped re-delivered posts")
	}
	return nil
}

func (d *Dumper) pop() (tumblr.Post, error) {
	post, err := d.buffer.Get()
	if err != nil {
		return tumblr.Post{}, err
	}
	d.delivered++
	postsDrainedTotal.Inc()
	return post, nil
}

func (d *Dumper) closeTransport() {
	closer, ok := d.transport.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to close transport")
	}
}
