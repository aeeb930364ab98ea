// Package batch drains several blogs in parallel using a worker pool.
//
// Each blog gets its own Dumper, so pagination inside a blog stays strictly
// sequential; only independent blogs run side by side.
//
// Example usage:
//
//	drainer := batch.New(func(blog string) *dumper.Dumper {
//		return dumper.New(tumblrClient, dumper.Config{Blog: blog})
//	}, batch.DefaultConfig())
//	results, err := drainer.DrainAll(ctx, []string{"staff", "engineering"}, sink)
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/tumblr-dumper/pkg/dumper"
	"github.com/Sternrassler/tumblr-dumper/pkg/tumblr"
)

// ProgressEvery is how many posts of one blog pass between progress logs.
const ProgressEvery = 100

// Config holds batch configuration
type Config struct {
	// MaxConcurrency is the maximum number of blogs drained at once
	MaxConcurrency int

	// Logger defaults to the global logger with component=batch
	Logger *zerolog.Logger
}

// DefaultConfig returns the default batch configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
	}
}

// Factory creates the dumper for one blog.
type Factory func(blog string) *dumper.Dumper

// Sink receives every drained post. It is called from several goroutines
// at once and must be safe for concurrent use. An error stops that blog.
type Sink func(blog string, post tumblr.Post) error

// BlogResult is the outcome of draining one blog.
type BlogResult struct {
	Blog     string
	Posts    int
	Duration time.Duration
	Err      error
}

// Drainer drains a list of blogs with a fixed number of workers.
type Drainer struct {
	newDumper Factory
	config    Config
	logger    zerolog.Logger
}

// New creates a Drainer.
func New(factory Factory, config Config) *Drainer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	logger := log.With().Str("component", "batch").Logger()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Drainer{
		newDumper: factory,
		config:    config,
		logger:    logger,
	}
}

// DrainAll drains every blog and sends its posts to sink. Results are in the
// order of blogs. The error joins every per-blog failure; a failing blog
// does not stop the others.
func (b *Drainer) DrainAll(ctx context.Context, blogs []string, sink Sink) ([]BlogResult, error) {
	start := time.Now()
	results := make([]BlogResult, len(blogs))
	if len(blogs) == 0 {
		return results, nil
	}

	queue := make(chan int, len(blogs))
	for i := range blogs {
		queue <- i
	}
	close(queue)

	workers := min(b.config.MaxConcurrency, len(blogs))
	b.logger.Info().
		Int("blogs", len(blogs)).
		Int("workers", workers).
		Msg("Starting batch drain")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go b.worker(ctx, blogs, queue, results, sink, &wg, i)
	}
	wg.Wait()

	var errs []error
	posts := 0
	for _, r := range results {
		posts += r.Posts
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("drain %s after %d posts: %w", r.Blog, r.Posts, r.Err))
		}
	}

	b.logger.Info().
		Int("blogs", len(blogs)).
		Int("failed", len(errs)).
		Int("posts", posts).
		Dur("duration", time.Since(start)).
		Msg("Batch drain complete")

	return results, errors.Join(errs...)
}

// worker drains blogs from the queue until it is empty
func (b *Drainer) worker(ctx context.Context, blogs []string, queue <-chan int, results []BlogResult, sink Sink, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	drained := 0

	for idx := range queue {
		if err := ctx.Err(); err != nil {
			results[idx] = BlogResult{Blog: blogs[idx], Err: err}
			continue
		}
		results[idx] = b.drainOne(ctx, blogs[idx], sink)
		drained++
	}

	b.logger.Debug().
		Int("worker_id", workerID).
		Int("blogs_drained", drained).
		Msg("Worker completed")
}

func (b *Drainer) drainOne(ctx context.Context, blog string, sink Sink) BlogResult {
	start := time.Now()
	result := BlogResult{Blog: blog}
	d := b.newDumper(blog)

	for post, err := range d.All(ctx) {
		if err != nil {
			result.Err = err
			break
		}
		if err := sink(blog, post); err != nil {
			result.Err = fmt.Errorf("sink: %w", err)
			break
		}
		result.Posts++

		if result.Posts%ProgressEvery == 0 {
			total, _ := d.TotalPosts()
			b.logger.Info().
				Str("blog", blog).
				Int("count", result.Posts).
				Int("total", total).
				Msg("Drain progress")
		}
	}

	result.Duration = time.Since(start)
	if result.Err != nil {
		b.logger.Warn().Err(result.Err).Str("blog", blog).Int("posts", result.Posts).Msg("Blog drain failed")
	} else {
		b.logger.Info().
			Str("blog", blog).
			Int("posts", result.Posts).
			Dur("duration", result.Duration).
			Msg("Blog drained")
	}
	return result
}
