package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/Sternrassler/tumblr-dumper/pkg/batch"
	"github.com/Sternrassler/tumblr-dumper/pkg/client"
	"github.com/Sternrassler/tumblr-dumper/pkg/dumper"
	"github.com/Sternrassler/tumblr-dumper/pkg/logging"
	"github.com/Sternrassler/tumblr-dumper/pkg/metrics"
	"github.com/Sternrassler/tumblr-dumper/pkg/output"
	"github.com/Sternrassler/tumblr-dumper/pkg/ratelimit"
	"github.com/Sternrassler/tumblr-dumper/pkg/retry"
	"github.com/Sternrassler/tumblr-dumper/pkg/tumblr"
)

var blogFlag = &cli.StringFlag{
	Name:     "blog",
	Aliases:  []string{"b"},
	Usage:    "Blog identifier, e.g. staff or staff.tumblr.com",
	Required: true,
}

func drainCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "drain",
		Usage: "Write every post of a blog, one record per post",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "blog",
				Aliases:  []string{"b"},
				Usage:    "Blog identifier; repeat to drain several blogs",
				Required: true,
			},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (default: stdout)"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "Output format: jsonl, msgpack"},
			&cli.IntFlag{Name: "retries", Usage: "Retries per failure streak (0 disables)"},
			&cli.IntFlag{Name: "concurrency", Usage: "Blogs drained at once"},
		},
		Action: a.drain,
	}
}

func infoCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:   "info",
		Usage:  "Show a blog's title and post count",
		Flags:  []cli.Flag{blogFlag},
		Action: a.info,
	}
}

func (a *app) drain(c *cli.Context) error {
	ctx := c.Context
	blogs := c.StringSlice("blog")

	if c.IsSet("out") {
		a.cfg.Output = c.String("out")
	}
	if c.IsSet("format") {
		a.cfg.Format = c.String("format")
	}
	if c.IsSet("retries") {
		a.cfg.RetryMaxAttempts = c.Int("retries") + 1
	}
	if c.IsSet("concurrency") {
		a.cfg.Concurrency = c.Int("concurrency")
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	rdb, err := a.redis(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	tc, err := client.New(a.cfg.Client(rdb))
	if err != nil {
		return err
	}
	defer tc.Close()

	out, closeOut, err := a.openOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	w, err := output.New(a.cfg.Format, out)
	if err != nil {
		return err
	}

	stopMetrics := a.serveMetrics(ctx)
	defer stopMetrics()

	drainer := batch.New(func(blog string) *dumper.Dumper {
		return dumper.New(tc, dumper.Config{
			Blog:           blog,
			MaxCorrections: a.cfg.MaxCorrections,
			ErrorHandler:   a.retryPolicy(rdb),
			Logger:         &a.logger,
		})
	}, batch.Config{MaxConcurrency: a.cfg.Concurrency, Logger: &a.logger})

	var mu sync.Mutex
	_, drainErr := drainer.DrainAll(ctx, blogs, func(_ string, post tumblr.Post) error {
		mu.Lock()
		defer mu.Unlock()
		return w.Write(post)
	})
	if err := w.Flush(); err != nil && drainErr == nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return drainErr
}

func (a *app) info(c *cli.Context) error {
	ctx := c.Context

	rdb, err := a.redis(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	tc, err := client.New(a.cfg.Client(rdb))
	if err != nil {
		return err
	}
	defer tc.Close()

	info, err := tc.BlogInfo(ctx, c.String("blog"))
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "name:    %s\n", info.Name)
	fmt.Fprintf(a.stdout, "title:   %s\n", info.Title)
	fmt.Fprintf(a.stdout, "url:     %s\n", info.URL)
	fmt.Fprintf(a.stdout, "posts:   %d\n", info.TotalPosts)
	if info.Updated > 0 {
		fmt.Fprintf(a.stdout, "updated: %s\n", time.Unix(info.Updated, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

// redis connects to the configured Redis, or returns nil when none is set.
func (a *app) redis(ctx context.Context) (*redis.Client, error) {
	opts, err := a.cfg.RedisOptions()
	if err != nil || opts == nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	a.logger.Debug().Str("addr", opts.Addr).Msg("Connected to Redis")
	return rdb, nil
}

// retryPolicy backs off on retryable failures. With Redis it also waits out
// an exhausted quota before retrying rate limit failures.
func (a *app) retryPolicy(rdb *redis.Client) retry.Policy {
	if a.cfg.RetryMaxAttempts <= 1 {
		return retry.Never()
	}
	policy := retry.Backoff(a.cfg.Backoff())
	if rdb != nil {
		policy = retry.RateLimitAware(ratelimit.NewTracker(rdb, logging.NewLogger("ratelimit")), policy)
	}
	return policy
}

func (a *app) openOutput() (io.Writer, func(), error) {
	if a.cfg.Output == "" || a.cfg.Output == "-" {
		return a.stdout, func() {}, nil
	}
	f, err := os.Create(a.cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			a.logger.Warn().Err(err).Str("path", a.cfg.Output).Msg("Failed to close output")
		}
	}, nil
}

// serveMetrics starts the metrics endpoint when configured and returns a
// function that stops it.
func (a *app) serveMetrics(ctx context.Context) func() {
	if a.cfg.MetricsAddr == "" {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := metrics.Serve(ctx, a.cfg.MetricsAddr, a.logger); err != nil {
			a.logger.Warn().Err(err).Msg("Metrics server stopped")
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
