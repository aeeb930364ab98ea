// Package main provides the tumblr-dump CLI.
//
// Usage:
//
//	tumblr-dump [global options] drain --blog NAME [--out FILE] [--format jsonl|msgpack]
//	tumblr-dump [global options] info --blog NAME
//
// Configuration is read from TUMBLR_DUMP_CONFIG (YAML) and TUMBLR_DUMP_*
// environment variables; global flags override both.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/Sternrassler/tumblr-dumper/pkg/config"
	"github.com/Sternrassler/tumblr-dumper/pkg/logging"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(os.Stdout, os.Stderr)
	app.ExitErrHandler = exitErrHandler

	if err := app.RunContext(ctx, os.Args); err != nil {
		stop()
		os.Exit(1)
	}
}

// exitErrHandler prints the failure and exits with the error's code, or 1.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		fmt.Fprintln(os.Stderr, exitCoder.Error())
		os.Exit(exitCoder.ExitCode())
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// app carries the state shared by every command.
type app struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
	logger zerolog.Logger
}

func newApp(stdout, stderr io.Writer) *cli.App {
	a := &app{stdout: stdout, stderr: stderr}

	return &cli.App{
		Name:      "tumblr-dump",
		Usage:     "Drain every post of a Tumblr blog",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     globalFlags(),
		Before:    a.before,
		Commands: []*cli.Command{
			drainCommand(a),
			infoCommand(a),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "api-key", Usage: "Tumblr consumer key"},
		&cli.StringFlag{Name: "base-url", Usage: "API origin"},
		&cli.StringFlag{Name: "proxy", Usage: "HTTP proxy URL"},
		&cli.DurationFlag{Name: "timeout", Usage: "Per-request timeout"},
		&cli.StringFlag{Name: "redis-url", Usage: "Redis URL for the blog-info cache and quota state"},
		&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn, error, disabled"},
		&cli.BoolFlag{Name: "log-pretty", Usage: "Human-readable logs"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address"},
	}
}

// before loads the configuration, applies global flags and sets up logging.
func (a *app) before(c *cli.Context) error {
	cfg, err := config.Load(c.Context)
	if err != nil {
		return err
	}

	if c.IsSet("api-key") {
		cfg.APIKey = c.String("api-key")
	}
	if c.IsSet("base-url") {
		cfg.BaseURL = c.String("base-url")
	}
	if c.IsSet("proxy") {
		cfg.Proxy = c.String("proxy")
	}
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.IsSet("redis-url") {
		cfg.RedisURL = c.String("redis-url")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-pretty") {
		cfg.LogPretty = c.Bool("log-pretty")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := cfg.Logging()
	logCfg.Output = a.stderr
	logging.Setup(logCfg)

	a.cfg = cfg
	a.logger = logging.NewLogger("cli")
	return nil
}
