// Package main is the entry point for the clusterflow CLI and server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flexinfer/clusterflow/internal/config"
	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/internal/tracing"
)

const usage = `usage: clusterflow <command> [flags]

commands:
  run <workflow.yaml>   execute a workflow
  report                send scheduled cluster reports
  resources             show or wait for partition capacity
  jobs                  list jobs, or wait for jobs with --wait <id...>
  logs <job>            print a job's log (--last N, --follow)
  serve                 start the HTTP API
  history               show job history (recent | stats | workflow <name>)
`

// errFailed marks a command that ran but did not succeed; its details have
// already been printed.
var (
	errFailed = errors.New("command failed")
	errUsage  = errors.New("invalid usage")
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    cfg.OTELServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTELEndpoint,
		Enabled:        cfg.OTELEnabled,
		SampleRate:     1.0,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	a := &app{cfg: cfg, logger: logger, tracer: tp, out: os.Stdout}
	err = a.dispatch(ctx, os.Args[1], os.Args[2:])

	if serr := tp.Shutdown(context.WithoutCancel(ctx)); serr != nil {
		logger.Warn("tracing shutdown failed", "error", serr)
	}

	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errFailed):
		os.Exit(1)
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	default:
		logger.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	tracer *tracing.Provider
	out    io.Writer
	gw     gateway.Gateway
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "run":
		return a.runCmd(ctx, args)
	case "report":
		return a.reportCmd(ctx, args)
	case "resources":
		return a.resourcesCmd(ctx, args)
	case "jobs":
		return a.jobsCmd(ctx, args)
	case "logs":
		return a.logsCmd(ctx, args)
	case "serve":
		return a.serveCmd(ctx, args)
	case "history":
		return a.historyCmd(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
