package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/clusterflow/internal/api"
	"github.com/flexinfer/clusterflow/internal/auth"
	"github.com/flexinfer/clusterflow/internal/callback"
	"github.com/flexinfer/clusterflow/internal/reporter"
)

func (a *app) serveCmd(ctx context.Context, args []string) error {
	fs := a.flagSet("serve")
	addr := fs.String("addr", ":"+a.cfg.Port, "listen address")
	var in reporter.ConfigInput
	var include string
	fs.StringVar(&in.Interval, "report-interval", "", "also send scheduled reports at this interval")
	fs.StringVar(&in.Cron, "report-cron", "", "also send scheduled reports on this cron schedule")
	fs.StringVar(&include, "report-include", "", "comma-separated report sections")
	fs.StringVar(&in.Partition, "report-partition", "", "partition for scheduled reports")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if include != "" {
		in.Include = strings.Split(include, ",")
	}

	logger := a.logger
	logger.Info("starting clusterflow server",
		slog.String("addr", *addr),
		slog.String("gateway", a.cfg.Gateway),
		slog.String("log_level", a.cfg.LogLevel),
	)

	gw, err := a.gateway()
	if err != nil {
		return err
	}

	store := a.runStore()
	defer store.Close()

	workflows := a.catalogStore(ctx)
	defer workflows.Close()

	db, err := a.openHistory(ctx)
	if err != nil {
		logger.Warn("job history unavailable", "error", err)
	}
	if db != nil {
		defer db.Close()
	}

	arch, err := a.openArchive(ctx)
	if err != nil {
		return err
	}

	sinks, err := a.notifySinks(ctx)
	if err != nil {
		return err
	}

	// Reports are built on demand; the schedule only runs when asked for.
	repIn := in
	if repIn.Interval == "" && repIn.Cron == "" {
		repIn.Interval = "1h"
	}
	repCfg, err := reporter.NewConfig(repIn)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	repCfg.Monitor = a.monitorConfig()
	repSinks := sinks
	if arch != nil {
		repSinks = append(append([]callback.Sink(nil), sinks...), callback.NewArchiveSink(arch, logger))
	}
	rep := reporter.New(gw, callback.Multi(repSinks...), repCfg, logger)
	if in.Interval != "" || in.Cron != "" {
		if err := rep.Start(ctx); err != nil {
			return err
		}
		defer rep.Stop()
		logger.Info("scheduled reports enabled", "schedule", repCfg.Expr)
	}

	opts := api.Options{
		Store:     store,
		Scheduler: a.scheduler(gw, callback.Multi(sinks...)),
		Gateway:   gw,
		Monitor:   a.monitorConfig(),
		Reporter:  rep,
		Archive:   arch,
		History:   db,
		Catalog:   workflows,
		Config:    a.cfg,
		Logger:    logger,
	}
	mws := []mux.MiddlewareFunc{a.tracer.Middleware}

	if a.cfg.RateLimitRPS > 0 {
		limiter := auth.NewPerIPRateLimiter(a.cfg.RateLimitRPS, a.cfg.RateLimitBurst, logger)
		go limiter.Run(ctx)
		mws = append(mws, limiter.Handler)
	}
	if a.cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   a.cfg.OIDCIssuer,
			ClientID: a.cfg.OIDCClientID,
		})
		if err != nil {
			return err
		}
		mws = append(mws, auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true}, logger).Handler)
		logger.Info("OIDC authentication enabled", slog.String("issuer", a.cfg.OIDCIssuer))
	}

	// Runs outlive their creating request but not the server.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()
	handlers := api.NewHandlers(runCtx, opts)
	server := api.NewServer(handlers, mws...)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      server.Router(),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	cancelRuns()
	handlers.Wait()

	logger.Info("server stopped")
	return nil
}
