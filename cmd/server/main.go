// Package main provides the entry point for the reelforge server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maauso/reelforge/internal/bootstrap"
	"github.com/maauso/reelforge/internal/config"
	"github.com/maauso/reelforge/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting reelforge",
		slog.Int("port", cfg.Port),
		slog.String("default_tier", cfg.DefaultTier),
		slog.Int("worker_pool_size", cfg.WorkerPoolSize),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("telegram_enabled", cfg.TelegramEnabled()),
	)
	logger.Debug("configuration", slog.String("config", cfg.String()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go deps.Jobs.RunSweeper(sweepCtx, cfg.SweepInterval, cfg.ResultRetention)

	routerCfg := server.DefaultConfig()
	routerCfg.Metrics = deps.MetricsHandler()
	router := server.NewRouter(deps.Handlers(cfg, logger), logger, routerCfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long enough for GET /jobs/{id}?wait= and synchronous fetches.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	stopSweeper()
	if err := deps.Jobs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs still running at shutdown were cancelled", slog.String("error", err.Error()))
	}

	logger.Info("server stopped gracefully")
	return nil
}
