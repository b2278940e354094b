// Package main runs the conductor: the operator API plus the River workers
// that drive instance workflows against one hypervisor host.
//
// Import Path: conductor.io/conductor/cmd/server
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/app"
	"conductor.io/conductor/internal/config"
	"conductor.io/conductor/internal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	log := logger.With(
		zap.String("hypervisor_driver", cfg.Hypervisor.Driver),
		zap.String("hypervisor_host", cfg.Hypervisor.Host),
	)
	log.Info("Starting conductor",
		zap.Int("port", cfg.Server.Port),
		zap.String("log_level", cfg.Log.Level),
		zap.Int("river_max_workers", cfg.River.MaxWorkers),
	)

	// River treats cancellation of its start context as a hard stop, so the
	// signal context only gates the wait below.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	// Any failure after bootstrap still releases the pools and database.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		application.Shutdown(shutdownCtx)
	}()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start river: %w", err)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      application.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info("Operator API listening", zap.String("addr", srv.Addr))

	select {
	case <-sigCtx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("operator api: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("operator api shutdown: %w", err)
	}
	log.Info("Operator API stopped")
	return nil
}
