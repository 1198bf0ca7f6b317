// Package app provides the top-level application lifecycle for the ledger
// service. It wires stores, caches, blob storage, notifications and the
// engine together and runs the serve or audit mode.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyledger/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies and serves the ledger until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting ledger",
		slog.String("storage", a.cfg.Storage.Backend),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("s3", a.cfg.S3.Enabled),
		slog.String("log_level", a.cfg.Log.Level),
	)

	deps, err := a.wire(ctx)
	if err != nil {
		return err
	}
	return a.ServeMode(ctx, deps)
}

// Audit wires the stores and runs an offline invariant check.
func (a *App) Audit(ctx context.Context) (AuditReport, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return AuditReport{}, err
	}
	return a.AuditMode(ctx, deps)
}

func (a *App) wire(ctx context.Context) (*Dependencies, error) {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	return deps, nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
