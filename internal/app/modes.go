package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/server"
	"github.com/alanyoungcy/polyledger/internal/server/handler"
	"github.com/alanyoungcy/polyledger/internal/server/ws"
	"github.com/alanyoungcy/polyledger/internal/service"
)

// shutdownTimeout bounds the final flush, snapshot and HTTP drain.
const shutdownTimeout = 30 * time.Second

// ServeMode recovers the ledger and runs the publisher, snapshotter,
// notifier and API server until ctx is cancelled. On the way out it flushes
// every committed event and writes a final snapshot.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	logger := a.logger

	// With redis available, hold the writer lease so two processes never
	// serve the same ledger.
	var lease domain.Lease
	if deps.Locks != nil {
		l, err := deps.Locks.Acquire(ctx, a.cfg.Redis.LeaseKey, a.cfg.Redis.LeaseTTL.Duration)
		if err != nil {
			return fmt.Errorf("serve: acquire writer lease: %w", err)
		}
		lease = l
		defer lease.Release()
		logger.InfoContext(ctx, "writer lease acquired", slog.String("key", a.cfg.Redis.LeaseKey))
	}

	eng, _, err := NewEngine(a.cfg)
	if err != nil {
		return fmt.Errorf("serve: build engine: %w", err)
	}
	svc := service.NewLedgerService(eng, deps.Audit, deps.Quotes, deps.Metrics, logger)
	if deps.Notifier.Enabled() {
		svc.WithAlerter(deps.Notifier)
	}

	var snapshots domain.SnapshotStore
	if a.cfg.Snapshot.RestoreOnStart {
		snapshots = deps.Snapshots
	}
	cursor, err := service.Recover(ctx, svc, snapshots, deps.Events, logger)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	if err := svc.Audit(); err != nil {
		return fmt.Errorf("serve: restored ledger fails audit: %w", err)
	}

	publisher := service.NewPublisher(svc, deps.Events, deps.Bus, service.PublisherConfig{
		Interval:   a.cfg.Publisher.Interval.Duration,
		BatchSize:  a.cfg.Publisher.BatchSize,
		MaxElapsed: a.cfg.Publisher.MaxElapsed.Duration,
		Channel:    a.cfg.Publisher.Channel,
		Stream:     a.cfg.Publisher.Stream,
	}, cursor, deps.Metrics, logger)

	snapshotter := service.NewSnapshotter(svc, deps.Snapshots, publisher, deps.Archiver, service.SnapshotterConfig{
		Interval:    a.cfg.Snapshot.Interval.Duration,
		EveryEvents: int(a.cfg.Snapshot.EveryEvents),
		Keep:        a.cfg.Snapshot.Keep,
	}, svc.LastSeq(), deps.Metrics, logger)
	publisher.SetCheckpointer(snapshotter)
	publisher.AddSink(snapshotter)
	if deps.Notifier.Enabled() {
		publisher.AddSink(deps.Notifier)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return snapshotter.Run(gctx) })
	if deps.Notifier.Enabled() {
		g.Go(func() error { return deps.Notifier.Run(gctx) })
	}
	if lease != nil {
		g.Go(func() error { return renewLease(gctx, lease, a.cfg.Redis.LeaseTTL.Duration, logger) })
	}

	if a.cfg.Server.Enabled {
		hub := ws.NewHub(deps.Bus, ws.Config{
			Channel:        a.cfg.Publisher.Channel,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		}, deps.Metrics, logger)
		if !hub.Relayed() {
			publisher.AddSink(hub)
		}
		g.Go(func() error { return hub.Run(gctx) })

		h := server.Handlers{
			Health:      handler.NewHealthHandler(svc, publisher.Cursor, deps.Checks, logger),
			Instruments: handler.NewInstrumentHandler(svc, logger),
			Markets:     handler.NewMarketHandler(svc, logger),
			Orders:      handler.NewOrderHandler(svc, logger),
			Settlement:  handler.NewSettlementHandler(svc, logger),
			Audit:       handler.NewAuditHandler(svc, deps.Events, logger),
		}
		if a.cfg.Server.MetricsEnabled {
			h.Metrics = deps.Metrics.Handler()
		}
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKeys:     a.cfg.Server.APIKeys,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		}, h, hub, deps.Limiter, logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	logger.InfoContext(ctx, "ledger serving",
		slog.Uint64("seq", svc.LastSeq()),
		slog.String("storage", a.cfg.Storage.Backend),
		slog.Bool("server", a.cfg.Server.Enabled),
	)
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// The lease may already be lost; a final snapshot is still safe because
	// it only ever moves forward from what this process committed.
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if seq, err := snapshotter.Save(sctx); err != nil {
		logger.ErrorContext(sctx, "final snapshot failed", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	} else {
		logger.InfoContext(sctx, "final snapshot written", slog.Uint64("seq", seq))
	}
	return runErr
}

// renewLease extends the writer lease every third of its TTL. Losing it is
// fatal: another process may now be writing.
func renewLease(ctx context.Context, lease domain.Lease, ttl time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := lease.Renew(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.ErrorContext(ctx, "writer lease lost", slog.String("error", err.Error()))
				return fmt.Errorf("serve: renew writer lease: %w", err)
			}
		}
	}
}

// AuditReport is the outcome of an offline audit.
type AuditReport struct {
	SnapshotSeq uint64
	StoredSeq   uint64
	Path        string
	Err         error
}

// AuditMode restores the newest snapshot into a fresh engine and checks
// every ledger invariant without serving anything.
func (a *App) AuditMode(ctx context.Context, deps *Dependencies) (AuditReport, error) {
	eng, _, err := NewEngine(a.cfg)
	if err != nil {
		return AuditReport{}, fmt.Errorf("audit: build engine: %w", err)
	}
	svc := service.NewLedgerService(eng, nil, nil, nil, a.logger)

	var report AuditReport
	if report.StoredSeq, err = deps.Events.LastSeq(ctx); err != nil {
		return AuditReport{}, fmt.Errorf("audit: %w", err)
	}
	info, data, err := deps.Snapshots.Latest(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.logger.InfoContext(ctx, "no snapshot found, auditing the genesis state")
	case err != nil:
		return AuditReport{}, fmt.Errorf("audit: latest snapshot: %w", err)
	default:
		if err := svc.Restore(data); err != nil {
			return AuditReport{}, fmt.Errorf("audit: restore snapshot %d: %w", info.Seq, err)
		}
		report.SnapshotSeq, report.Path = svc.LastSeq(), info.Path
	}
	report.Err = svc.Audit()
	return report, nil
}
