package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/metrics"
)

// Archiver copies a stored event range to long-term storage.
type Archiver interface {
	ArchiveRange(ctx context.Context, after, upTo uint64) (int, error)
}

// SnapshotterConfig controls when snapshots are taken.
type SnapshotterConfig struct {
	Interval    time.Duration
	EveryEvents int
	// Keep bounds how many snapshots survive a periodic save; zero keeps
	// all of them.
	Keep int
}

// Snapshotter persists full ledger snapshots. It is the publisher's
// Checkpointer, so a snapshot lands before any event it covers is stored,
// and it also runs a periodic save that archives and prunes on a timer and
// after every EveryEvents stored events.
type Snapshotter struct {
	ledger    *LedgerService
	store     domain.SnapshotStore
	publisher *Publisher
	archiver  Archiver
	cfg       SnapshotterConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger

	trigger chan struct{}

	// saveMu serialises checkpoints. It is never held while calling into
	// the publisher, which takes it from inside Flush.
	saveMu  sync.Mutex
	lastSeq uint64

	archiveMu    sync.Mutex
	lastArchived uint64

	mu        sync.Mutex
	sinceLast int
}

// NewSnapshotter creates a Snapshotter. lastSeq is the seq of the snapshot
// the ledger was restored from. publisher and archiver may be nil.
func NewSnapshotter(
	ledger *LedgerService,
	store domain.SnapshotStore,
	publisher *Publisher,
	archiver Archiver,
	cfg SnapshotterConfig,
	lastSeq uint64,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Snapshotter {
	archived := lastSeq
	if publisher != nil {
		archived = publisher.Cursor()
	}
	return &Snapshotter{
		ledger:       ledger,
		store:        store,
		publisher:    publisher,
		archiver:     archiver,
		cfg:          cfg,
		metrics:      m,
		logger:       logger.With(slog.String("component", "snapshotter")),
		trigger:      make(chan struct{}, 1),
		lastSeq:      lastSeq,
		lastArchived: archived,
	}
}

// HandleEvents counts stored events and requests a snapshot once
// EveryEvents have accumulated.
func (s *Snapshotter) HandleEvents(_ context.Context, events []domain.Event) {
	if s.cfg.EveryEvents <= 0 {
		return
	}
	s.mu.Lock()
	s.sinceLast += len(events)
	due := s.sinceLast >= s.cfg.EveryEvents
	s.mu.Unlock()
	if due {
		select {
		case s.trigger <- struct{}{}:
		default:
		}
	}
}

// Run saves snapshots until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
		if _, err := s.Save(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "snapshot failed", slog.String("error", err.Error()))
		}
	}
}

// Checkpoint stores a snapshot of the current ledger state unless nothing
// changed since the previous one, and returns the seq the newest stored
// snapshot covers.
func (s *Snapshotter) Checkpoint(ctx context.Context) (uint64, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if s.ledger.LastSeq() == s.lastSeq {
		return s.lastSeq, nil
	}
	data, seq, err := s.ledger.Snapshot()
	if err != nil {
		s.metrics.SnapshotSaved(err)
		return 0, fmt.Errorf("snapshotter: %w", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	var info domain.SnapshotInfo
	err = backoff.Retry(func() error {
		var serr error
		info, serr = s.store.Save(ctx, seq, data)
		return serr
	}, b)
	s.metrics.SnapshotSaved(err)
	if err != nil {
		return 0, fmt.Errorf("snapshotter: save %d: %w", seq, err)
	}
	s.lastSeq = seq
	s.logger.DebugContext(ctx, "snapshot saved",
		slog.Uint64("seq", info.Seq),
		slog.String("path", info.Path),
		slog.Int64("bytes", info.Size),
	)
	return seq, nil
}

// Save checkpoints, flushes every covered event to the store, then archives
// the stored range and prunes old snapshots. It returns the snapshot seq.
func (s *Snapshotter) Save(ctx context.Context) (uint64, error) {
	seq, err := s.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}
	if s.publisher != nil {
		if err := s.publisher.Flush(ctx); err != nil {
			return 0, fmt.Errorf("snapshotter: flush after snapshot: %w", err)
		}
	}
	s.mu.Lock()
	s.sinceLast = 0
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "snapshot checkpoint", slog.Uint64("seq", seq))

	s.archive(ctx, seq)
	if s.cfg.Keep > 0 {
		n, err := s.store.Prune(ctx, s.cfg.Keep)
		if err != nil {
			s.logger.WarnContext(ctx, "snapshot prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.InfoContext(ctx, "snapshots pruned", slog.Int("count", n), slog.Int("keep", s.cfg.Keep))
		}
	}
	return seq, nil
}

func (s *Snapshotter) archive(ctx context.Context, seq uint64) {
	if s.archiver == nil || s.publisher == nil {
		return
	}
	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()

	upTo := min(seq, s.publisher.Cursor())
	if upTo <= s.lastArchived {
		return
	}
	n, err := s.archiver.ArchiveRange(ctx, s.lastArchived, upTo)
	if err != nil {
		s.logger.WarnContext(ctx, "event archive failed", slog.String("error", err.Error()))
		return
	}
	s.lastArchived = upTo
	s.logger.InfoContext(ctx, "events archived", slog.Int("count", n), slog.Uint64("up_to", upTo))
}

// ErrLogAhead reports an event log holding events newer than the latest
// snapshot; the state those events describe cannot be rebuilt.
var ErrLogAhead = errors.New("event log is ahead of the latest snapshot")

// Recover restores the newest snapshot into ledger and returns the seq the
// publisher should resume after: the newest stored event. Events the
// snapshot retained but the store never received stay in the ledger and are
// stored by the next flush. A store that holds events beyond the snapshot
// fails with ErrLogAhead.
func Recover(ctx context.Context, ledger *LedgerService, snapshots domain.SnapshotStore, events domain.EventStore, logger *slog.Logger) (uint64, error) {
	stored, err := events.LastSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	var snapSeq uint64
	if snapshots != nil {
		info, data, err := snapshots.Latest(ctx)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			logger.InfoContext(ctx, "no snapshot found, starting empty")
		case err != nil:
			return 0, fmt.Errorf("recover: latest snapshot: %w", err)
		default:
			if err := ledger.Restore(data); err != nil {
				return 0, fmt.Errorf("recover: restore snapshot %d: %w", info.Seq, err)
			}
			snapSeq = ledger.LastSeq()
			logger.InfoContext(ctx, "ledger restored",
				slog.Uint64("seq", snapSeq),
				slog.String("path", info.Path),
			)
		}
	}

	if stored > snapSeq {
		return 0, fmt.Errorf("recover: %w: snapshot seq %d, stored seq %d", ErrLogAhead, snapSeq, stored)
	}
	ledger.TrimEvents(stored)
	next := snapSeq + 1
	if pending := ledger.Events(stored); len(pending) > 0 {
		next = pending[0].Seq
		logger.InfoContext(ctx, "replaying events retained by the snapshot",
			slog.Uint64("from", next),
			slog.Uint64("to", snapSeq),
		)
	}
	if next != stored+1 {
		logger.WarnContext(ctx, "event log missing events covered by the snapshot",
			slog.Uint64("stored_seq", stored),
			slog.Uint64("first_retained", next),
			slog.Uint64("snapshot_seq", snapSeq),
		)
	}
	return stored, nil
}
