package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)

// EventStore implements domain.EventStore on the ledger_events table.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts events in one batch. Rows whose seq already exists are
// skipped via ON CONFLICT DO NOTHING so a retried batch is harmless.
func (s *EventStore) Append(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	const query = `
		INSERT INTO ledger_events (seq, id, kind, occurred_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (seq) DO NOTHING`

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(query, int64(ev.Seq), ev.ID, string(ev.Kind), ev.Time, []byte(ev.Data))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, ev := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: append event %d: %w", ev.Seq, err)
		}
	}
	return nil
}

// Since returns events with seq > after in order.
func (s *EventStore) Since(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, kind, occurred_at, data
		FROM ledger_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: events since %d: %w", after, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev   domain.Event
			seq  int64
			kind string
			data []byte
		)
		if err := rows.Scan(&seq, &ev.ID, &kind, &ev.Time, &data); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.Kind = domain.EventKind(kind)
		ev.Data = data
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: events since %d rows: %w", after, err)
	}
	return out, nil
}

// LastSeq returns the highest stored seq.
func (s *EventStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("postgres: last seq: %w", err)
	}
	return uint64(seq), nil
}

// Close is a no-op; the pool is owned by Client.
func (s *EventStore) Close() error { return nil }
