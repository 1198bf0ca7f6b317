package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore implements domain.SnapshotStore on the ledger_snapshots
// table. It is used when object storage is not configured.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Save upserts the snapshot for seq.
func (s *SnapshotStore) Save(ctx context.Context, seq uint64, data []byte) (domain.SnapshotInfo, error) {
	info := domain.SnapshotInfo{Seq: seq, Path: snapshotPath(seq), Size: int64(len(data))}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ledger_snapshots (seq, data) VALUES ($1, $2)
		ON CONFLICT (seq) DO UPDATE SET data = EXCLUDED.data, created_at = NOW()
		RETURNING created_at`, int64(seq), data).Scan(&info.CreatedAt)
	if err != nil {
		return domain.SnapshotInfo{}, fmt.Errorf("postgres: save snapshot %d: %w", seq, err)
	}
	return info, nil
}

// Latest returns the newest snapshot or domain.ErrNotFound.
func (s *SnapshotStore) Latest(ctx context.Context) (domain.SnapshotInfo, []byte, error) {
	var (
		seq  int64
		data []byte
		info domain.SnapshotInfo
	)
	err := s.pool.QueryRow(ctx,
		`SELECT seq, data, created_at FROM ledger_snapshots ORDER BY seq DESC LIMIT 1`).
		Scan(&seq, &data, &info.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SnapshotInfo{}, nil, fmt.Errorf("postgres: latest snapshot: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.SnapshotInfo{}, nil, fmt.Errorf("postgres: latest snapshot: %w", err)
	}
	info.Seq = uint64(seq)
	info.Path = snapshotPath(info.Seq)
	info.Size = int64(len(data))
	return info, data, nil
}

// List returns snapshot metadata, oldest first.
func (s *SnapshotStore) List(ctx context.Context) ([]domain.SnapshotInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, octet_length(data), created_at FROM ledger_snapshots ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.SnapshotInfo
	for rows.Next() {
		var (
			seq  int64
			info domain.SnapshotInfo
		)
		if err := rows.Scan(&seq, &info.Size, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		info.Seq = uint64(seq)
		info.Path = snapshotPath(info.Seq)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list snapshots rows: %w", err)
	}
	return out, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM ledger_snapshots WHERE seq < (
			SELECT MIN(seq) FROM (
				SELECT seq FROM ledger_snapshots ORDER BY seq DESC LIMIT $1
			) AS newest
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func snapshotPath(seq uint64) string { return fmt.Sprintf("postgres:ledger_snapshots/%d", seq) }
