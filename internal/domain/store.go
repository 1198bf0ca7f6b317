package domain

import (
	"context"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CollateralAsset is the external settlement asset the ledger custodies.
// The ledger pulls with TransferFrom against an allowance granted to its
// own account and pays out with Transfer.
type CollateralAsset interface {
	BalanceOf(account common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

// EventStore persists the ledger event log.
type EventStore interface {
	// Append writes events in order. Events with a Seq already stored are
	// skipped so retried batches are idempotent.
	Append(ctx context.Context, events []Event) error
	// Since returns up to limit events with Seq > after, oldest first.
	Since(ctx context.Context, after uint64, limit int) ([]Event, error)
	// LastSeq returns the highest stored Seq, zero when empty.
	LastSeq(ctx context.Context) (uint64, error)
	Close() error
}

// SnapshotInfo describes a stored ledger snapshot.
type SnapshotInfo struct {
	Seq       uint64
	Path      string
	Size      int64
	CreatedAt time.Time
}

// SnapshotStore persists full ledger snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, seq uint64, data []byte) (SnapshotInfo, error)
	// Latest returns the most recent snapshot or ErrNotFound.
	Latest(ctx context.Context) (SnapshotInfo, []byte, error)
	List(ctx context.Context) ([]SnapshotInfo, error)
	// Prune deletes all but the newest keep snapshots and returns how many
	// were removed. keep <= 0 keeps everything.
	Prune(ctx context.Context, keep int) (int, error)
}

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
	Delete(ctx context.Context, path string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// AuditEntry records a privileged operation.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore keeps an append-only trail of privileged operations.
type AuditStore interface {
	Log(ctx context.Context, event, actor string, detail map[string]any) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
}
