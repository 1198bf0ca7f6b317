// Package badger persists the ledger event log, snapshots and audit trail
// in an embedded Badger key-value store. Keys are big-endian sequence
// numbers under a per-kind prefix, so iteration order is sequence order.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.EventStore    = (*Store)(nil)
	_ domain.SnapshotStore = (*Store)(nil)
)

var (
	eventPrefix    = []byte("ev/")
	snapshotPrefix = []byte("snap/")
)

// Options configures Open.
type Options struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
}

// Store implements domain.EventStore, domain.SnapshotStore and
// domain.AuditStore.
type Store struct {
	db      *badgerdb.DB
	auditMu sync.Mutex
}

// Open opens or creates the database.
func Open(opts Options) (*Store, error) {
	var bopts badgerdb.Options
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Dir) == "" {
			return nil, errors.New("badger: dir is required")
		}
		bopts = badgerdb.DefaultOptions(opts.Dir).WithSyncWrites(opts.SyncWrites)
	}
	db, err := badgerdb.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func seqKey(prefix []byte, seq uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], seq)
	return k
}

func keySeq(prefix, k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(prefix):])
}

// Append writes events, skipping any seq already present.
func (s *Store) Append(_ context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	last, err := s.lastSeq(eventPrefix)
	if err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	for _, ev := range events {
		if ev.Seq <= last {
			continue
		}
		val, err := json.Marshal(ev)
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("badger: encode event %d: %w", ev.Seq, err)
		}
		if err := wb.Set(seqKey(eventPrefix, ev.Seq), val); err != nil {
			wb.Cancel()
			return fmt.Errorf("badger: append event %d: %w", ev.Seq, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger: flush events: %w", err)
	}
	return nil
}

// Since returns up to limit events with Seq > after.
func (s *Store) Since(_ context.Context, after uint64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	var out []domain.Event
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: eventPrefix})
		defer it.Close()
		for it.Seek(seqKey(eventPrefix, after+1)); it.ValidForPrefix(eventPrefix) && len(out) < limit; it.Next() {
			var ev domain.Event
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ev) }); err != nil {
				return fmt.Errorf("decode event %d: %w", keySeq(eventPrefix, it.Item().Key()), err)
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: events since %d: %w", after, err)
	}
	return out, nil
}

// LastSeq returns the highest stored event seq.
func (s *Store) LastSeq(_ context.Context) (uint64, error) {
	return s.lastSeq(eventPrefix)
}

func (s *Store) lastSeq(prefix []byte) (uint64, error) {
	var seq uint64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Reverse: true, Prefix: prefix})
		defer it.Close()
		// Seeking past the largest possible key lands on the last one.
		it.Seek(seqKey(prefix, ^uint64(0)))
		if it.ValidForPrefix(prefix) {
			seq = keySeq(prefix, it.Item().Key())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger: last seq: %w", err)
	}
	return seq, nil
}

type snapshotMeta struct {
	CreatedAt time.Time `json:"created_at"`
	Data      []byte    `json:"data"`
}

// Save stores a snapshot under its seq.
func (s *Store) Save(_ context.Context, seq uint64, data []byte) (domain.SnapshotInfo, error) {
	now := time.Now().UTC()
	val, err := json.Marshal(snapshotMeta{CreatedAt: now, Data: data})
	if err != nil {
		return domain.SnapshotInfo{}, fmt.Errorf("badger: encode snapshot: %w", err)
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(seqKey(snapshotPrefix, seq), val)
	})
	if err != nil {
		return domain.SnapshotInfo{}, fmt.Errorf("badger: save snapshot %d: %w", seq, err)
	}
	return domain.SnapshotInfo{Seq: seq, Path: snapshotPath(seq), Size: int64(len(data)), CreatedAt: now}, nil
}

// Latest returns the snapshot with the highest seq.
func (s *Store) Latest(_ context.Context) (domain.SnapshotInfo, []byte, error) {
	seq, err := s.lastSeq(snapshotPrefix)
	if err != nil {
		return domain.SnapshotInfo{}, nil, err
	}
	var meta snapshotMeta
	err = s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(seqKey(snapshotPrefix, seq))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) })
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return domain.SnapshotInfo{}, nil, fmt.Errorf("badger: latest snapshot: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.SnapshotInfo{}, nil, fmt.Errorf("badger: latest snapshot: %w", err)
	}
	info := domain.SnapshotInfo{Seq: seq, Path: snapshotPath(seq), Size: int64(len(meta.Data)), CreatedAt: meta.CreatedAt}
	return info, meta.Data, nil
}

// List returns every stored snapshot, oldest first.
func (s *Store) List(_ context.Context) ([]domain.SnapshotInfo, error) {
	var out []domain.SnapshotInfo
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{PrefetchValues: true, Prefix: snapshotPrefix})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(snapshotPrefix); it.Next() {
			seq := keySeq(snapshotPrefix, it.Item().Key())
			var meta snapshotMeta
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
				return fmt.Errorf("decode snapshot %d: %w", seq, err)
			}
			out = append(out, domain.SnapshotInfo{
				Seq: seq, Path: snapshotPath(seq), Size: int64(len(meta.Data)), CreatedAt: meta.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list snapshots: %w", err)
	}
	return out, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(all) <= keep {
		return 0, nil
	}
	old := all[:len(all)-keep]
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		for _, info := range old {
			if err := txn.Delete(seqKey(snapshotPrefix, info.Seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger: prune snapshots: %w", err)
	}
	return len(old), nil
}

func snapshotPath(seq uint64) string { return fmt.Sprintf("badger:snap/%d", seq) }
