package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Compile-time interface check.
var _ domain.AuditStore = (*Store)(nil)

var auditPrefix = []byte("audit/")

// Log appends an audit entry under the next id.
func (s *Store) Log(_ context.Context, event, actor string, detail map[string]any) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	last, err := s.lastSeq(auditPrefix)
	if err != nil {
		return err
	}
	entry := domain.AuditEntry{
		ID:        int64(last + 1),
		Event:     event,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("badger: encode audit entry: %w", err)
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(seqKey(auditPrefix, last+1), val)
	})
	if err != nil {
		return fmt.Errorf("badger: log audit event %s: %w", event, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.AuditEntry
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{PrefetchValues: true, Reverse: true, Prefix: auditPrefix})
		defer it.Close()
		for it.Seek(seqKey(auditPrefix, ^uint64(0))); it.ValidForPrefix(auditPrefix) && len(out) < limit; it.Next() {
			var e domain.AuditEntry
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: recent audit entries: %w", err)
	}
	return out, nil
}
