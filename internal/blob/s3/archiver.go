package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const archivePageSize = 1000

// EventArchiver copies ranges of the persisted event log to object storage
// as newline-delimited JSON. Nothing is deleted from the event store.
type EventArchiver struct {
	writer domain.BlobWriter
	events domain.EventStore
	audit  domain.AuditStore
	prefix string
}

// NewEventArchiver returns an archiver writing under prefix ("archive" when
// empty). audit may be nil.
func NewEventArchiver(writer domain.BlobWriter, events domain.EventStore, audit domain.AuditStore, prefix string) *EventArchiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &EventArchiver{writer: writer, events: events, audit: audit, prefix: prefix}
}

// ArchiveRange uploads events with after < Seq <= upTo to
// <prefix>/events/<first>-<last>.jsonl and returns how many were written.
func (a *EventArchiver) ArchiveRange(ctx context.Context, after, upTo uint64) (int, error) {
	var (
		buf         bytes.Buffer
		first, last uint64
		count       int
	)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	cursor := after
	for cursor < upTo {
		page, err := a.events.Since(ctx, cursor, archivePageSize)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive events: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			if ev.Seq > upTo {
				break
			}
			if count == 0 {
				first = ev.Seq
			}
			if err := enc.Encode(ev); err != nil {
				return 0, fmt.Errorf("s3blob: archive event %d: %w", ev.Seq, err)
			}
			last = ev.Seq
			count++
		}
		cursor = page[len(page)-1].Seq
	}
	if count == 0 {
		return 0, nil
	}

	key := joinKey(a.prefix, fmt.Sprintf("events/%020d-%020d.jsonl", first, last))
	if err := a.writer.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
	}
	if a.audit != nil {
		detail := map[string]any{"path": key, "count": count, "first_seq": first, "last_seq": last}
		if err := a.audit.Log(ctx, "archive.events", "system", detail); err != nil {
			return count, fmt.Errorf("s3blob: archive events audit log: %w", err)
		}
	}
	return count, nil
}
