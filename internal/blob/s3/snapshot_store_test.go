package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// memBlobs is an in-memory bucket.
type memBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.multipart++
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v)), LastModified: time.Now()})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func TestSnapshotStoreLatestPointer(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	s := NewSnapshotStore(blobs, blobs, "/ledger/snapshots/")

	_, _, err := s.Latest(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Save(ctx, 7, []byte(`{"seq":7}`))
	require.NoError(t, err)
	info, err := s.Save(ctx, 12, []byte(`{"seq":12}`))
	require.NoError(t, err)
	assert.Equal(t, "ledger/snapshots/00000000000000000012.json", info.Path)

	latest, data, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), latest.Seq)
	assert.JSONEq(t, `{"seq":12}`, string(data))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(7), list[0].Seq)
	assert.Equal(t, uint64(12), list[1].Seq)
	assert.Zero(t, blobs.multipart)
}

func TestSnapshotStorePruneKeepsNewest(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	s := NewSnapshotStore(blobs, blobs, "snaps")
	for seq := uint64(1); seq <= 5; seq++ {
		_, err := s.Save(ctx, seq, []byte(fmt.Sprintf(`{"seq":%d}`, seq)))
		require.NoError(t, err)
	}

	n, err := s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(4), list[0].Seq)
	assert.Equal(t, uint64(5), list[1].Seq)

	info, data, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), info.Seq)
	assert.JSONEq(t, `{"seq":5}`, string(data))

	n, err = s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSnapshotStoreUsesMultipartForLargeSnapshots(t *testing.T) {
	blobs := newMemBlobs()
	s := NewSnapshotStore(blobs, blobs, "")
	big := bytes.Repeat([]byte("x"), multipartThreshold+1)

	_, err := s.Save(context.Background(), 1, big)
	require.NoError(t, err)
	assert.Equal(t, 1, blobs.multipart)
	assert.Len(t, blobs.objects["snapshots/00000000000000000001.json"], len(big))
}

type sliceEvents struct{ events []domain.Event }

func (s *sliceEvents) Append(context.Context, []domain.Event) error { return nil }
func (s *sliceEvents) LastSeq(context.Context) (uint64, error) {
	return s.events[len(s.events)-1].Seq, nil
}
func (s *sliceEvents) Close() error { return nil }
func (s *sliceEvents) Since(_ context.Context, after uint64, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Seq > after && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

type recordingAudit struct{ entries []domain.AuditEntry }

func (r *recordingAudit) Log(_ context.Context, event, actor string, detail map[string]any) error {
	r.entries = append(r.entries, domain.AuditEntry{Event: event, Actor: actor, Detail: detail})
	return nil
}

func (r *recordingAudit) Recent(context.Context, int) ([]domain.AuditEntry, error) {
	return r.entries, nil
}

func TestArchiveRangeWritesJSONL(t *testing.T) {
	ctx := context.Background()
	src := &sliceEvents{}
	for seq := uint64(1); seq <= 2500; seq++ {
		src.events = append(src.events, domain.Event{Seq: seq, ID: uuid.New(), Kind: domain.EventOrderPlaced, Data: json.RawMessage(`{}`)})
	}
	blobs := newMemBlobs()
	audit := &recordingAudit{}
	a := NewEventArchiver(blobs, src, audit, "")

	n, err := a.ArchiveRange(ctx, 10, 2100)
	require.NoError(t, err)
	assert.Equal(t, 2090, n)

	raw := blobs.objects["archive/events/00000000000000000011-00000000000000002100.jsonl"]
	require.NotNil(t, raw)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2090)
	var first domain.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, uint64(11), first.Seq)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "archive.events", audit.entries[0].Event)

	n, err = a.ArchiveRange(ctx, 2500, 3000)
	require.NoError(t, err)
	assert.Zero(t, n)
}
