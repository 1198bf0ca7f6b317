package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// multipartThreshold is the snapshot size above which uploads go through the
// multipart manager.
const multipartThreshold = 16 * 1024 * 1024

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore implements domain.SnapshotStore as one object per snapshot at
// <prefix>/<seq>.json plus a <prefix>/latest pointer object.
type SnapshotStore struct {
	w      domain.BlobWriter
	r      domain.BlobReader
	prefix string
}

// NewSnapshotStore returns a store writing under prefix ("snapshots" when
// empty).
func NewSnapshotStore(w domain.BlobWriter, r domain.BlobReader, prefix string) *SnapshotStore {
	if strings.Trim(prefix, "/") == "" {
		prefix = "snapshots"
	}
	return &SnapshotStore{w: w, r: r, prefix: strings.Trim(prefix, "/")}
}

type latestPointer struct {
	Seq       uint64    `json:"seq"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *SnapshotStore) snapshotKey(seq uint64) string {
	return joinKey(s.prefix, fmt.Sprintf("%020d.json", seq))
}

// Save uploads the snapshot, then moves the latest pointer to it.
func (s *SnapshotStore) Save(ctx context.Context, seq uint64, data []byte) (domain.SnapshotInfo, error) {
	key := s.snapshotKey(seq)
	var err error
	if len(data) > multipartThreshold {
		err = s.w.PutMultipart(ctx, key, bytes.NewReader(data), minPartSize)
	} else {
		err = s.w.Put(ctx, key, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return domain.SnapshotInfo{}, fmt.Errorf("s3blob: save snapshot %d: %w", seq, err)
	}

	ptr := latestPointer{Seq: seq, Path: key, Size: int64(len(data)), CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(ptr)
	if err != nil {
		return domain.SnapshotInfo{}, fmt.Errorf("s3blob: encode latest pointer: %w", err)
	}
	if err := s.w.Put(ctx, joinKey(s.prefix, "latest"), bytes.NewReader(raw), "application/json"); err != nil {
		return domain.SnapshotInfo{}, fmt.Errorf("s3blob: update latest pointer: %w", err)
	}
	return domain.SnapshotInfo(ptr), nil
}

// Latest follows the latest pointer. It returns domain.ErrNotFound when no
// snapshot has been saved.
func (s *SnapshotStore) Latest(ctx context.Context) (domain.SnapshotInfo, []byte, error) {
	raw, err := s.read(ctx, joinKey(s.prefix, "latest"))
	if err != nil {
		return domain.SnapshotInfo{}, nil, fmt.Errorf("s3blob: latest snapshot: %w", err)
	}
	var ptr latestPointer
	if err := json.Unmarshal(raw, &ptr); err != nil {
		return domain.SnapshotInfo{}, nil, fmt.Errorf("s3blob: decode latest pointer: %w", err)
	}
	data, err := s.read(ctx, ptr.Path)
	if err != nil {
		return domain.SnapshotInfo{}, nil, fmt.Errorf("s3blob: latest snapshot %d: %w", ptr.Seq, err)
	}
	return domain.SnapshotInfo(ptr), data, nil
}

// List returns every snapshot object under the prefix, oldest first.
func (s *SnapshotStore) List(ctx context.Context) ([]domain.SnapshotInfo, error) {
	blobs, err := s.r.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	var out []domain.SnapshotInfo
	for _, b := range blobs {
		name, ok := strings.CutSuffix(path.Base(b.Path), ".json")
		if !ok {
			continue
		}
		seq, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, domain.SnapshotInfo{Seq: seq, Path: b.Path, Size: b.Size, CreatedAt: b.LastModified})
	}
	slices.SortFunc(out, func(a, b domain.SnapshotInfo) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out, nil
}

// Prune deletes all but the newest keep snapshot objects. The latest
// pointer always targets the newest one, so it is never left dangling.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int, error) {
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
	n := 0
	for _, info := range all[:len(all)-keep] {
		if err := s.w.Delete(ctx, info.Path); err != nil {
			return n, fmt.Errorf("s3blob: prune snapshot %d: %w", info.Seq, err)
		}
		n++
	}
	return n, nil
}

func (s *SnapshotStore) read(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
