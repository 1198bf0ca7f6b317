package badger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func events(from, to uint64) []domain.Event {
	var out []domain.Event
	for seq := from; seq <= to; seq++ {
		out = append(out, domain.Event{
			Seq:  seq,
			ID:   uuid.New(),
			Kind: domain.EventOrderPlaced,
			Time: time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
			Data: json.RawMessage(`{"order":1}`),
		})
	}
	return out
}

func TestAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)

	batch := events(1, 5)
	require.NoError(t, s.Append(ctx, batch))
	require.NoError(t, s.Append(ctx, events(4, 7)))

	last, err = s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), last)

	got, err := s.Since(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 7)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	// the first write of seq 4 wins
	assert.Equal(t, batch[3].ID, got[3].ID)
	assert.JSONEq(t, `{"order":1}`, string(got[0].Data))
}

func TestSinceHonoursCursorAndLimit(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	require.NoError(t, s.Append(ctx, events(1, 300)))

	got, err := s.Since(ctx, 250, 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, uint64(251), got[0].Seq)

	got, err = s.Since(ctx, 300, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	_, _, err := s.Latest(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Save(ctx, 10, []byte(`{"seq":10}`))
	require.NoError(t, err)
	info, err := s.Save(ctx, 300, []byte(`{"seq":300}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(300), info.Seq)

	latest, data, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), latest.Seq)
	assert.Equal(t, `{"seq":300}`, string(data))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(10), list[0].Seq)

	// snapshots and events live under separate prefixes
	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestPruneSnapshots(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	for _, seq := range []uint64{3, 7, 12, 40} {
		_, err := s.Save(ctx, seq, []byte(`{}`))
		require.NoError(t, err)
	}

	n, err := s.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, uint64(7), list[0].Seq)

	latest, _, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), latest.Seq)

	n, err = s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAuditTrailNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Log(ctx, "market.resolve", "0xabc", map[string]any{"market": float64(i + 1)}))
	}
	got, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(5), got[0].ID)
	assert.Equal(t, float64(5), got[0].Detail["market"])
	assert.Equal(t, int64(3), got[2].ID)
}
