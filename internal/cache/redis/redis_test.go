package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// These tests need a live server: POLYLEDGER_TEST_REDIS_ADDR=localhost:6379.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("POLYLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POLYLEDGER_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func uniq(prefix string) string { return prefix + ":" + uuid.NewString() }

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager(testClient(t))
	key := uniq("test")

	l, err := lm.Acquire(ctx, key, time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, key, time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	require.NoError(t, l.Renew(ctx))
	l.Release()
	l.Release()

	require.ErrorIs(t, l.Renew(ctx), domain.ErrLockHeld)

	l2, err := lm.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	l2.Release()
}

func TestRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(testClient(t))
	key := uniq("test")

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuoteCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	qc := NewQuoteCache(testClient(t), time.Minute)
	key := uniq("market")

	_, err := qc.GetQuote(ctx, key)
	require.ErrorIs(t, err, domain.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, qc.SetQuote(ctx, domain.Quote{Key: key, Prices: []string{"0.25", "0.75"}, Seq: 42, UpdatedAt: now}))

	q, err := qc.GetQuote(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.25", "0.75"}, q.Prices)
	assert.Equal(t, uint64(42), q.Seq)
	assert.True(t, now.Equal(q.UpdatedAt))
}

func TestStreamAppendAndRead(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(testClient(t), 100)
	stream := uniq("stream")

	msgs, err := bus.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, stream, []byte("a")))
	require.NoError(t, bus.StreamAppend(ctx, stream, []byte("b")))

	msgs, err = bus.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, stream, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", string(rest[0].Payload))
}
