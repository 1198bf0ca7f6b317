package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// QuoteCache implements domain.QuoteCache. Each quote is a hash at
// "quote:{key}" with fields "prices" (JSON array of decimal strings), "seq"
// and "ts" (Unix nanoseconds).
type QuoteCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache. A zero ttl keeps quotes until
// overwritten.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(key string) string {
	return "quote:" + key
}

// SetQuote stores q, replacing any previous quote for q.Key.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	prices, err := json.Marshal(q.Prices)
	if err != nil {
		return fmt.Errorf("redis: encode quote %s: %w", q.Key, err)
	}
	key := quoteKey(q.Key)
	pipe := qc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"prices": string(prices),
		"seq":    strconv.FormatUint(q.Seq, 10),
		"ts":     strconv.FormatInt(q.UpdatedAt.UnixNano(), 10),
	})
	if qc.ttl > 0 {
		pipe.Expire(ctx, key, qc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Key, err)
	}
	return nil
}

// GetQuote returns domain.ErrNotFound when no quote is cached for key.
func (qc *QuoteCache) GetQuote(ctx context.Context, key string) (domain.Quote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(key)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", key, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}

	q := domain.Quote{Key: key}
	if err := json.Unmarshal([]byte(vals["prices"]), &q.Prices); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote prices %s: %w", key, err)
	}
	if q.Seq, err = strconv.ParseUint(vals["seq"], 10, 64); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote seq %s: %w", key, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote ts %s: %w", key, err)
	}
	q.UpdatedAt = time.Unix(0, tsNano).UTC()
	return q, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
