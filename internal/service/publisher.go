package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/metrics"
)

// EventSink receives every durably stored event batch in order.
type EventSink interface {
	HandleEvents(ctx context.Context, events []domain.Event)
}

// Checkpointer makes the ledger state durable and returns the seq it
// covers. The publisher never stores events past that seq, so the event log
// cannot run ahead of the newest snapshot.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (uint64, error)
}

// PublisherConfig tunes the outbox loop.
type PublisherConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxElapsed time.Duration
	Channel    string
	Stream     string
}

// Publisher drains committed events from the ledger into the event store,
// then fans them out to the bus and the registered sinks. Events are
// released from engine memory only once stored, so a store outage delays
// but never drops them.
type Publisher struct {
	ledger  *LedgerService
	store   domain.EventStore
	bus     domain.EventBus
	cfg     PublisherConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	cursor     uint64
	sinks      []EventSink
	checkpoint Checkpointer
}

// NewPublisher creates a Publisher resuming after cursor. bus may be nil.
func NewPublisher(
	ledger *LedgerService,
	store domain.EventStore,
	bus domain.EventBus,
	cfg PublisherConfig,
	cursor uint64,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Publisher{
		ledger:  ledger,
		store:   store,
		bus:     bus,
		cfg:     cfg,
		cursor:  cursor,
		metrics: m,
		logger:  logger.With(slog.String("component", "publisher")),
	}
}

// AddSink registers s. Must be called before Run.
func (p *Publisher) AddSink(s EventSink) {
	p.sinks = append(p.sinks, s)
}

// SetCheckpointer makes every flush checkpoint before storing events. Must
// be called before Run.
func (p *Publisher) SetCheckpointer(c Checkpointer) {
	p.checkpoint = c
}

// Cursor returns the seq of the newest stored event.
func (p *Publisher) Cursor() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Run flushes on every ledger signal and on a ticker until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "publisher started", slog.Uint64("cursor", p.Cursor()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.ledger.Pending():
		case <-ticker.C:
		}
		if err := p.Flush(ctx); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "flush failed", slog.String("error", err.Error()))
		}
	}
}

// Flush stores and fans out every event after the cursor. With a
// checkpointer set it first checkpoints, then stores only the events the
// checkpoint covers.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ledger.LastSeq() <= p.cursor {
		return nil
	}
	limit := uint64(math.MaxUint64)
	if p.checkpoint != nil {
		seq, err := p.checkpoint.Checkpoint(ctx)
		if err != nil {
			return fmt.Errorf("publisher: checkpoint: %w", err)
		}
		limit = seq
	}

	for {
		pending := p.ledger.Events(p.cursor)
		n := 0
		for n < len(pending) && n < p.cfg.BatchSize && pending[n].Seq <= limit {
			n++
		}
		if n == 0 {
			return nil
		}
		batch := pending[:n]
		if err := p.appendWithRetry(ctx, batch); err != nil {
			return fmt.Errorf("publisher: store events %d..%d: %w", batch[0].Seq, batch[len(batch)-1].Seq, err)
		}
		last := batch[len(batch)-1].Seq
		p.cursor = last
		p.ledger.TrimEvents(last)
		p.metrics.Published(len(batch))

		p.fanOut(ctx, batch)
	}
}

func (p *Publisher) appendWithRetry(ctx context.Context, batch []domain.Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = p.cfg.MaxElapsed

	op := func() error { return p.store.Append(ctx, batch) }
	notify := func(err error, wait time.Duration) {
		p.metrics.PublishFailed()
		p.logger.WarnContext(ctx, "event store append failed, retrying",
			slog.Uint64("first_seq", batch[0].Seq),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func (p *Publisher) fanOut(ctx context.Context, batch []domain.Event) {
	if p.bus != nil {
		for _, ev := range batch {
			payload, err := json.Marshal(ev)
			if err != nil {
				p.logger.ErrorContext(ctx, "encode event", slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
				continue
			}
			if p.cfg.Stream != "" {
				if err := p.bus.StreamAppend(ctx, p.cfg.Stream, payload); err != nil {
					p.metrics.PublishFailed()
					p.logger.WarnContext(ctx, "stream append failed", slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
				}
			}
			if p.cfg.Channel != "" {
				if err := p.bus.Publish(ctx, p.cfg.Channel, payload); err != nil {
					p.metrics.PublishFailed()
					p.logger.WarnContext(ctx, "publish failed", slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
				}
			}
		}
	}
	for _, s := range p.sinks {
		s.HandleEvents(ctx, batch)
	}
}
