package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/curve"
	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/ledger"
	"github.com/alanyoungcy/polyledger/internal/metrics"
)

// LedgerService is the single writer in front of the engine. Every call
// takes one mutex, so the engine sees a strictly serial stream of
// operations. After a successful mutation it refreshes cached quotes,
// records privileged operations in the audit trail and wakes the publisher.
type LedgerService struct {
	mu     sync.Mutex
	engine *ledger.Engine

	audit   domain.AuditStore
	quotes  domain.QuoteCache
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger

	// pending has capacity one; a send means "new events exist".
	pending chan struct{}
}

// NewLedgerService wraps engine. audit, quotes and m may be nil.
func NewLedgerService(
	engine *ledger.Engine,
	audit domain.AuditStore,
	quotes domain.QuoteCache,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		engine:  engine,
		audit:   audit,
		quotes:  quotes,
		metrics: m,
		logger:  logger.With(slog.String("component", "ledger_service")),
		pending: make(chan struct{}, 1),
	}
}

// Alerter receives operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string)
}

// WithAlerter attaches an alert channel for invariant violations.
func (s *LedgerService) WithAlerter(a Alerter) *LedgerService {
	s.alerter = a
	return s
}

// Pending is signalled after every operation that emitted events.
func (s *LedgerService) Pending() <-chan struct{} { return s.pending }

// touch names what an operation changed so the matching quote is refreshed.
type touch struct {
	market domain.MarketID
	handle string
}

// auditRecord describes a privileged operation for the audit trail.
type auditRecord struct {
	event  string
	detail map[string]any
}

// mutate runs fn under the lock and performs the post-commit bookkeeping.
// The bookkeeping follows the event log rather than the error: an operation
// that committed and then failed (a payout after commit) still wakes the
// publisher and lands in the audit trail.
func (s *LedgerService) mutate(ctx context.Context, op string, caller common.Address, t touch, rec *auditRecord, fn func(e *ledger.Engine) error) error {
	start := time.Now()
	s.mu.Lock()
	before := s.engine.LastSeq()
	err := fn(s.engine)
	var (
		emitted []domain.Event
		quote   *domain.Quote
	)
	committed := s.engine.LastSeq() > before
	if committed {
		emitted = s.engine.Events(before)
		quote = s.quoteLocked(t)
		s.updateMarketGauges()
	}
	s.mu.Unlock()
	s.metrics.ObserveOp(op, start, err)

	if committed {
		s.afterCommit(ctx, caller, emitted, quote, rec)
	}
	if err != nil {
		kind := domain.ErrorKind(err)
		level := slog.LevelDebug
		if kind == "invariant_violation" || kind == "internal" {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "operation rejected",
			slog.String("op", op),
			slog.String("caller", caller.Hex()),
			slog.String("kind", kind),
			slog.Bool("committed", committed),
			slog.String("error", err.Error()),
		)
		if kind == "invariant_violation" && s.alerter != nil {
			s.alerter.Notify(ctx, kind, "Invariant violation in "+op, err.Error())
		}
		return err
	}
	return nil
}

func (s *LedgerService) afterCommit(ctx context.Context, caller common.Address, emitted []domain.Event, quote *domain.Quote, rec *auditRecord) {
	s.metrics.ObserveEvents(emitted)
	select {
	case s.pending <- struct{}{}:
	default:
	}
	if quote != nil && s.quotes != nil {
		if qerr := s.quotes.SetQuote(ctx, *quote); qerr != nil {
			s.logger.WarnContext(ctx, "quote cache update failed",
				slog.String("key", quote.Key),
				slog.String("error", qerr.Error()),
			)
		}
	}
	if rec != nil && s.audit != nil {
		if aerr := s.audit.Log(ctx, rec.event, caller.Hex(), rec.detail); aerr != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", rec.event),
				slog.String("error", aerr.Error()),
			)
		}
	}
}

// MarketQuoteKey and InstrumentQuoteKey name cached quotes.
func MarketQuoteKey(id domain.MarketID) string { return "market:" + strconv.FormatUint(uint64(id), 10) }

func InstrumentQuoteKey(handle string) string { return "instrument:" + handle }

func (s *LedgerService) quoteLocked(t touch) *domain.Quote {
	now := time.Now().UTC()
	switch {
	case t.market != 0:
		prices, err := s.engine.Prices(t.market)
		if err != nil {
			return nil
		}
		out := make([]string, len(prices))
		for i := range prices {
			out[i] = fp.Format(&prices[i])
		}
		return &domain.Quote{Key: MarketQuoteKey(t.market), Prices: out, Seq: s.engine.LastSeq(), UpdatedAt: now}
	case t.handle != "":
		p, err := s.engine.Price(t.handle)
		if err != nil {
			return nil
		}
		return &domain.Quote{Key: InstrumentQuoteKey(t.handle), Prices: []string{fp.Format(p)}, Seq: s.engine.LastSeq(), UpdatedAt: now}
	}
	return nil
}

func (s *LedgerService) updateMarketGauges() {
	if s.metrics == nil {
		return
	}
	for _, st := range []domain.MarketStatus{domain.MarketStatusOpen, domain.MarketStatusResolved, domain.MarketStatusCancelled} {
		s.metrics.SetMarkets(st, len(s.engine.Markets(st)))
	}
}

// read runs fn under the lock without any bookkeeping.
func (s *LedgerService) read(fn func(e *ledger.Engine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.engine)
}

// Instruments

func (s *LedgerService) RegisterInstrument(ctx context.Context, caller common.Address, handle string, cfg curve.Config) (inst domain.Instrument, err error) {
	err = s.mutate(ctx, "register", caller, touch{handle: handle}, nil, func(e *ledger.Engine) error {
		inst, err = e.Register(caller, handle, cfg)
		return err
	})
	return inst, err
}

func (s *LedgerService) BuyInstrument(ctx context.Context, caller common.Address, handle string, amount uint64, maxCost *uint256.Int) (tr domain.InstrumentTrade, err error) {
	err = s.mutate(ctx, "buy", caller, touch{handle: handle}, nil, func(e *ledger.Engine) error {
		tr, err = e.Buy(caller, handle, amount, maxCost)
		return err
	})
	return tr, err
}

func (s *LedgerService) SellInstrument(ctx context.Context, caller common.Address, handle string, amount uint64, minProceeds *uint256.Int) (tr domain.InstrumentTrade, err error) {
	err = s.mutate(ctx, "sell", caller, touch{handle: handle}, nil, func(e *ledger.Engine) error {
		tr, err = e.Sell(caller, handle, amount, minProceeds)
		return err
	})
	return tr, err
}

func (s *LedgerService) WithdrawFees(ctx context.Context, caller common.Address, handle string, to common.Address) (amount *uint256.Int, err error) {
	rec := &auditRecord{event: "instrument.withdraw_fees", detail: map[string]any{"handle": handle, "to": to.Hex()}}
	err = s.mutate(ctx, "withdraw_fees", caller, touch{}, rec, func(e *ledger.Engine) error {
		amount, err = e.WithdrawFees(caller, handle, to)
		if amount != nil {
			rec.detail["amount"] = fp.Format(amount)
		}
		return err
	})
	return amount, err
}

func (s *LedgerService) OverrideCurve(ctx context.Context, caller common.Address, handle string, cfg curve.Config) error {
	rec := &auditRecord{event: "instrument.override_curve", detail: map[string]any{
		"handle": handle, "kind": cfg.Kind.String(),
		"base_price": fp.Format(&cfg.BasePrice), "slope": fp.Format(&cfg.Slope),
	}}
	return s.mutate(ctx, "override_curve", caller, touch{handle: handle}, rec, func(e *ledger.Engine) error {
		return e.OverrideCurve(caller, handle, cfg)
	})
}

func (s *LedgerService) QuoteBuy(handle string, amount uint64) (q domain.InstrumentTrade, err error) {
	s.read(func(e *ledger.Engine) { q, err = e.QuoteBuy(handle, amount) })
	return q, err
}

func (s *LedgerService) QuoteSell(handle string, amount uint64) (q domain.InstrumentTrade, err error) {
	s.read(func(e *ledger.Engine) { q, err = e.QuoteSell(handle, amount) })
	return q, err
}

func (s *LedgerService) Instrument(handle string) (inst domain.Instrument, err error) {
	s.read(func(e *ledger.Engine) { inst, err = e.Instrument(handle) })
	return inst, err
}

func (s *LedgerService) Instruments() (out []domain.Instrument) {
	s.read(func(e *ledger.Engine) { out = e.Instruments() })
	return out
}

func (s *LedgerService) Holders(handle string) (out []ledger.Holding, err error) {
	s.read(func(e *ledger.Engine) { out, err = e.Holders(handle) })
	return out, err
}

// Markets

func (s *LedgerService) CreateMarket(ctx context.Context, caller common.Address, spec domain.MarketSpec) (m domain.Market, err error) {
	err = s.mutate(ctx, "create_market", caller, touch{}, nil, func(e *ledger.Engine) error {
		m, err = e.CreateMarket(caller, spec)
		return err
	})
	if err == nil && s.quotes != nil {
		// The market id is only known after creation.
		s.refreshQuote(ctx, touch{market: m.ID})
	}
	return m, err
}

func (s *LedgerService) refreshQuote(ctx context.Context, t touch) {
	var q *domain.Quote
	s.read(func(*ledger.Engine) { q = s.quoteLocked(t) })
	if q == nil {
		return
	}
	if err := s.quotes.SetQuote(ctx, *q); err != nil {
		s.logger.WarnContext(ctx, "quote cache update failed", slog.String("key", q.Key), slog.String("error", err.Error()))
	}
}

func (s *LedgerService) BuyOutcome(ctx context.Context, caller common.Address, id domain.MarketID, outcome int, amount, maxCost *uint256.Int) (tr domain.OutcomeTrade, err error) {
	err = s.mutate(ctx, "buy_outcome", caller, touch{market: id}, nil, func(e *ledger.Engine) error {
		tr, err = e.BuyOutcome(caller, id, outcome, amount, maxCost)
		return err
	})
	return tr, err
}

func (s *LedgerService) SellOutcome(ctx context.Context, caller common.Address, id domain.MarketID, outcome int, amount, minProceeds *uint256.Int) (tr domain.OutcomeTrade, err error) {
	err = s.mutate(ctx, "sell_outcome", caller, touch{market: id}, nil, func(e *ledger.Engine) error {
		tr, err = e.SellOutcome(caller, id, outcome, amount, minProceeds)
		return err
	})
	return tr, err
}

func (s *LedgerService) ResolveMarket(ctx context.Context, caller common.Address, id domain.MarketID, winner int) (m domain.Market, err error) {
	rec := &auditRecord{event: "market.resolve", detail: map[string]any{"market": uint64(id), "winner": winner}}
	err = s.mutate(ctx, "resolve_market", caller, touch{market: id}, rec, func(e *ledger.Engine) error {
		m, err = e.ResolveMarket(caller, id, winner)
		return err
	})
	return m, err
}

func (s *LedgerService) CancelMarket(ctx context.Context, caller common.Address, id domain.MarketID) (m domain.Market, err error) {
	rec := &auditRecord{event: "market.cancel", detail: map[string]any{"market": uint64(id)}}
	err = s.mutate(ctx, "cancel_market", caller, touch{market: id}, rec, func(e *ledger.Engine) error {
		m, err = e.CancelMarket(caller, id)
		if m.ID != 0 {
			rec.detail["refund_dust"] = fp.Format(&m.RefundDust)
		}
		return err
	})
	return m, err
}

func (s *LedgerService) Claim(ctx context.Context, caller common.Address, id domain.MarketID) (amount *uint256.Int, err error) {
	err = s.mutate(ctx, "claim", caller, touch{}, nil, func(e *ledger.Engine) error {
		amount, err = e.Claim(caller, id)
		return err
	})
	return amount, err
}

func (s *LedgerService) WithdrawLiquidity(ctx context.Context, caller common.Address, id domain.MarketID) (amount *uint256.Int, err error) {
	rec := &auditRecord{event: "market.withdraw_liquidity", detail: map[string]any{"market": uint64(id)}}
	err = s.mutate(ctx, "withdraw_liquidity", caller, touch{}, rec, func(e *ledger.Engine) error {
		amount, err = e.WithdrawLiquidity(caller, id)
		if amount != nil {
			rec.detail["amount"] = fp.Format(amount)
		}
		return err
	})
	return amount, err
}

func (s *LedgerService) WithdrawCreatorFees(ctx context.Context, caller common.Address, id domain.MarketID) (amount *uint256.Int, err error) {
	rec := &auditRecord{event: "market.withdraw_creator_fees", detail: map[string]any{"market": uint64(id)}}
	err = s.mutate(ctx, "withdraw_creator_fees", caller, touch{}, rec, func(e *ledger.Engine) error {
		amount, err = e.WithdrawCreatorFees(caller, id)
		if amount != nil {
			rec.detail["amount"] = fp.Format(amount)
		}
		return err
	})
	return amount, err
}

func (s *LedgerService) QuoteOutcome(id domain.MarketID, outcome int, side domain.OrderSide, amount *uint256.Int) (q domain.OutcomeTrade, err error) {
	s.read(func(e *ledger.Engine) { q, err = e.QuoteOutcome(id, outcome, side, amount) })
	return q, err
}

func (s *LedgerService) Prices(id domain.MarketID) (p []uint256.Int, err error) {
	s.read(func(e *ledger.Engine) { p, err = e.Prices(id) })
	return p, err
}

func (s *LedgerService) Market(id domain.MarketID) (m domain.Market, err error) {
	s.read(func(e *ledger.Engine) { m, err = e.Market(id) })
	return m, err
}

// Markets lists markets in status; an empty status lists all of them.
func (s *LedgerService) Markets(status domain.MarketStatus) (out []domain.Market) {
	s.read(func(e *ledger.Engine) { out = e.Markets(status) })
	return out
}

func (s *LedgerService) Position(id domain.MarketID, holder common.Address) (p domain.Position, err error) {
	s.read(func(e *ledger.Engine) { p, err = e.Position(id, holder) })
	return p, err
}

func (s *LedgerService) Positions(id domain.MarketID) (out []domain.Position) {
	s.read(func(e *ledger.Engine) { out = e.Positions(id) })
	return out
}

// Orders

func (s *LedgerService) PlaceOrder(ctx context.Context, caller common.Address, id domain.MarketID, outcome int, side domain.OrderSide, shares, limit *uint256.Int) (r domain.OrderReceipt, err error) {
	op := "place_" + string(side)
	err = s.mutate(ctx, op, caller, touch{market: id}, nil, func(e *ledger.Engine) error {
		switch side {
		case domain.OrderSideBuy:
			r, err = e.PlaceBuy(caller, id, outcome, shares, limit)
		case domain.OrderSideSell:
			r, err = e.PlaceSell(caller, id, outcome, shares, limit)
		default:
			err = fmt.Errorf("service: place order: %w: unknown side %q", domain.ErrValidation, side)
		}
		return err
	})
	return r, err
}

func (s *LedgerService) CancelOrder(ctx context.Context, caller common.Address, id domain.OrderID) (o domain.LimitOrder, err error) {
	err = s.mutate(ctx, "cancel_order", caller, touch{}, nil, func(e *ledger.Engine) error {
		o, err = e.CancelOrder(caller, id)
		return err
	})
	return o, err
}

func (s *LedgerService) Order(id domain.OrderID) (o domain.LimitOrder, err error) {
	s.read(func(e *ledger.Engine) { o, err = e.Order(id) })
	return o, err
}

func (s *LedgerService) Orders(id domain.MarketID, restingOnly bool) (out []domain.LimitOrder) {
	s.read(func(e *ledger.Engine) { out = e.Orders(id, restingOnly) })
	return out
}

func (s *LedgerService) Book(id domain.MarketID, outcome int) (b domain.BookView, err error) {
	s.read(func(e *ledger.Engine) { b, err = e.Book(id, outcome) })
	return b, err
}

// Quote returns the cached quote for key, computing it from the engine on
// a cache miss or when no cache is configured.
func (s *LedgerService) Quote(ctx context.Context, key string) (domain.Quote, error) {
	if s.quotes != nil {
		q, err := s.quotes.GetQuote(ctx, key)
		if err == nil {
			return q, nil
		}
		s.logger.DebugContext(ctx, "quote cache miss", slog.String("key", key), slog.String("error", err.Error()))
	}
	t, err := parseQuoteKey(key)
	if err != nil {
		return domain.Quote{}, err
	}
	var q *domain.Quote
	s.read(func(*ledger.Engine) { q = s.quoteLocked(t) })
	if q == nil {
		return domain.Quote{}, fmt.Errorf("service: quote %s: %w", key, domain.ErrNotFound)
	}
	return *q, nil
}

func parseQuoteKey(key string) (touch, error) {
	if rest, ok := strings.CutPrefix(key, "market:"); ok {
		id, err := strconv.ParseUint(rest, 10, 64)
		if err != nil || id == 0 {
			return touch{}, fmt.Errorf("service: quote key %q: %w", key, domain.ErrValidation)
		}
		return touch{market: domain.MarketID(id)}, nil
	}
	if rest, ok := strings.CutPrefix(key, "instrument:"); ok && rest != "" {
		return touch{handle: rest}, nil
	}
	return touch{}, fmt.Errorf("service: quote key %q: %w", key, domain.ErrValidation)
}

// Audit checks every ledger invariant.
func (s *LedgerService) Audit() (err error) {
	s.read(func(e *ledger.Engine) { err = e.Audit() })
	return err
}

// AuditTrail returns recent privileged operations.
func (s *LedgerService) AuditTrail(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.Recent(ctx, limit)
}

// Snapshot serialises the engine and returns the seq it covers.
func (s *LedgerService) Snapshot() (data []byte, seq uint64, err error) {
	s.read(func(e *ledger.Engine) {
		seq = e.LastSeq()
		data, err = e.Snapshot()
	})
	return data, seq, err
}

// Restore replaces the engine state with a snapshot.
func (s *LedgerService) Restore(data []byte) (err error) {
	s.read(func(e *ledger.Engine) { err = e.Restore(data) })
	if err == nil {
		s.read(func(*ledger.Engine) { s.updateMarketGauges() })
	}
	return err
}

// Events returns retained events after seq.
func (s *LedgerService) Events(after uint64) (out []domain.Event) {
	s.read(func(e *ledger.Engine) { out = e.Events(after) })
	return out
}

// TrimEvents releases retained events up to seq.
func (s *LedgerService) TrimEvents(upTo uint64) {
	s.read(func(e *ledger.Engine) { e.TrimEvents(upTo) })
}

// LastSeq returns the newest event seq.
func (s *LedgerService) LastSeq() (seq uint64) {
	s.read(func(e *ledger.Engine) { seq = e.LastSeq() })
	return seq
}

// Account returns the engine's custody account.
func (s *LedgerService) Account() common.Address { return s.engine.Account() }
