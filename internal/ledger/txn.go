package ledger

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/orderbook"
)

// eventNamespace seeds the UUIDv5 event identifiers.
var eventNamespace = uuid.MustParse("5b0c5f5e-3f4d-4f53-9d55-6c6564676572")

// overlay stages copies of arena entities. orig holds the committed value
// (nil for entities created in this transaction).
type overlay[K cmp.Ordered, V any] struct {
	cur  map[K]*V
	orig map[K]*V
}

func newOverlay[K cmp.Ordered, V any]() overlay[K, V] {
	return overlay[K, V]{cur: make(map[K]*V), orig: make(map[K]*V)}
}

func (o *overlay[K, V]) get(k K, load func(K) (*V, bool), clone func(V) V) (*V, bool) {
	if v, ok := o.cur[k]; ok {
		return v, true
	}
	base, ok := load(k)
	if !ok {
		return nil, false
	}
	snapshot := *base
	c := clone(*base)
	o.cur[k] = &c
	o.orig[k] = &snapshot
	return &c, true
}

func (o *overlay[K, V]) create(k K, v V) *V {
	o.cur[k] = &v
	o.orig[k] = nil
	return &v
}

// created counts entities staged by create.
func (o *overlay[K, V]) created() int {
	n := 0
	for _, v := range o.orig {
		if v == nil {
			n++
		}
	}
	return n
}

func (o *overlay[K, V]) keys() []K {
	ks := make([]K, 0, len(o.cur))
	for k := range o.cur {
		ks = append(ks, k)
	}
	slices.Sort(ks)
	return ks
}

type transfer struct {
	account common.Address
	amount  uint256.Int
}

type pendingEvent struct {
	kind domain.EventKind
	data json.RawMessage
}

// txn is the write overlay of one engine operation.
type txn struct {
	e      *Engine
	op     string
	caller common.Address
	now    time.Time

	instruments overlay[domain.InstrumentID, domain.Instrument]
	newHandles  map[string]domain.InstrumentID
	holdings    map[holdingKey]uint64
	holdingOrig map[holdingKey]uint64

	markets   overlay[domain.MarketID, domain.Market]
	positions overlay[domain.PositionID, domain.Position]
	newPos    map[positionKey]domain.PositionID
	orders    overlay[domain.OrderID, domain.LimitOrder]
	books     map[bookKey]*orderbook.Book

	pulls  []transfer
	pushes []transfer
	events []pendingEvent
}

func (e *Engine) begin(op string, caller common.Address) *txn {
	return &txn{
		e:           e,
		op:          op,
		caller:      caller,
		now:         e.clock.Now().UTC(),
		instruments: newOverlay[domain.InstrumentID, domain.Instrument](),
		newHandles:  make(map[string]domain.InstrumentID),
		holdings:    make(map[holdingKey]uint64),
		holdingOrig: make(map[holdingKey]uint64),
		markets:     newOverlay[domain.MarketID, domain.Market](),
		positions:   newOverlay[domain.PositionID, domain.Position](),
		newPos:      make(map[positionKey]domain.PositionID),
		orders:      newOverlay[domain.OrderID, domain.LimitOrder](),
		books:       make(map[bookKey]*orderbook.Book),
	}
}

func identity[V any](v V) V { return v }

// Instruments.

func (tx *txn) instrument(id domain.InstrumentID) (*domain.Instrument, bool) {
	return tx.instruments.get(id, func(id domain.InstrumentID) (*domain.Instrument, bool) {
		if id == 0 || int(id) > len(tx.e.instruments) {
			return nil, false
		}
		return &tx.e.instruments[id-1], true
	}, identity[domain.Instrument])
}

func (tx *txn) instrumentByHandle(handle string) (*domain.Instrument, error) {
	h := normalizeHandle(handle)
	id, ok := tx.newHandles[h]
	if !ok {
		id, ok = tx.e.handles[h]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %w: instrument %q", domain.ErrValidation, domain.ErrNotFound, h)
	}
	inst, _ := tx.instrument(id)
	return inst, nil
}

func (tx *txn) createInstrument(inst domain.Instrument) *domain.Instrument {
	inst.ID = domain.InstrumentID(len(tx.e.instruments) + len(tx.newHandles) + 1)
	tx.newHandles[inst.Handle] = inst.ID
	return tx.instruments.create(inst.ID, inst)
}

func (tx *txn) holding(id domain.InstrumentID, holder common.Address) uint64 {
	k := holdingKey{id, holder}
	if v, ok := tx.holdings[k]; ok {
		return v
	}
	return tx.e.holdings[k]
}

func (tx *txn) setHolding(id domain.InstrumentID, holder common.Address, v uint64) {
	k := holdingKey{id, holder}
	if _, ok := tx.holdingOrig[k]; !ok {
		tx.holdingOrig[k] = tx.e.holdings[k]
	}
	tx.holdings[k] = v
}

// Markets and positions.

func (tx *txn) market(id domain.MarketID) (*domain.Market, error) {
	m, ok := tx.markets.get(id, func(id domain.MarketID) (*domain.Market, bool) {
		if id == 0 || int(id) > len(tx.e.markets) {
			return nil, false
		}
		return &tx.e.markets[id-1], true
	}, domain.Market.Clone)
	if !ok {
		return nil, fmt.Errorf("%w: %w: market %d", domain.ErrValidation, domain.ErrNotFound, id)
	}
	return m, nil
}

func (tx *txn) createMarket(m domain.Market) *domain.Market {
	m.ID = domain.MarketID(len(tx.e.markets) + tx.markets.created() + 1)
	return tx.markets.create(m.ID, m)
}

func (tx *txn) positionID(market domain.MarketID, holder common.Address) (domain.PositionID, bool) {
	k := positionKey{market, holder}
	if id, ok := tx.newPos[k]; ok {
		return id, true
	}
	id, ok := tx.e.positionIndex[k]
	return id, ok
}

func (tx *txn) positionByID(id domain.PositionID) *domain.Position {
	p, _ := tx.positions.get(id, func(id domain.PositionID) (*domain.Position, bool) {
		if id == 0 || int(id) > len(tx.e.positions) {
			return nil, false
		}
		return &tx.e.positions[id-1], true
	}, domain.Position.Clone)
	return p
}

// position returns the holder's position in m, or nil if none exists.
func (tx *txn) position(m *domain.Market, holder common.Address) *domain.Position {
	id, ok := tx.positionID(m.ID, holder)
	if !ok {
		return nil
	}
	return tx.positionByID(id)
}

// ensurePosition returns the holder's position in m, opening one if needed.
func (tx *txn) ensurePosition(m *domain.Market, holder common.Address) *domain.Position {
	if p := tx.position(m, holder); p != nil {
		return p
	}
	id := domain.PositionID(len(tx.e.positions) + len(tx.newPos) + 1)
	tx.newPos[positionKey{m.ID, holder}] = id
	return tx.positions.create(id, domain.NewPosition(id, m.ID, holder, m.Outcomes()))
}

// marketPositionIDs lists every position of a market, committed and new,
// in ID order.
func (tx *txn) marketPositionIDs(id domain.MarketID) []domain.PositionID {
	ids := append([]domain.PositionID(nil), tx.e.marketPositions[id]...)
	for k, pid := range tx.newPos {
		if k.market == id {
			ids = append(ids, pid)
		}
	}
	slices.Sort(ids)
	return ids
}

// Orders and books.

func (tx *txn) order(id domain.OrderID) (*domain.LimitOrder, bool) {
	return tx.orders.get(id, func(id domain.OrderID) (*domain.LimitOrder, bool) {
		if id == 0 || int(id) > len(tx.e.orders) {
			return nil, false
		}
		return &tx.e.orders[id-1], true
	}, identity[domain.LimitOrder])
}

func (tx *txn) createOrder(o domain.LimitOrder) *domain.LimitOrder {
	o.ID = domain.OrderID(len(tx.e.orders) + tx.orders.created() + 1)
	return tx.orders.create(o.ID, o)
}

// marketOrderIDs lists every order of a market, committed and new, in ID
// order.
func (tx *txn) marketOrderIDs(id domain.MarketID) []domain.OrderID {
	ids := append([]domain.OrderID(nil), tx.e.marketOrders[id]...)
	for oid, orig := range tx.orders.orig {
		if orig == nil && tx.orders.cur[oid].Market == id {
			ids = append(ids, oid)
		}
	}
	slices.Sort(ids)
	return ids
}

func (tx *txn) book(market domain.MarketID, outcome int) *orderbook.Book {
	k := bookKey{market, outcome}
	if b, ok := tx.books[k]; ok {
		return b
	}
	var b *orderbook.Book
	if committed, ok := tx.e.books[k]; ok {
		b = committed.Clone()
	} else {
		b = orderbook.New()
	}
	tx.books[k] = b
	return b
}

// Collateral movements.

// pull stages a transfer from account into custody after checking that the
// account's balance and allowance cover everything staged so far.
func (tx *txn) pull(from common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	total := new(uint256.Int).Set(amount)
	for _, p := range tx.pulls {
		if p.account == from {
			total.Add(total, &p.amount)
		}
	}
	if bal := tx.e.asset.BalanceOf(from); bal.Lt(total) {
		return fmt.Errorf("%w: %s holds %s collateral, needs %s",
			domain.ErrInsufficientBalance, from.Hex(), fp.Format(bal), fp.Format(total))
	}
	if allowed := tx.e.asset.Allowance(from, tx.e.cfg.Account); allowed.Lt(total) {
		return fmt.Errorf("%w: %s approved %s collateral, needs %s",
			domain.ErrInsufficientBalance, from.Hex(), fp.Format(allowed), fp.Format(total))
	}
	tx.pulls = append(tx.pulls, transfer{account: from, amount: *amount})
	return nil
}

// push stages a payout from custody.
func (tx *txn) push(to common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	tx.pushes = append(tx.pushes, transfer{account: to, amount: *amount})
}

// collect executes staged pulls. If one fails, the ones already executed
// are returned before reporting the failure. A refund that fails leaves
// custody holding collateral nobody owns and is an invariant violation.
func (tx *txn) collect() error {
	for i, p := range tx.pulls {
		err := tx.e.asset.TransferFrom(tx.e.cfg.Account, p.account, tx.e.cfg.Account, &p.amount)
		if err == nil {
			continue
		}
		var refunds []error
		for _, done := range tx.pulls[:i] {
			if rerr := tx.e.asset.Transfer(tx.e.cfg.Account, done.account, &done.amount); rerr != nil {
				refunds = append(refunds, fmt.Errorf("refund %s to %s: %w", fp.Format(&done.amount), done.account.Hex(), rerr))
			}
		}
		if len(refunds) > 0 {
			return fmt.Errorf("%w: collect from %s failed (%v) and refunds failed: %w",
				domain.ErrInvariantViolation, p.account.Hex(), err, errors.Join(refunds...))
		}
		return fmt.Errorf("%w: collect from %s: %v", domain.ErrInsufficientBalance, p.account.Hex(), err)
	}
	return nil
}

// payout executes staged pushes.
func (tx *txn) payout() error {
	for _, p := range tx.pushes {
		if err := tx.e.asset.Transfer(tx.e.cfg.Account, p.account, &p.amount); err != nil {
			return fmt.Errorf("pay %s to %s: %w", fp.Format(&p.amount), p.account.Hex(), err)
		}
	}
	return nil
}

// Events.

func (tx *txn) emit(kind domain.EventKind, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs of strings and integers.
		panic(fmt.Sprintf("ledger: encode %s event: %v", kind, err))
	}
	tx.events = append(tx.events, pendingEvent{kind: kind, data: data})
}

// commit publishes the overlay into the engine arenas.
func (tx *txn) commit() {
	e := tx.e

	for _, id := range tx.instruments.keys() {
		inst := *tx.instruments.cur[id]
		if int(id) <= len(e.instruments) {
			e.instruments[id-1] = inst
			continue
		}
		e.instruments = append(e.instruments, inst)
		e.handles[inst.Handle] = id
	}
	for k, v := range tx.holdings {
		if v == 0 {
			delete(e.holdings, k)
		} else {
			e.holdings[k] = v
		}
	}

	for _, id := range tx.markets.keys() {
		m := *tx.markets.cur[id]
		if int(id) <= len(e.markets) {
			e.markets[id-1] = m
			continue
		}
		e.markets = append(e.markets, m)
	}

	for _, id := range tx.positions.keys() {
		p := *tx.positions.cur[id]
		if int(id) <= len(e.positions) {
			e.positions[id-1] = p
			continue
		}
		e.positions = append(e.positions, p)
		e.positionIndex[positionKey{p.Market, p.Holder}] = id
		e.marketPositions[p.Market] = append(e.marketPositions[p.Market], id)
	}

	for _, id := range tx.orders.keys() {
		o := *tx.orders.cur[id]
		if int(id) <= len(e.orders) {
			e.orders[id-1] = o
			continue
		}
		e.orders = append(e.orders, o)
		e.marketOrders[o.Market] = append(e.marketOrders[o.Market], id)
	}
	for k, b := range tx.books {
		e.books[k] = b
	}

	for _, ev := range tx.events {
		e.seq++
		e.log = append(e.log, domain.Event{
			Seq:  e.seq,
			ID:   uuid.NewSHA1(eventNamespace, []byte(strconv.FormatUint(e.seq, 10))),
			Kind: ev.kind,
			Time: tx.now,
			Data: ev.data,
		})
	}
}
