package ledger

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/orderbook"
)

// SnapshotVersion is the layout version written by Snapshot.
const SnapshotVersion = 1

type holdingRecord struct {
	Instrument domain.InstrumentID `json:"instrument"`
	Holder     common.Address      `json:"holder"`
	Amount     uint64              `json:"amount"`
}

type snapshotState struct {
	Version     int                 `json:"version"`
	Seq         uint64              `json:"seq"`
	Instruments []domain.Instrument `json:"instruments"`
	Holdings    []holdingRecord     `json:"holdings"`
	Markets     []domain.Market     `json:"markets"`
	Positions   []domain.Position   `json:"positions"`
	Orders      []domain.LimitOrder `json:"orders"`
	// Collateral carries the asset's own state when the asset can
	// serialise itself (the in-memory token).
	Collateral json.RawMessage `json:"collateral,omitempty"`
	// Pending holds retained events not yet trimmed by the publisher, so
	// a restore can hand them to the event store again.
	Pending []domain.Event `json:"pending,omitempty"`
}

// Snapshot serialises the full ledger state as of LastSeq together with the
// retained events that have not been trimmed yet. Trimmed events are
// persisted separately.
func (e *Engine) Snapshot() ([]byte, error) {
	st := &snapshotState{
		Version:     SnapshotVersion,
		Seq:         e.seq,
		Instruments: e.instruments,
		Markets:     e.markets,
		Positions:   e.positions,
		Orders:      e.orders,
		Pending:     e.log,
	}
	for k, v := range e.holdings {
		st.Holdings = append(st.Holdings, holdingRecord{Instrument: k.inst, Holder: k.holder, Amount: v})
	}
	slices.SortFunc(st.Holdings, func(a, b holdingRecord) int {
		if a.Instrument != b.Instrument {
			if a.Instrument < b.Instrument {
				return -1
			}
			return 1
		}
		return a.Holder.Cmp(b.Holder)
	})
	if m, ok := e.asset.(json.Marshaler); ok {
		raw, err := m.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("ledger: snapshot: collateral: %w", err)
		}
		st.Collateral = raw
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("ledger: snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the engine state with a snapshot and rebuilds every
// index and order book. The restored ledger must pass Audit; otherwise the
// engine is left unchanged and an error is returned. Event numbering
// resumes after the snapshot's sequence number.
func (e *Engine) Restore(data []byte) error {
	if e.busy {
		return fmt.Errorf("ledger: restore: %w: engine busy", domain.ErrStateConflict)
	}
	var st snapshotState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("ledger: restore: %w: %w", domain.ErrValidation, err)
	}
	if st.Version != SnapshotVersion {
		return fmt.Errorf("ledger: restore: %w: unsupported snapshot version %d", domain.ErrValidation, st.Version)
	}

	next := &Engine{cfg: e.cfg, asset: e.asset, auth: e.auth, clock: e.clock}
	next.reset()
	if err := next.load(&st); err != nil {
		return fmt.Errorf("ledger: restore: %w: %w", domain.ErrValidation, err)
	}
	if len(st.Collateral) > 0 {
		u, ok := e.asset.(json.Unmarshaler)
		if !ok {
			return fmt.Errorf("ledger: restore: %w: snapshot carries collateral state the asset cannot load", domain.ErrValidation)
		}
		if err := u.UnmarshalJSON(st.Collateral); err != nil {
			return fmt.Errorf("ledger: restore: collateral: %w", err)
		}
	}
	if err := next.Audit(); err != nil {
		return fmt.Errorf("ledger: restore: %w", err)
	}
	*e = *next
	return nil
}

func (e *Engine) load(st *snapshotState) error {
	for i, inst := range st.Instruments {
		if inst.ID != domain.InstrumentID(i+1) {
			return fmt.Errorf("instrument %d stored at index %d", inst.ID, i)
		}
		if _, dup := e.handles[inst.Handle]; dup {
			return fmt.Errorf("duplicate handle %q", inst.Handle)
		}
		e.handles[inst.Handle] = inst.ID
	}
	e.instruments = st.Instruments

	for _, h := range st.Holdings {
		if h.Instrument == 0 || int(h.Instrument) > len(e.instruments) {
			return fmt.Errorf("holding of unknown instrument %d", h.Instrument)
		}
		if h.Amount > 0 {
			e.holdings[holdingKey{h.Instrument, h.Holder}] = h.Amount
		}
	}

	for i, m := range st.Markets {
		if m.ID != domain.MarketID(i+1) {
			return fmt.Errorf("market %d stored at index %d", m.ID, i)
		}
		n := m.Outcomes()
		if n < 2 || len(m.Shares) != n || len(m.Outstanding) != n {
			return fmt.Errorf("market %d has inconsistent outcome vectors", m.ID)
		}
		if m.Status == domain.MarketStatusResolved && m.CheckOutcome(m.Winner) != nil {
			return fmt.Errorf("market %d resolved to unknown outcome %d", m.ID, m.Winner)
		}
	}
	e.markets = st.Markets

	for i, p := range st.Positions {
		if p.ID != domain.PositionID(i+1) {
			return fmt.Errorf("position %d stored at index %d", p.ID, i)
		}
		if p.Market == 0 || int(p.Market) > len(e.markets) {
			return fmt.Errorf("position %d in unknown market %d", p.ID, p.Market)
		}
		n := e.markets[p.Market-1].Outcomes()
		if len(p.Shares) != n || len(p.Escrowed) != n {
			return fmt.Errorf("position %d has inconsistent outcome vectors", p.ID)
		}
		k := positionKey{p.Market, p.Holder}
		if _, dup := e.positionIndex[k]; dup {
			return fmt.Errorf("duplicate position for %s in market %d", p.Holder.Hex(), p.Market)
		}
		e.positionIndex[k] = p.ID
		e.marketPositions[p.Market] = append(e.marketPositions[p.Market], p.ID)
	}
	e.positions = st.Positions

	for i := range st.Orders {
		o := &st.Orders[i]
		if o.ID != domain.OrderID(i+1) {
			return fmt.Errorf("order %d stored at index %d", o.ID, i)
		}
		if o.Market == 0 || int(o.Market) > len(e.markets) {
			return fmt.Errorf("order %d in unknown market %d", o.ID, o.Market)
		}
		if err := e.markets[o.Market-1].CheckOutcome(o.Outcome); err != nil {
			return fmt.Errorf("order %d: %w", o.ID, err)
		}
		e.marketOrders[o.Market] = append(e.marketOrders[o.Market], o.ID)
		if !o.Status.Resting() {
			continue
		}
		k := bookKey{o.Market, o.Outcome}
		b, ok := e.books[k]
		if !ok {
			b = orderbook.New()
			e.books[k] = b
		}
		b.Insert(o.Side, &o.LimitPrice, o.ID)
	}
	e.orders = st.Orders

	for i, ev := range st.Pending {
		if i > 0 && ev.Seq != st.Pending[i-1].Seq+1 {
			return fmt.Errorf("pending event %d does not follow %d", ev.Seq, st.Pending[i-1].Seq)
		}
	}
	if n := len(st.Pending); n > 0 && st.Pending[n-1].Seq != st.Seq {
		return fmt.Errorf("pending events end at %d, snapshot at %d", st.Pending[n-1].Seq, st.Seq)
	}
	e.log = st.Pending
	e.seq = st.Seq
	return nil
}
