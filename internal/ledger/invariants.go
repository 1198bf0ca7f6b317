package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/curve"
	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/pricing"
)

// delta accumulates a signed change as separate up and down totals.
type delta struct{ up, down uint256.Int }

func (d *delta) move(before, after *uint256.Int) {
	if after.Gt(before) {
		d.up.Add(&d.up, new(uint256.Int).Sub(after, before))
	} else {
		d.down.Add(&d.down, new(uint256.Int).Sub(before, after))
	}
}

func (d *delta) equal(o *delta) bool {
	lhs := new(uint256.Int).Add(&d.up, &o.down)
	rhs := new(uint256.Int).Add(&d.down, &o.up)
	return lhs.Eq(rhs)
}

// verify checks the invariants of every entity the transaction touched.
func (tx *txn) verify() error {
	for _, id := range tx.instruments.keys() {
		if err := tx.verifyInstrument(id); err != nil {
			return err
		}
	}
	for _, id := range tx.orders.keys() {
		if err := checkOrder(tx.orders.cur[id]); err != nil {
			return err
		}
	}
	for _, id := range tx.markets.keys() {
		if err := tx.verifyMarket(tx.markets.cur[id], tx.markets.orig[id]); err != nil {
			return err
		}
	}
	for _, p := range tx.positions.cur {
		if _, ok := tx.markets.cur[p.Market]; !ok {
			return violation("position %d changed without its market %d", p.ID, p.Market)
		}
	}

	custody := tx.e.asset.BalanceOf(tx.e.cfg.Account)
	in, out := new(uint256.Int).Set(custody), new(uint256.Int)
	for _, p := range tx.pulls {
		in.Add(in, &p.amount)
	}
	for _, p := range tx.pushes {
		out.Add(out, &p.amount)
	}
	if in.Lt(out) {
		return violation("custody %s cannot fund payouts of %s", fp.Format(in), fp.Format(out))
	}
	return nil
}

func (tx *txn) verifyInstrument(id domain.InstrumentID) error {
	inst := tx.instruments.cur[id]
	var before uint64
	if orig := tx.instruments.orig[id]; orig != nil {
		before = orig.TotalSupply
	}
	var gained, lost uint64
	for k, v := range tx.holdings {
		if k.inst != id {
			continue
		}
		if prev := tx.holdingOrig[k]; v > prev {
			gained += v - prev
		} else {
			lost += prev - v
		}
	}
	if before+gained != inst.TotalSupply+lost {
		return violation("instrument %s supply %d -> %d disagrees with holdings", inst.Handle, before, inst.TotalSupply)
	}
	return checkCoverage(inst)
}

func checkCoverage(inst *domain.Instrument) error {
	need, err := curve.Primitive(inst.TotalSupply, inst.Curve)
	if err != nil {
		return classify(err)
	}
	if inst.CollateralPool.Lt(need) {
		return violation("instrument %s pool %s below curve integral %s",
			inst.Handle, fp.Format(&inst.CollateralPool), fp.Format(need))
	}
	return nil
}

func checkOrder(o *domain.LimitOrder) error {
	if !o.Status.Resting() {
		if !o.LockedEscrow.IsZero() {
			return violation("order %d is %s but locks %s", o.ID, o.Status, fp.Format(&o.LockedEscrow))
		}
		return nil
	}
	if o.Remaining.IsZero() || o.Remaining.Gt(&o.Shares) {
		return violation("resting order %d has remaining %s of %s", o.ID, fp.Format(&o.Remaining), fp.Format(&o.Shares))
	}
	want := &o.Remaining
	if o.Side == domain.OrderSideBuy {
		w, err := fp.MulUp(&o.Remaining, &o.LimitPrice)
		if err != nil {
			return violation("order %d escrow: %v", o.ID, err)
		}
		want = w
	}
	if !o.LockedEscrow.Eq(want) {
		return violation("order %d locks %s, remainder needs %s", o.ID, fp.Format(&o.LockedEscrow), fp.Format(want))
	}
	return nil
}

// checkMarketState verifies the pricing-state invariants of a market.
func checkMarketState(m *domain.Market) error {
	switch m.Status {
	case domain.MarketStatusOpen:
		for i := range m.Shares {
			switch m.Algorithm {
			case pricing.CPMM:
				sum := new(uint256.Int).Add(&m.Shares[i], &m.Outstanding[i])
				if !sum.Eq(&m.CollateralPool) {
					return violation("market %d outcome %d reserve+outstanding %s != pool %s",
						m.ID, i, fp.Format(sum), fp.Format(&m.CollateralPool))
				}
			case pricing.LMSR:
				if !m.Shares[i].Eq(&m.Outstanding[i]) {
					return violation("market %d outcome %d quantity %s != outstanding %s",
						m.ID, i, fp.Format(&m.Shares[i]), fp.Format(&m.Outstanding[i]))
				}
				if m.CollateralPool.Lt(&m.Outstanding[i]) {
					return violation("market %d pool %s cannot pay outcome %d", m.ID, fp.Format(&m.CollateralPool), i)
				}
			}
		}
		prices, err := pricing.Prices(m.Algorithm, m.Shares, &m.Param)
		if err != nil {
			return classify(err)
		}
		if err := pricing.CheckSum(prices); err != nil {
			return fmt.Errorf("%w: market %d: %w", domain.ErrInvariantViolation, m.ID, err)
		}
	case domain.MarketStatusResolved:
		if m.CollateralPool.Lt(&m.Outstanding[m.Winner]) {
			return violation("resolved market %d pool %s below winning shares %s",
				m.ID, fp.Format(&m.CollateralPool), fp.Format(&m.Outstanding[m.Winner]))
		}
	}
	return nil
}

func (tx *txn) verifyMarket(m, orig *domain.Market) error {
	if err := checkMarketState(m); err != nil {
		return err
	}
	if orig != nil && orig.Status != domain.MarketStatusOpen && m.Status != orig.Status {
		return violation("market %d left terminal state %s", m.ID, orig.Status)
	}

	n := m.Outcomes()
	held := make([]delta, n)
	escrow := make([]delta, n)
	outstanding := make([]delta, n)
	locked := make([]delta, n)
	var zero uint256.Int

	for i := 0; i < n; i++ {
		before := &zero
		if orig != nil {
			before = &orig.Outstanding[i]
		}
		outstanding[i].move(before, &m.Outstanding[i])
	}
	for id, p := range tx.positions.cur {
		if p.Market != m.ID {
			continue
		}
		prev := tx.positions.orig[id]
		for i := 0; i < n; i++ {
			beforeShares, beforeEscrow := &zero, &zero
			if prev != nil {
				beforeShares, beforeEscrow = &prev.Shares[i], &prev.Escrowed[i]
			}
			held[i].move(beforeShares, &p.Shares[i])
			held[i].move(beforeEscrow, &p.Escrowed[i])
			escrow[i].move(beforeEscrow, &p.Escrowed[i])
		}
	}
	for id, o := range tx.orders.cur {
		if o.Market != m.ID || o.Side != domain.OrderSideSell {
			continue
		}
		before := &zero
		if prev := tx.orders.orig[id]; prev != nil && prev.Status.Resting() {
			before = &prev.LockedEscrow
		}
		after := &zero
		if o.Status.Resting() {
			after = &o.LockedEscrow
		}
		locked[o.Outcome].move(before, after)
	}
	for i := 0; i < n; i++ {
		if !held[i].equal(&outstanding[i]) {
			return violation("market %d outcome %d position shares moved apart from outstanding", m.ID, i)
		}
		if !escrow[i].equal(&locked[i]) {
			return violation("market %d outcome %d escrowed shares moved apart from sell orders", m.ID, i)
		}
	}
	return nil
}

// Audit re-checks every global invariant over the whole ledger: supply and
// coverage of each instrument, share conservation and pool solvency of each
// market, escrow of each order and book, and custody of the collateral.
// All violations found are joined into the returned error.
func (e *Engine) Audit() error {
	var errs []error

	supply := make(map[domain.InstrumentID]uint64, len(e.instruments))
	for k, v := range e.holdings {
		supply[k.inst] += v
	}
	liabilities := new(uint256.Int)
	for i := range e.instruments {
		inst := &e.instruments[i]
		if supply[inst.ID] != inst.TotalSupply {
			errs = append(errs, violation("instrument %s supply %d, holdings sum to %d", inst.Handle, inst.TotalSupply, supply[inst.ID]))
		}
		if err := checkCoverage(inst); err != nil {
			errs = append(errs, err)
		}
		liabilities.Add(liabilities, &inst.CollateralPool)
		liabilities.Add(liabilities, &inst.FeesAccrued)
	}

	type sellKey struct {
		pos     positionKey
		outcome int
	}
	sellLocked := make(map[sellKey]*uint256.Int)
	resting := make(map[bookKey][2]int)
	for i := range e.orders {
		o := &e.orders[i]
		if err := checkOrder(o); err != nil {
			errs = append(errs, err)
		}
		if !o.Status.Resting() {
			continue
		}
		k := bookKey{o.Market, o.Outcome}
		counts := resting[k]
		if o.Side == domain.OrderSideBuy {
			counts[0]++
			liabilities.Add(liabilities, &o.LockedEscrow)
		} else {
			counts[1]++
			sk := sellKey{positionKey{o.Market, o.Trader}, o.Outcome}
			if sellLocked[sk] == nil {
				sellLocked[sk] = new(uint256.Int)
			}
			sellLocked[sk].Add(sellLocked[sk], &o.LockedEscrow)
		}
		resting[k] = counts
	}
	for k, b := range e.books {
		counts := resting[k]
		if b.Len(domain.OrderSideBuy) != counts[0] || b.Len(domain.OrderSideSell) != counts[1] {
			errs = append(errs, violation("market %d outcome %d book holds %d/%d entries, %d/%d orders rest",
				k.market, k.outcome, b.Len(domain.OrderSideBuy), b.Len(domain.OrderSideSell), counts[0], counts[1]))
		}
		delete(resting, k)
	}
	for k, counts := range resting {
		if counts[0]+counts[1] > 0 {
			errs = append(errs, violation("market %d outcome %d has resting orders but no book", k.market, k.outcome))
		}
	}

	for i := range e.markets {
		m := &e.markets[i]
		if err := checkMarketState(m); err != nil {
			errs = append(errs, err)
		}
		sums := make([]uint256.Int, m.Outcomes())
		unclaimed := new(uint256.Int)
		for _, pid := range e.marketPositions[m.ID] {
			p := &e.positions[pid-1]
			for o := range sums {
				sums[o].Add(&sums[o], &p.Shares[o])
				sums[o].Add(&sums[o], &p.Escrowed[o])
				want := sellLocked[sellKey{positionKey{m.ID, p.Holder}, o}]
				if want == nil {
					want = new(uint256.Int)
				}
				if !p.Escrowed[o].Eq(want) {
					errs = append(errs, violation("position %d escrows %s of outcome %d, sell orders lock %s",
						p.ID, fp.Format(&p.Escrowed[o]), o, fp.Format(want)))
				}
			}
			if !p.Claimed {
				unclaimed.Add(unclaimed, &p.Refund)
			}
		}
		for o := range sums {
			if !sums[o].Eq(&m.Outstanding[o]) {
				errs = append(errs, violation("market %d outcome %d outstanding %s, positions hold %s",
					m.ID, o, fp.Format(&m.Outstanding[o]), fp.Format(&sums[o])))
			}
		}
		if m.Status == domain.MarketStatusCancelled {
			unclaimed.Add(unclaimed, &m.RefundDust)
			if !unclaimed.Eq(&m.CollateralPool) {
				errs = append(errs, violation("cancelled market %d pool %s, owed refunds and dust %s",
					m.ID, fp.Format(&m.CollateralPool), fp.Format(unclaimed)))
			}
		}
		liabilities.Add(liabilities, &m.CollateralPool)
		liabilities.Add(liabilities, &m.CreatorFees)
	}

	if custody := e.asset.BalanceOf(e.cfg.Account); custody.Lt(liabilities) {
		errs = append(errs, violation("custody %s below liabilities %s", fp.Format(custody), fp.Format(liabilities)))
	}
	return errors.Join(errs...)
}
