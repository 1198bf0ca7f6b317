package ledger

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/curve"
	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

// Register creates an instrument for handle priced by cfg. The curve is
// immutable afterwards except through OverrideCurve.
func (e *Engine) Register(caller common.Address, handle string, cfg curve.Config) (domain.Instrument, error) {
	var out domain.Instrument
	err := e.exec("register", caller, func(tx *txn) error {
		h := normalizeHandle(handle)
		if !handlePattern.MatchString(h) {
			return fmt.Errorf("%w: invalid handle %q", domain.ErrValidation, handle)
		}
		if _, err := tx.instrumentByHandle(h); err == nil {
			return fmt.Errorf("%w: %w: handle %q", domain.ErrValidation, domain.ErrAlreadyExists, h)
		}
		if err := cfg.Validate(e.cfg.CurveLimits); err != nil {
			return classify(err)
		}

		inst := tx.createInstrument(domain.Instrument{
			Handle:    h,
			Creator:   caller,
			Curve:     cfg,
			CreatedAt: tx.now,
		})
		tx.emit(domain.EventInstrumentRegistered, domain.InstrumentRegistered{
			Handle:    h,
			Creator:   caller.Hex(),
			Kind:      cfg.Kind.String(),
			BasePrice: fp.Format(&cfg.BasePrice),
			Slope:     fp.Format(&cfg.Slope),
			MaxSupply: cfg.Ceiling(e.cfg.CurveLimits),
		})
		out = *inst
		return nil
	})
	return out, err
}

// Buy mints amount units of handle to the caller. The caller pays the curve
// cost plus the engine fee and the call fails with ErrSlippageExceeded if
// that exceeds maxCost.
func (e *Engine) Buy(caller common.Address, handle string, amount uint64, maxCost *uint256.Int) (domain.InstrumentTrade, error) {
	var out domain.InstrumentTrade
	err := e.exec("buy", caller, func(tx *txn) error {
		inst, err := tx.instrumentByHandle(handle)
		if err != nil {
			return err
		}
		q, err := e.quoteBuy(inst, amount)
		if err != nil {
			return err
		}
		if q.Settled.Gt(maxCost) {
			return fmt.Errorf("%w: cost %s above max %s", domain.ErrSlippageExceeded,
				fp.Format(&q.Settled), fp.Format(maxCost))
		}
		if err := tx.pull(caller, &q.Settled); err != nil {
			return err
		}

		pool, err := add(&inst.CollateralPool, &q.Value)
		if err != nil {
			return err
		}
		fees, err := add(&inst.FeesAccrued, &q.Fee)
		if err != nil {
			return err
		}
		inst.TotalSupply = q.TotalSupply
		inst.CollateralPool = *pool
		inst.FeesAccrued = *fees
		tx.setHolding(inst.ID, caller, tx.holding(inst.ID, caller)+amount)

		q.Trader = caller
		tx.emitInstrumentTrade(q)
		out = q
		return nil
	})
	return out, err
}

// Sell burns amount units of handle from the caller and pays the curve
// proceeds minus the engine fee, failing with ErrSlippageExceeded if that
// is below minProceeds.
func (e *Engine) Sell(caller common.Address, handle string, amount uint64, minProceeds *uint256.Int) (domain.InstrumentTrade, error) {
	var out domain.InstrumentTrade
	err := e.exec("sell", caller, func(tx *txn) error {
		inst, err := tx.instrumentByHandle(handle)
		if err != nil {
			return err
		}
		held := tx.holding(inst.ID, caller)
		if held < amount {
			return fmt.Errorf("%w: %s holds %d of %s, selling %d",
				domain.ErrInsufficientBalance, caller.Hex(), held, inst.Handle, amount)
		}
		q, err := e.quoteSell(inst, amount)
		if err != nil {
			return err
		}
		if q.Settled.Lt(minProceeds) {
			return fmt.Errorf("%w: proceeds %s below min %s", domain.ErrSlippageExceeded,
				fp.Format(&q.Settled), fp.Format(minProceeds))
		}
		if inst.CollateralPool.Lt(&q.Value) {
			return violation("instrument %s pool %s cannot pay %s",
				inst.Handle, fp.Format(&inst.CollateralPool), fp.Format(&q.Value))
		}

		fees, err := add(&inst.FeesAccrued, &q.Fee)
		if err != nil {
			return err
		}
		inst.CollateralPool.Sub(&inst.CollateralPool, &q.Value)
		inst.FeesAccrued = *fees
		inst.TotalSupply = q.TotalSupply
		tx.setHolding(inst.ID, caller, held-amount)
		tx.push(caller, &q.Settled)

		q.Trader = caller
		tx.emitInstrumentTrade(q)
		out = q
		return nil
	})
	return out, err
}

// WithdrawFees pays an instrument's accrued fees to to. Requires
// CapWithdrawFees.
func (e *Engine) WithdrawFees(caller common.Address, handle string, to common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.exec("withdraw_fees", caller, func(tx *txn) error {
		if err := e.auth.Require(caller, CapWithdrawFees); err != nil {
			return err
		}
		inst, err := tx.instrumentByHandle(handle)
		if err != nil {
			return err
		}
		if inst.FeesAccrued.IsZero() {
			return fmt.Errorf("%w: instrument %s has no fees", domain.ErrValidation, inst.Handle)
		}
		amount := new(uint256.Int).Set(&inst.FeesAccrued)
		inst.FeesAccrued.Clear()
		tx.push(to, amount)
		tx.emit(domain.EventInstrumentFeesWithdrawn, domain.InstrumentFeesWithdrawn{
			Handle: inst.Handle,
			To:     to.Hex(),
			Amount: fp.Format(amount),
		})
		out = amount
		return nil
	})
	return out, err
}

// OverrideCurve replaces an instrument's curve. The existing pool must
// already cover the new curve's cost of the current supply. Requires
// CapOverrideCurve.
func (e *Engine) OverrideCurve(caller common.Address, handle string, cfg curve.Config) error {
	return e.exec("override_curve", caller, func(tx *txn) error {
		if err := e.auth.Require(caller, CapOverrideCurve); err != nil {
			return err
		}
		inst, err := tx.instrumentByHandle(handle)
		if err != nil {
			return err
		}
		if err := cfg.Validate(e.cfg.CurveLimits); err != nil {
			return classify(err)
		}
		if ceiling := cfg.Ceiling(e.cfg.CurveLimits); inst.TotalSupply > ceiling {
			return fmt.Errorf("%w: supply %d above new ceiling %d", domain.ErrValidation, inst.TotalSupply, ceiling)
		}
		need, err := curve.Primitive(inst.TotalSupply, cfg)
		if err != nil {
			return classify(err)
		}
		if inst.CollateralPool.Lt(need) {
			return fmt.Errorf("%w: pool %s below %s required by new curve", domain.ErrInsufficientCollateral,
				fp.Format(&inst.CollateralPool), fp.Format(need))
		}
		inst.Curve = cfg
		tx.emit(domain.EventCurveOverridden, domain.CurveOverridden{
			Handle:    inst.Handle,
			Kind:      cfg.Kind.String(),
			BasePrice: fp.Format(&cfg.BasePrice),
			Slope:     fp.Format(&cfg.Slope),
			By:        caller.Hex(),
		})
		return nil
	})
}

// QuoteBuy prices a buy without executing it.
func (e *Engine) QuoteBuy(handle string, amount uint64) (domain.InstrumentTrade, error) {
	inst, err := e.lookupInstrument(handle)
	if err != nil {
		return domain.InstrumentTrade{}, fmt.Errorf("ledger: quote buy: %w", err)
	}
	q, err := e.quoteBuy(inst, amount)
	if err != nil {
		return domain.InstrumentTrade{}, fmt.Errorf("ledger: quote buy: %w", err)
	}
	return q, nil
}

// QuoteSell prices a sell without executing it.
func (e *Engine) QuoteSell(handle string, amount uint64) (domain.InstrumentTrade, error) {
	inst, err := e.lookupInstrument(handle)
	if err != nil {
		return domain.InstrumentTrade{}, fmt.Errorf("ledger: quote sell: %w", err)
	}
	q, err := e.quoteSell(inst, amount)
	if err != nil {
		return domain.InstrumentTrade{}, fmt.Errorf("ledger: quote sell: %w", err)
	}
	return q, nil
}

// Price returns the marginal price of an instrument's next unit.
func (e *Engine) Price(handle string) (*uint256.Int, error) {
	inst, err := e.lookupInstrument(handle)
	if err != nil {
		return nil, fmt.Errorf("ledger: price: %w", err)
	}
	return e.marginalPrice(inst)
}

// Instrument returns a copy of the named instrument.
func (e *Engine) Instrument(handle string) (domain.Instrument, error) {
	inst, err := e.lookupInstrument(handle)
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("ledger: instrument: %w", err)
	}
	return *inst, nil
}

// Instruments returns copies of every instrument in registration order.
func (e *Engine) Instruments() []domain.Instrument {
	return append([]domain.Instrument(nil), e.instruments...)
}

// Balance returns holder's units of handle.
func (e *Engine) Balance(handle string, holder common.Address) (uint64, error) {
	inst, err := e.lookupInstrument(handle)
	if err != nil {
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return e.holdings[holdingKey{inst.ID, holder}], nil
}

// Holding is one holder's balance of an instrument.
type Holding struct {
	Holder common.Address
	Amount uint64
}

// Holders lists the non-zero balances of handle ordered by holder address.
func (e *Engine) Holders(handle string) ([]Holding, error) {
	inst, err := e.lookupInstrument(handle)
	if err != nil {
		return nil, fmt.Errorf("ledger: holders: %w", err)
	}
	var out []Holding
	for k, v := range e.holdings {
		if k.inst == inst.ID {
			out = append(out, Holding{Holder: k.holder, Amount: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Holder.Cmp(out[j].Holder) < 0 })
	return out, nil
}

func (e *Engine) lookupInstrument(handle string) (*domain.Instrument, error) {
	id, ok := e.handles[normalizeHandle(handle)]
	if !ok {
		return nil, fmt.Errorf("%w: %w: instrument %q", domain.ErrValidation, domain.ErrNotFound, handle)
	}
	return &e.instruments[id-1], nil
}

func (e *Engine) quoteBuy(inst *domain.Instrument, amount uint64) (domain.InstrumentTrade, error) {
	cost, err := curve.BuyCost(inst.TotalSupply, amount, inst.Curve, e.cfg.CurveLimits)
	if err != nil {
		return domain.InstrumentTrade{}, classify(err)
	}
	fee, err := fp.ApplyBps(cost, e.cfg.FeeBps)
	if err != nil {
		return domain.InstrumentTrade{}, classify(err)
	}
	total, err := add(cost, fee)
	if err != nil {
		return domain.InstrumentTrade{}, err
	}
	after := *inst
	after.TotalSupply += amount
	price, err := e.marginalPrice(&after)
	if err != nil {
		return domain.InstrumentTrade{}, err
	}
	return domain.InstrumentTrade{
		Handle:      inst.Handle,
		Side:        domain.OrderSideBuy,
		Amount:      amount,
		Value:       *cost,
		Fee:         *fee,
		Settled:     *total,
		Price:       *price,
		TotalSupply: after.TotalSupply,
	}, nil
}

func (e *Engine) quoteSell(inst *domain.Instrument, amount uint64) (domain.InstrumentTrade, error) {
	proceeds, err := curve.SellProceeds(inst.TotalSupply, amount, inst.Curve)
	if err != nil {
		return domain.InstrumentTrade{}, classify(err)
	}
	fee, err := fp.ApplyBps(proceeds, e.cfg.FeeBps)
	if err != nil {
		return domain.InstrumentTrade{}, classify(err)
	}
	net := new(uint256.Int).Sub(proceeds, fee)
	after := *inst
	after.TotalSupply -= amount
	price, err := e.marginalPrice(&after)
	if err != nil {
		return domain.InstrumentTrade{}, err
	}
	return domain.InstrumentTrade{
		Handle:      inst.Handle,
		Side:        domain.OrderSideSell,
		Amount:      amount,
		Value:       *proceeds,
		Fee:         *fee,
		Settled:     *net,
		Price:       *price,
		TotalSupply: after.TotalSupply,
	}, nil
}

// marginalPrice is the price of the next unit, or of the last unit once the
// supply sits at its ceiling.
func (e *Engine) marginalPrice(inst *domain.Instrument) (*uint256.Int, error) {
	s := inst.TotalSupply
	if s >= inst.Curve.Ceiling(e.cfg.CurveLimits) && s > 0 {
		s--
	}
	p, err := curve.CurrentPrice(s, inst.Curve, e.cfg.CurveLimits)
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

func (tx *txn) emitInstrumentTrade(q domain.InstrumentTrade) {
	tx.emit(domain.EventInstrumentTraded, domain.InstrumentTraded{
		Handle:      q.Handle,
		Trader:      q.Trader.Hex(),
		Side:        q.Side,
		Amount:      q.Amount,
		Value:       fp.Format(&q.Value),
		Fee:         fp.Format(&q.Fee),
		Price:       fp.Format(&q.Price),
		TotalSupply: q.TotalSupply,
	})
}
