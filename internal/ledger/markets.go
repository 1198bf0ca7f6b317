package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/pricing"
)

// CreateMarket opens a market funded by the caller's seed liquidity. The
// seed is recorded as the creator's contribution for cancellation refunds
// and, after resolution, comes back through WithdrawLiquidity.
func (e *Engine) CreateMarket(caller common.Address, spec domain.MarketSpec) (domain.Market, error) {
	var out domain.Market
	err := e.exec("create_market", caller, func(tx *txn) error {
		labels, err := e.checkLabels(spec.Labels)
		if err != nil {
			return err
		}
		if spec.Duration <= 0 {
			return fmt.Errorf("%w: duration must be positive", domain.ErrValidation)
		}
		if spec.CreatorFeeBps > e.cfg.MaxCreatorFeeBps {
			return fmt.Errorf("%w: creator fee %d bps above %d", domain.ErrValidation,
				spec.CreatorFeeBps, e.cfg.MaxCreatorFeeBps)
		}
		if spec.Seed.IsZero() {
			return fmt.Errorf("%w: seed liquidity must be positive", domain.ErrValidation)
		}
		shares, err := pricing.Seed(spec.Algorithm, len(labels), &spec.Seed, &spec.Param)
		if err != nil {
			return classify(err)
		}
		if err := tx.pull(caller, &spec.Seed); err != nil {
			return err
		}

		m := tx.createMarket(domain.Market{
			Creator:        caller,
			Labels:         labels,
			Algorithm:      spec.Algorithm,
			Param:          spec.Param,
			Shares:         shares,
			Outstanding:    make([]uint256.Int, len(labels)),
			CollateralPool: spec.Seed,
			Seed:           spec.Seed,
			CreatorFeeBps:  spec.CreatorFeeBps,
			Status:         domain.MarketStatusOpen,
			Winner:         domain.NoWinner,
			EndTime:        tx.now.Add(spec.Duration),
			CreatedAt:      tx.now,
		})
		if _, err := tx.recordTrade(m, caller, tradeLeg{paid: spec.Seed}); err != nil {
			return err
		}
		tx.emit(domain.EventMarketCreated, domain.MarketCreated{
			Market:        m.ID,
			Creator:       caller.Hex(),
			Labels:        labels,
			Algorithm:     spec.Algorithm.String(),
			Seed:          fp.Format(&spec.Seed),
			CreatorFeeBps: spec.CreatorFeeBps,
			EndTime:       m.EndTime,
		})
		out = m.Clone()
		return nil
	})
	return out, err
}

func (e *Engine) checkLabels(in []string) ([]string, error) {
	if len(in) < 2 || len(in) > e.cfg.MaxOutcomes {
		return nil, fmt.Errorf("%w: need 2 to %d outcomes, got %d", domain.ErrValidation, e.cfg.MaxOutcomes, len(in))
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, len(in))
	for i, l := range in {
		l = strings.TrimSpace(l)
		if l == "" {
			return nil, fmt.Errorf("%w: outcome %d has an empty label", domain.ErrValidation, i)
		}
		key := strings.ToLower(l)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate outcome label %q", domain.ErrValidation, l)
		}
		seen[key] = struct{}{}
		out[i] = l
	}
	return out, nil
}

// BuyOutcome buys amount shares of outcome from the market maker. The
// caller pays the pricer cost plus the creator fee and the call fails with
// ErrSlippageExceeded if that exceeds maxCost.
func (e *Engine) BuyOutcome(caller common.Address, id domain.MarketID, outcome int, amount, maxCost *uint256.Int) (domain.OutcomeTrade, error) {
	var out domain.OutcomeTrade
	err := e.exec("buy_outcome", caller, func(tx *txn) error {
		m, err := tx.market(id)
		if err != nil {
			return err
		}
		if err := m.Tradable(tx.now); err != nil {
			return err
		}
		t, q, err := e.quoteOutcome(m, outcome, domain.OrderSideBuy, amount)
		if err != nil {
			return err
		}
		if t.Settled.Gt(maxCost) {
			return fmt.Errorf("%w: cost %s above max %s", domain.ErrSlippageExceeded,
				fp.Format(&t.Settled), fp.Format(maxCost))
		}
		if err := tx.pull(caller, &t.Settled); err != nil {
			return err
		}

		pool, err := add(&m.CollateralPool, &t.Value)
		if err != nil {
			return err
		}
		fees, err := add(&m.CreatorFees, &t.Fee)
		if err != nil {
			return err
		}
		outstanding, err := add(&m.Outstanding[outcome], amount)
		if err != nil {
			return err
		}
		m.Shares = q.Shares
		m.CollateralPool = *pool
		m.CreatorFees = *fees
		m.Outstanding[outcome] = *outstanding
		if _, err := tx.recordTrade(m, caller, tradeLeg{outcome: outcome, sharesIn: *amount, paid: t.Value}); err != nil {
			return err
		}

		t.Trader = caller
		tx.emitOutcomeTrade(t)
		out = t
		return nil
	})
	return out, err
}

// SellOutcome sells amount shares of outcome back to the market maker. The
// caller receives the proceeds minus the creator fee and the call fails
// with ErrSlippageExceeded if that is below minProceeds.
func (e *Engine) SellOutcome(caller common.Address, id domain.MarketID, outcome int, amount, minProceeds *uint256.Int) (domain.OutcomeTrade, error) {
	var out domain.OutcomeTrade
	err := e.exec("sell_outcome", caller, func(tx *txn) error {
		m, err := tx.market(id)
		if err != nil {
			return err
		}
		if err := m.Tradable(tx.now); err != nil {
			return err
		}
		if err := m.CheckOutcome(outcome); err != nil {
			return err
		}
		pos := tx.position(m, caller)
		if pos == nil || pos.Shares[outcome].Lt(amount) {
			held := new(uint256.Int)
			if pos != nil {
				held = &pos.Shares[outcome]
			}
			return fmt.Errorf("%w: %s holds %s of outcome %d, selling %s", domain.ErrInsufficientBalance,
				caller.Hex(), fp.Format(held), outcome, fp.Format(amount))
		}
		t, q, err := e.quoteOutcome(m, outcome, domain.OrderSideSell, amount)
		if err != nil {
			return err
		}
		if t.Settled.Lt(minProceeds) {
			return fmt.Errorf("%w: proceeds %s below min %s", domain.ErrSlippageExceeded,
				fp.Format(&t.Settled), fp.Format(minProceeds))
		}

		pool, err := sub(&m.CollateralPool, &t.Value)
		if err != nil {
			return err
		}
		fees, err := add(&m.CreatorFees, &t.Fee)
		if err != nil {
			return err
		}
		outstanding, err := sub(&m.Outstanding[outcome], amount)
		if err != nil {
			return err
		}
		m.Shares = q.Shares
		m.CollateralPool = *pool
		m.CreatorFees = *fees
		m.Outstanding[outcome] = *outstanding
		if _, err := tx.recordTrade(m, caller, tradeLeg{outcome: outcome, sharesOut: *amount, received: t.Value}); err != nil {
			return err
		}
		tx.push(caller, &t.Settled)

		t.Trader = caller
		tx.emitOutcomeTrade(t)
		out = t
		return nil
	})
	return out, err
}

// QuoteOutcome prices a market-maker trade without executing it.
func (e *Engine) QuoteOutcome(id domain.MarketID, outcome int, side domain.OrderSide, amount *uint256.Int) (domain.OutcomeTrade, error) {
	m, err := e.lookupMarket(id)
	if err != nil {
		return domain.OutcomeTrade{}, fmt.Errorf("ledger: quote outcome: %w", err)
	}
	if err := m.Tradable(e.clock.Now()); err != nil {
		return domain.OutcomeTrade{}, fmt.Errorf("ledger: quote outcome: %w", err)
	}
	t, _, err := e.quoteOutcome(m, outcome, side, amount)
	if err != nil {
		return domain.OutcomeTrade{}, fmt.Errorf("ledger: quote outcome: %w", err)
	}
	return t, nil
}

// Prices returns the current outcome probabilities of a market.
func (e *Engine) Prices(id domain.MarketID) ([]uint256.Int, error) {
	m, err := e.lookupMarket(id)
	if err != nil {
		return nil, fmt.Errorf("ledger: prices: %w", err)
	}
	prices, err := pricing.Prices(m.Algorithm, m.Shares, &m.Param)
	if err != nil {
		return nil, fmt.Errorf("ledger: prices: %w", classify(err))
	}
	return prices, nil
}

// Market returns a copy of a market.
func (e *Engine) Market(id domain.MarketID) (domain.Market, error) {
	m, err := e.lookupMarket(id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger: market: %w", err)
	}
	return m.Clone(), nil
}

// Markets returns copies of every market, optionally filtered by status.
func (e *Engine) Markets(status domain.MarketStatus) []domain.Market {
	var out []domain.Market
	for i := range e.markets {
		if status == "" || e.markets[i].Status == status {
			out = append(out, e.markets[i].Clone())
		}
	}
	return out
}

// Position returns a copy of holder's position in a market.
func (e *Engine) Position(id domain.MarketID, holder common.Address) (domain.Position, error) {
	pid, ok := e.positionIndex[positionKey{id, holder}]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: position: %w: %w: %s in market %d",
			domain.ErrValidation, domain.ErrNotFound, holder.Hex(), id)
	}
	return e.positions[pid-1].Clone(), nil
}

// Positions returns copies of every position in a market in opening order.
func (e *Engine) Positions(id domain.MarketID) []domain.Position {
	ids := e.marketPositions[id]
	out := make([]domain.Position, 0, len(ids))
	for _, pid := range ids {
		out = append(out, e.positions[pid-1].Clone())
	}
	return out
}

func (e *Engine) lookupMarket(id domain.MarketID) (*domain.Market, error) {
	if id == 0 || int(id) > len(e.markets) {
		return nil, fmt.Errorf("%w: %w: market %d", domain.ErrValidation, domain.ErrNotFound, id)
	}
	return &e.markets[id-1], nil
}

func (e *Engine) quoteOutcome(m *domain.Market, outcome int, side domain.OrderSide, amount *uint256.Int) (domain.OutcomeTrade, pricing.Quote, error) {
	if err := m.CheckOutcome(outcome); err != nil {
		return domain.OutcomeTrade{}, pricing.Quote{}, err
	}
	price := pricing.Buy
	if side == domain.OrderSideSell {
		price = pricing.Sell
	}
	q, err := price(m.Algorithm, m.Shares, outcome, amount, &m.Param, &e.cfg.Epsilon)
	if err != nil {
		return domain.OutcomeTrade{}, pricing.Quote{}, classify(err)
	}
	fee, err := fp.ApplyBps(q.Amount, m.CreatorFeeBps)
	if err != nil {
		return domain.OutcomeTrade{}, pricing.Quote{}, classify(err)
	}
	t := domain.OutcomeTrade{
		Market:  m.ID,
		Outcome: outcome,
		Side:    side,
		Shares:  *amount,
		Value:   *q.Amount,
		Fee:     *fee,
		Prices:  q.Prices,
	}
	if side == domain.OrderSideBuy {
		total, err := add(q.Amount, fee)
		if err != nil {
			return domain.OutcomeTrade{}, pricing.Quote{}, err
		}
		t.Settled = *total
	} else {
		t.Settled.Sub(q.Amount, fee)
	}
	return t, q, nil
}

// tradeLeg is one holder's side of a trade. Zero fields are no-ops.
type tradeLeg struct {
	outcome   int
	sharesIn  uint256.Int
	sharesOut uint256.Int
	escrowOut uint256.Int
	paid      uint256.Int
	received  uint256.Int
}

// recordTrade is the single position-accounting path shared by market-maker
// trades and book fills.
func (tx *txn) recordTrade(m *domain.Market, holder common.Address, leg tradeLeg) (*domain.Position, error) {
	pos := tx.ensurePosition(m, holder)
	o := leg.outcome
	shares, err := add(&pos.Shares[o], &leg.sharesIn)
	if err != nil {
		return nil, err
	}
	if shares, err = sub(shares, &leg.sharesOut); err != nil {
		return nil, err
	}
	escrowed, err := sub(&pos.Escrowed[o], &leg.escrowOut)
	if err != nil {
		return nil, err
	}
	paid, err := add(&pos.Paid, &leg.paid)
	if err != nil {
		return nil, err
	}
	received, err := add(&pos.Received, &leg.received)
	if err != nil {
		return nil, err
	}
	pos.Shares[o] = *shares
	pos.Escrowed[o] = *escrowed
	pos.Paid = *paid
	pos.Received = *received
	return pos, nil
}

func (tx *txn) emitOutcomeTrade(t domain.OutcomeTrade) {
	tx.emit(domain.EventOutcomeTraded, domain.OutcomeTraded{
		Market:  t.Market,
		Trader:  t.Trader.Hex(),
		Outcome: t.Outcome,
		Side:    t.Side,
		Shares:  fp.Format(&t.Shares),
		Value:   fp.Format(&t.Value),
		Fee:     fp.Format(&t.Fee),
		Prices:  formatAll(t.Prices),
	})
}

func formatAll(v []uint256.Int) []string {
	out := make([]string, len(v))
	for i := range v {
		out[i] = fp.Format(&v[i])
	}
	return out
}
