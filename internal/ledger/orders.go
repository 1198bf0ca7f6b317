package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/orderbook"
	"github.com/alanyoungcy/polyledger/internal/pricing"
)

// Cancellation reasons recorded on OrderCancelled events.
const (
	reasonOwner    = "owner"
	reasonResolved = "market_resolved"
	reasonCancel   = "market_cancelled"
)

// PlaceBuy escrows ceil(shares*limit) collateral and rests a buy order,
// first matching it against every crossing sell.
func (e *Engine) PlaceBuy(caller common.Address, id domain.MarketID, outcome int, shares, limit *uint256.Int) (domain.OrderReceipt, error) {
	return e.place(caller, id, outcome, domain.OrderSideBuy, shares, limit)
}

// PlaceSell escrows shares of outcome and rests a sell order, first
// matching it against every crossing buy.
func (e *Engine) PlaceSell(caller common.Address, id domain.MarketID, outcome int, shares, limit *uint256.Int) (domain.OrderReceipt, error) {
	return e.place(caller, id, outcome, domain.OrderSideSell, shares, limit)
}

func (e *Engine) place(caller common.Address, id domain.MarketID, outcome int, side domain.OrderSide, shares, limit *uint256.Int) (domain.OrderReceipt, error) {
	var out domain.OrderReceipt
	err := e.exec("place_"+string(side), caller, func(tx *txn) error {
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
		if shares.IsZero() {
			return fmt.Errorf("%w: order size must be positive", domain.ErrValidation)
		}
		if limit.IsZero() || !limit.Lt(fp.One()) {
			return fmt.Errorf("%w: limit price %s outside (0,1)", domain.ErrValidation, fp.Format(limit))
		}
		ref, err := e.referencePrice(m, outcome)
		if err != nil {
			return err
		}
		if err := e.checkBand(limit, ref); err != nil {
			return err
		}

		o := tx.createOrder(domain.LimitOrder{
			Market:     m.ID,
			Outcome:    outcome,
			Trader:     caller,
			Side:       side,
			Shares:     *shares,
			Remaining:  *shares,
			LimitPrice: *limit,
			Status:     domain.OrderStatusOpen,
			PlacedAt:   tx.now,
		})
		if side == domain.OrderSideBuy {
			escrow, err := buyEscrow(shares, limit)
			if err != nil {
				return err
			}
			if err := tx.pull(caller, escrow); err != nil {
				return err
			}
			o.LockedEscrow = *escrow
		} else {
			pos := tx.position(m, caller)
			if pos == nil || pos.Shares[outcome].Lt(shares) {
				return fmt.Errorf("%w: %s cannot escrow %s shares of outcome %d",
					domain.ErrInsufficientBalance, caller.Hex(), fp.Format(shares), outcome)
			}
			pos.Shares[outcome].Sub(&pos.Shares[outcome], shares)
			escrowed, err := add(&pos.Escrowed[outcome], shares)
			if err != nil {
				return err
			}
			pos.Escrowed[outcome] = *escrowed
			o.LockedEscrow = *shares
		}
		tx.emit(domain.EventOrderPlaced, domain.OrderPlaced{
			Order:      o.ID,
			Market:     m.ID,
			Outcome:    outcome,
			Trader:     caller.Hex(),
			Side:       side,
			Shares:     fp.Format(shares),
			LimitPrice: fp.Format(limit),
			Escrow:     fp.Format(&o.LockedEscrow),
		})

		fills, err := tx.match(m, o, ref)
		if err != nil {
			return err
		}
		if !o.Remaining.IsZero() {
			tx.book(m.ID, outcome).Insert(side, &o.LimitPrice, o.ID)
		}
		out = domain.OrderReceipt{Order: *o, Fills: fills}
		return nil
	})
	return out, err
}

// CancelOrder withdraws a resting order and returns its remaining escrow.
// Only the trader who placed it may cancel it.
func (e *Engine) CancelOrder(caller common.Address, id domain.OrderID) (domain.LimitOrder, error) {
	var out domain.LimitOrder
	err := e.exec("cancel_order", caller, func(tx *txn) error {
		o, ok := tx.order(id)
		if !ok {
			return fmt.Errorf("%w: %w: order %d", domain.ErrValidation, domain.ErrNotFound, id)
		}
		if o.Trader != caller {
			return fmt.Errorf("%w: order %d belongs to %s", domain.ErrStateConflict, id, o.Trader.Hex())
		}
		if !o.Status.Resting() {
			return fmt.Errorf("%w: order %d is %s", domain.ErrStateConflict, id, o.Status)
		}
		m, err := tx.market(o.Market)
		if err != nil {
			return err
		}
		if err := tx.cancelOrder(m, o, reasonOwner); err != nil {
			return err
		}
		out = *o
		return nil
	})
	return out, err
}

// Order returns a copy of an order.
func (e *Engine) Order(id domain.OrderID) (domain.LimitOrder, error) {
	if id == 0 || int(id) > len(e.orders) {
		return domain.LimitOrder{}, fmt.Errorf("ledger: order: %w: %w: order %d", domain.ErrValidation, domain.ErrNotFound, id)
	}
	return e.orders[id-1], nil
}

// Orders returns a market's orders in placement order. With restingOnly set
// filled and cancelled orders are skipped.
func (e *Engine) Orders(id domain.MarketID, restingOnly bool) []domain.LimitOrder {
	var out []domain.LimitOrder
	for _, oid := range e.marketOrders[id] {
		o := e.orders[oid-1]
		if restingOnly && !o.Status.Resting() {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Book aggregates the resting orders of one market outcome by price level.
func (e *Engine) Book(id domain.MarketID, outcome int) (domain.BookView, error) {
	m, err := e.lookupMarket(id)
	if err != nil {
		return domain.BookView{}, fmt.Errorf("ledger: book: %w", err)
	}
	if err := m.CheckOutcome(outcome); err != nil {
		return domain.BookView{}, fmt.Errorf("ledger: book: %w", err)
	}
	view := domain.BookView{Market: id, Outcome: outcome}
	b, ok := e.books[bookKey{id, outcome}]
	if !ok {
		return view, nil
	}
	view.Bids = e.levels(b, domain.OrderSideBuy)
	view.Asks = e.levels(b, domain.OrderSideSell)
	return view, nil
}

func (e *Engine) levels(b *orderbook.Book, side domain.OrderSide) []domain.BookLevel {
	var out []domain.BookLevel
	b.Walk(side, func(en orderbook.Entry) bool {
		o := &e.orders[en.Order-1]
		if n := len(out); n > 0 && out[n-1].Price.Eq(&en.Price) {
			out[n-1].Shares.Add(&out[n-1].Shares, &o.Remaining)
			out[n-1].Orders++
			return true
		}
		out = append(out, domain.BookLevel{Price: en.Price, Shares: o.Remaining, Orders: 1})
		return true
	})
	return out
}

func (e *Engine) referencePrice(m *domain.Market, outcome int) (*uint256.Int, error) {
	prices, err := pricing.Prices(m.Algorithm, m.Shares, &m.Param)
	if err != nil {
		return nil, classify(err)
	}
	return &prices[outcome], nil
}

// checkBand rejects limits further than PriceBandBps of one unit from the
// market maker's price.
func (e *Engine) checkBand(limit, ref *uint256.Int) error {
	if e.cfg.PriceBandBps == 0 {
		return nil
	}
	band, err := fp.ApplyBps(fp.One(), e.cfg.PriceBandBps)
	if err != nil {
		return classify(err)
	}
	dev := new(uint256.Int)
	if limit.Gt(ref) {
		dev.Sub(limit, ref)
	} else {
		dev.Sub(ref, limit)
	}
	if dev.Gt(band) {
		return fmt.Errorf("%w: limit %s more than %s from reference %s", domain.ErrValidation,
			fp.Format(limit), fp.Format(band), fp.Format(ref))
	}
	return nil
}

func buyEscrow(shares, limit *uint256.Int) (*uint256.Int, error) {
	z, err := fp.MulUp(shares, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return z, nil
}

// match fills an incoming order against crossing resting orders in
// price-time priority, each at the resting order's price.
func (tx *txn) match(m *domain.Market, in *domain.LimitOrder, ref *uint256.Int) ([]domain.Fill, error) {
	b := tx.book(m.ID, in.Outcome)

	var makers []domain.OrderID
	need := new(uint256.Int).Set(&in.Remaining)
	b.Matchable(in.Side, &in.LimitPrice, func(en orderbook.Entry) bool {
		makers = append(makers, en.Order)
		rest, _ := tx.order(en.Order)
		if !need.Gt(&rest.Remaining) {
			return false
		}
		need.Sub(need, &rest.Remaining)
		return true
	})

	var fills []domain.Fill
	for _, id := range makers {
		if in.Remaining.IsZero() {
			break
		}
		rest, ok := tx.order(id)
		if !ok || !rest.Status.Resting() {
			return nil, violation("book holds non-resting order %d", id)
		}
		f, err := tx.fill(m, in, rest, ref)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, nil
}

// fill trades min(remaining) shares between an incoming and a resting order
// at the resting price. The seller is paid floor(size*price); the buyer's
// escrow shrinks to ceil(remaining*limit) and the difference beyond the
// payment is refunded.
func (tx *txn) fill(m *domain.Market, in, rest *domain.LimitOrder, ref *uint256.Int) (domain.Fill, error) {
	size := fp.Min(&in.Remaining, &rest.Remaining)
	price := rest.LimitPrice
	payment, err := fp.Mul(size, &price)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	buy, sell := in, rest
	if in.Side == domain.OrderSideSell {
		buy, sell = rest, in
	}

	buy.Remaining.Sub(&buy.Remaining, size)
	locked, err := buyEscrow(&buy.Remaining, &buy.LimitPrice)
	if err != nil {
		return domain.Fill{}, err
	}
	consumed, err := sub(&buy.LockedEscrow, locked)
	if err != nil {
		return domain.Fill{}, err
	}
	refund, err := sub(consumed, payment)
	if err != nil {
		return domain.Fill{}, violation("order %d escrow %s cannot cover payment %s",
			buy.ID, fp.Format(consumed), fp.Format(payment))
	}
	buy.LockedEscrow = *locked

	sell.Remaining.Sub(&sell.Remaining, size)
	sell.LockedEscrow = sell.Remaining

	for _, o := range []*domain.LimitOrder{buy, sell} {
		if o.Remaining.IsZero() {
			o.Status = domain.OrderStatusFilled
		} else {
			o.Status = domain.OrderStatusPartiallyFilled
		}
	}
	if rest.Remaining.IsZero() {
		if !tx.book(m.ID, rest.Outcome).Remove(rest.Side, &rest.LimitPrice, rest.ID) {
			return domain.Fill{}, violation("order %d missing from book", rest.ID)
		}
	}

	if _, err := tx.recordTrade(m, buy.Trader, tradeLeg{outcome: buy.Outcome, sharesIn: *size, paid: *payment}); err != nil {
		return domain.Fill{}, err
	}
	if _, err := tx.recordTrade(m, sell.Trader, tradeLeg{outcome: sell.Outcome, escrowOut: *size, received: *payment}); err != nil {
		return domain.Fill{}, err
	}
	tx.push(sell.Trader, payment)
	tx.push(buy.Trader, refund)

	f := domain.Fill{
		Market:      m.ID,
		Outcome:     in.Outcome,
		BuyOrder:    buy.ID,
		SellOrder:   sell.ID,
		Maker:       rest.ID,
		Buyer:       buy.Trader,
		Seller:      sell.Trader,
		Shares:      *size,
		Price:       price,
		Payment:     *payment,
		BuyerRefund: *refund,
	}
	tx.emit(domain.EventOrderFilled, domain.OrderFilled{
		Market:    m.ID,
		Outcome:   in.Outcome,
		BuyOrder:  buy.ID,
		SellOrder: sell.ID,
		Maker:     rest.ID,
		Buyer:     buy.Trader.Hex(),
		Seller:    sell.Trader.Hex(),
		Shares:    fp.Format(size),
		Price:     fp.Format(&price),
		Payment:   fp.Format(payment),
		Reference: fp.Format(ref),
	})
	return f, nil
}

// cancelOrder takes a resting order off the book and releases its escrow:
// collateral back to a buyer, shares back to a seller's free balance.
func (tx *txn) cancelOrder(m *domain.Market, o *domain.LimitOrder, reason string) error {
	if !tx.book(o.Market, o.Outcome).Remove(o.Side, &o.LimitPrice, o.ID) {
		return violation("resting order %d missing from book", o.ID)
	}
	released := o.LockedEscrow
	if o.Side == domain.OrderSideBuy {
		tx.push(o.Trader, &released)
	} else {
		pos := tx.position(m, o.Trader)
		if pos == nil {
			return violation("sell order %d has no position", o.ID)
		}
		escrowed, err := sub(&pos.Escrowed[o.Outcome], &o.Remaining)
		if err != nil {
			return err
		}
		free, err := add(&pos.Shares[o.Outcome], &o.Remaining)
		if err != nil {
			return err
		}
		pos.Escrowed[o.Outcome] = *escrowed
		pos.Shares[o.Outcome] = *free
	}
	o.LockedEscrow.Clear()
	o.Status = domain.OrderStatusCancelled
	tx.emit(domain.EventOrderCancelled, domain.OrderCancelled{
		Order:    o.ID,
		Market:   o.Market,
		Trader:   o.Trader.Hex(),
		Released: fp.Format(&released),
		Reason:   reason,
	})
	return nil
}

// unwindOrders cancels every resting order of a market in placement order.
func (tx *txn) unwindOrders(m *domain.Market, reason string) (int, error) {
	n := 0
	for _, id := range tx.marketOrderIDs(m.ID) {
		if _, staged := tx.orders.cur[id]; !staged && !tx.e.orders[id-1].Status.Resting() {
			continue
		}
		o, ok := tx.order(id)
		if !ok || !o.Status.Resting() {
			continue
		}
		if err := tx.cancelOrder(m, o, reason); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
