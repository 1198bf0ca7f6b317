package handler

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/ledger"
)

// The API renders every wad as a decimal string.

func wad(x *uint256.Int) string { return fp.Format(x) }

func wads(xs []uint256.Int) []string {
	out := make([]string, len(xs))
	for i := range xs {
		out[i] = fp.Format(&xs[i])
	}
	return out
}

type curveView struct {
	Kind       string `json:"kind"`
	BasePrice  string `json:"base_price"`
	Slope      string `json:"slope"`
	Inflection string `json:"inflection,omitempty"`
	Steepness  string `json:"steepness,omitempty"`
	MaxSupply  uint64 `json:"max_supply,omitempty"`
}

type instrumentView struct {
	ID             domain.InstrumentID `json:"id"`
	Handle         string              `json:"handle"`
	Creator        string              `json:"creator"`
	Curve          curveView           `json:"curve"`
	TotalSupply    uint64              `json:"total_supply"`
	CollateralPool string              `json:"collateral_pool"`
	FeesAccrued    string              `json:"fees_accrued"`
	CreatedAt      time.Time           `json:"created_at"`
}

func newInstrumentView(inst domain.Instrument) instrumentView {
	c := inst.Curve
	v := instrumentView{
		ID:      inst.ID,
		Handle:  inst.Handle,
		Creator: inst.Creator.Hex(),
		Curve: curveView{
			Kind:      c.Kind.String(),
			BasePrice: wad(&c.BasePrice),
			Slope:     wad(&c.Slope),
			MaxSupply: c.MaxSupply,
		},
		TotalSupply:    inst.TotalSupply,
		CollateralPool: wad(&inst.CollateralPool),
		FeesAccrued:    wad(&inst.FeesAccrued),
		CreatedAt:      inst.CreatedAt,
	}
	if !c.Inflection.IsZero() {
		v.Curve.Inflection = wad(&c.Inflection)
	}
	if !c.Steepness.IsZero() {
		v.Curve.Steepness = wad(&c.Steepness)
	}
	return v
}

type instrumentTradeView struct {
	Handle      string `json:"handle"`
	Trader      string `json:"trader,omitempty"`
	Side        string `json:"side"`
	Amount      uint64 `json:"amount"`
	Value       string `json:"value"`
	Fee         string `json:"fee"`
	Settled     string `json:"settled"`
	Price       string `json:"price"`
	TotalSupply uint64 `json:"total_supply"`
}

func newInstrumentTradeView(t domain.InstrumentTrade) instrumentTradeView {
	v := instrumentTradeView{
		Handle:      t.Handle,
		Side:        string(t.Side),
		Amount:      t.Amount,
		Value:       wad(&t.Value),
		Fee:         wad(&t.Fee),
		Settled:     wad(&t.Settled),
		Price:       wad(&t.Price),
		TotalSupply: t.TotalSupply,
	}
	if t.Trader != (common.Address{}) {
		v.Trader = t.Trader.Hex()
	}
	return v
}

type holdingView struct {
	Holder string `json:"holder"`
	Amount uint64 `json:"amount"`
}

func newHoldingViews(hs []ledger.Holding) []holdingView {
	out := make([]holdingView, len(hs))
	for i, h := range hs {
		out[i] = holdingView{Holder: h.Holder.Hex(), Amount: h.Amount}
	}
	return out
}

type marketView struct {
	ID             domain.MarketID     `json:"id"`
	Creator        string              `json:"creator"`
	Labels         []string            `json:"labels"`
	Algorithm      string              `json:"algorithm"`
	Param          string              `json:"param"`
	Shares         []string            `json:"shares"`
	Outstanding    []string            `json:"outstanding"`
	CollateralPool string              `json:"collateral_pool"`
	Seed           string              `json:"seed"`
	CreatorFeeBps  uint32              `json:"creator_fee_bps"`
	CreatorFees    string              `json:"creator_fees"`
	Status         domain.MarketStatus `json:"status"`
	Winner         *int                `json:"winner,omitempty"`
	WinnerLabel    string              `json:"winner_label,omitempty"`
	RefundDust     string              `json:"refund_dust,omitempty"`
	EndTime        time.Time           `json:"end_time"`
	CreatedAt      time.Time           `json:"created_at"`
	SettledAt      *time.Time          `json:"settled_at,omitempty"`
}

func newMarketView(m domain.Market) marketView {
	v := marketView{
		ID:             m.ID,
		Creator:        m.Creator.Hex(),
		Labels:         m.Labels,
		Algorithm:      m.Algorithm.String(),
		Param:          wad(&m.Param),
		Shares:         wads(m.Shares),
		Outstanding:    wads(m.Outstanding),
		CollateralPool: wad(&m.CollateralPool),
		Seed:           wad(&m.Seed),
		CreatorFeeBps:  m.CreatorFeeBps,
		CreatorFees:    wad(&m.CreatorFees),
		Status:         m.Status,
		EndTime:        m.EndTime,
		CreatedAt:      m.CreatedAt,
	}
	if m.Winner != domain.NoWinner && m.Winner < len(m.Labels) {
		w := m.Winner
		v.Winner = &w
		v.WinnerLabel = m.Labels[w]
	}
	if m.Status == domain.MarketStatusCancelled {
		v.RefundDust = wad(&m.RefundDust)
	}
	if !m.SettledAt.IsZero() {
		t := m.SettledAt
		v.SettledAt = &t
	}
	return v
}

type outcomeTradeView struct {
	Market  domain.MarketID `json:"market"`
	Trader  string          `json:"trader,omitempty"`
	Outcome int             `json:"outcome"`
	Side    string          `json:"side"`
	Shares  string          `json:"shares"`
	Value   string          `json:"value"`
	Fee     string          `json:"fee"`
	Settled string          `json:"settled"`
	Prices  []string        `json:"prices"`
}

func newOutcomeTradeView(t domain.OutcomeTrade) outcomeTradeView {
	v := outcomeTradeView{
		Market:  t.Market,
		Outcome: t.Outcome,
		Side:    string(t.Side),
		Shares:  wad(&t.Shares),
		Value:   wad(&t.Value),
		Fee:     wad(&t.Fee),
		Settled: wad(&t.Settled),
		Prices:  wads(t.Prices),
	}
	if t.Trader != (common.Address{}) {
		v.Trader = t.Trader.Hex()
	}
	return v
}

type positionView struct {
	Market   domain.MarketID `json:"market"`
	Holder   string          `json:"holder"`
	Shares   []string        `json:"shares"`
	Escrowed []string        `json:"escrowed"`
	Paid     string          `json:"paid"`
	Received string          `json:"received"`
	Refund   string          `json:"refund"`
	Claimed  bool            `json:"claimed"`
}

func newPositionView(p domain.Position) positionView {
	return positionView{
		Market:   p.Market,
		Holder:   p.Holder.Hex(),
		Shares:   wads(p.Shares),
		Escrowed: wads(p.Escrowed),
		Paid:     wad(&p.Paid),
		Received: wad(&p.Received),
		Refund:   wad(&p.Refund),
		Claimed:  p.Claimed,
	}
}

type orderView struct {
	ID           domain.OrderID     `json:"id"`
	Market       domain.MarketID    `json:"market"`
	Outcome      int                `json:"outcome"`
	Trader       string             `json:"trader"`
	Side         domain.OrderSide   `json:"side"`
	Shares       string             `json:"shares"`
	Remaining    string             `json:"remaining"`
	LimitPrice   string             `json:"limit_price"`
	LockedEscrow string             `json:"locked_escrow"`
	Status       domain.OrderStatus `json:"status"`
	PlacedAt     time.Time          `json:"placed_at"`
}

func newOrderView(o domain.LimitOrder) orderView {
	return orderView{
		ID:           o.ID,
		Market:       o.Market,
		Outcome:      o.Outcome,
		Trader:       o.Trader.Hex(),
		Side:         o.Side,
		Shares:       wad(&o.Shares),
		Remaining:    wad(&o.Remaining),
		LimitPrice:   wad(&o.LimitPrice),
		LockedEscrow: wad(&o.LockedEscrow),
		Status:       o.Status,
		PlacedAt:     o.PlacedAt,
	}
}

type fillView struct {
	BuyOrder    domain.OrderID `json:"buy_order"`
	SellOrder   domain.OrderID `json:"sell_order"`
	Maker       domain.OrderID `json:"maker"`
	Buyer       string         `json:"buyer"`
	Seller      string         `json:"seller"`
	Shares      string         `json:"shares"`
	Price       string         `json:"price"`
	Payment     string         `json:"payment"`
	BuyerRefund string         `json:"buyer_refund"`
}

type receiptView struct {
	Order orderView  `json:"order"`
	Fills []fillView `json:"fills"`
}

func newReceiptView(r domain.OrderReceipt) receiptView {
	v := receiptView{Order: newOrderView(r.Order), Fills: make([]fillView, len(r.Fills))}
	for i, f := range r.Fills {
		v.Fills[i] = fillView{
			BuyOrder:    f.BuyOrder,
			SellOrder:   f.SellOrder,
			Maker:       f.Maker,
			Buyer:       f.Buyer.Hex(),
			Seller:      f.Seller.Hex(),
			Shares:      wad(&f.Shares),
			Price:       wad(&f.Price),
			Payment:     wad(&f.Payment),
			BuyerRefund: wad(&f.BuyerRefund),
		}
	}
	return v
}

type levelView struct {
	Price  string `json:"price"`
	Shares string `json:"shares"`
	Orders int    `json:"orders"`
}

type bookView struct {
	Market  domain.MarketID `json:"market"`
	Outcome int             `json:"outcome"`
	Bids    []levelView     `json:"bids"`
	Asks    []levelView     `json:"asks"`
}

func levels(ls []domain.BookLevel) []levelView {
	out := make([]levelView, len(ls))
	for i := range ls {
		out[i] = levelView{Price: wad(&ls[i].Price), Shares: wad(&ls[i].Shares), Orders: ls[i].Orders}
	}
	return out
}

func newBookView(b domain.BookView) bookView {
	return bookView{Market: b.Market, Outcome: b.Outcome, Bids: levels(b.Bids), Asks: levels(b.Asks)}
}
