package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind names a ledger event.
type EventKind string

const (
	EventInstrumentRegistered    EventKind = "instrument.registered"
	EventInstrumentTraded        EventKind = "instrument.traded"
	EventInstrumentFeesWithdrawn EventKind = "instrument.fees_withdrawn"
	EventCurveOverridden         EventKind = "instrument.curve_overridden"
	EventMarketCreated           EventKind = "market.created"
	EventOutcomeTraded           EventKind = "market.traded"
	EventMarketResolved          EventKind = "market.resolved"
	EventMarketCancelled         EventKind = "market.cancelled"
	EventClaimed                 EventKind = "market.claimed"
	EventLiquidityWithdrawn      EventKind = "market.liquidity_withdrawn"
	EventCreatorFeesWithdrawn    EventKind = "market.creator_fees_withdrawn"
	EventOrderPlaced             EventKind = "order.placed"
	EventOrderFilled             EventKind = "order.filled"
	EventOrderCancelled          EventKind = "order.cancelled"
)

// Event is one entry of the append-only ledger log. Seq is gapless and
// starts at 1; ID is derived from Seq so replays produce identical IDs.
type Event struct {
	Seq  uint64          `json:"seq"`
	ID   uuid.UUID       `json:"id"`
	Kind EventKind       `json:"kind"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// Amounts in event payloads are decimal strings so every consumer reads
// them without the ledger's integer types.

type InstrumentRegistered struct {
	Handle    string `json:"handle"`
	Creator   string `json:"creator"`
	Kind      string `json:"kind"`
	BasePrice string `json:"base_price"`
	Slope     string `json:"slope"`
	MaxSupply uint64 `json:"max_supply"`
}

type InstrumentTraded struct {
	Handle      string    `json:"handle"`
	Trader      string    `json:"trader"`
	Side        OrderSide `json:"side"`
	Amount      uint64    `json:"amount"`
	Value       string    `json:"value"`
	Fee         string    `json:"fee"`
	Price       string    `json:"price"`
	TotalSupply uint64    `json:"total_supply"`
}

type InstrumentFeesWithdrawn struct {
	Handle string `json:"handle"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type CurveOverridden struct {
	Handle    string `json:"handle"`
	Kind      string `json:"kind"`
	BasePrice string `json:"base_price"`
	Slope     string `json:"slope"`
	By        string `json:"by"`
}

type MarketCreated struct {
	Market        MarketID  `json:"market"`
	Creator       string    `json:"creator"`
	Labels        []string  `json:"labels"`
	Algorithm     string    `json:"algorithm"`
	Seed          string    `json:"seed"`
	CreatorFeeBps uint32    `json:"creator_fee_bps"`
	EndTime       time.Time `json:"end_time"`
}

type OutcomeTraded struct {
	Market  MarketID  `json:"market"`
	Trader  string    `json:"trader"`
	Outcome int       `json:"outcome"`
	Side    OrderSide `json:"side"`
	Shares  string    `json:"shares"`
	Value   string    `json:"value"`
	Fee     string    `json:"fee"`
	Prices  []string  `json:"prices"`
}

type MarketResolved struct {
	Market      MarketID `json:"market"`
	Winner      int      `json:"winner"`
	Label       string   `json:"label"`
	Pool        string   `json:"pool"`
	Outstanding string   `json:"outstanding"`
	By          string   `json:"by"`
}

type MarketCancelled struct {
	Market   MarketID `json:"market"`
	Pool     string   `json:"pool"`
	Refunded string   `json:"refunded"`
	Dust     string   `json:"dust"`
	Holders  int      `json:"holders"`
	By       string   `json:"by"`
}

type Claimed struct {
	Market MarketID `json:"market"`
	Holder string   `json:"holder"`
	Amount string   `json:"amount"`
	Refund bool     `json:"refund"`
}

type MarketWithdrawal struct {
	Market MarketID `json:"market"`
	To     string   `json:"to"`
	Amount string   `json:"amount"`
}

type OrderPlaced struct {
	Order      OrderID   `json:"order"`
	Market     MarketID  `json:"market"`
	Outcome    int       `json:"outcome"`
	Trader     string    `json:"trader"`
	Side       OrderSide `json:"side"`
	Shares     string    `json:"shares"`
	LimitPrice string    `json:"limit_price"`
	Escrow     string    `json:"escrow"`
}

type OrderFilled struct {
	Market    MarketID `json:"market"`
	Outcome   int      `json:"outcome"`
	BuyOrder  OrderID  `json:"buy_order"`
	SellOrder OrderID  `json:"sell_order"`
	Maker     OrderID  `json:"maker"`
	Buyer     string   `json:"buyer"`
	Seller    string   `json:"seller"`
	Shares    string   `json:"shares"`
	Price     string   `json:"price"`
	Payment   string   `json:"payment"`
	Reference string   `json:"reference_price"`
}

type OrderCancelled struct {
	Order    OrderID  `json:"order"`
	Market   MarketID `json:"market"`
	Trader   string   `json:"trader"`
	Released string   `json:"released"`
	Reason   string   `json:"reason"`
}
