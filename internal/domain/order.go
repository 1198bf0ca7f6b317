package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OrderID is the dense arena index of a limit order, starting at 1. IDs are
// assigned in placement order and double as time priority.
type OrderID uint64

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Resting reports whether an order in this status sits on the book.
func (s OrderStatus) Resting() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// LimitOrder is a resting or historical order on a market outcome.
//
// A buy locks ceil(Remaining*LimitPrice) collateral; a sell locks Remaining
// shares. LockedEscrow always equals that amount for the current Remaining.
type LimitOrder struct {
	ID           OrderID        `json:"id"`
	Market       MarketID       `json:"market"`
	Outcome      int            `json:"outcome"`
	Trader       common.Address `json:"trader"`
	Side         OrderSide      `json:"side"`
	Shares       uint256.Int    `json:"shares"`
	Remaining    uint256.Int    `json:"remaining"`
	LimitPrice   uint256.Int    `json:"limit_price"`
	LockedEscrow uint256.Int    `json:"locked_escrow"`
	Status       OrderStatus    `json:"status"`
	PlacedAt     time.Time      `json:"placed_at"`
}

// Fill is one match between a buy and a sell order at the resting order's
// price.
type Fill struct {
	Market    MarketID
	Outcome   int
	BuyOrder  OrderID
	SellOrder OrderID
	Maker     OrderID
	Buyer     common.Address
	Seller    common.Address
	Shares    uint256.Int
	Price     uint256.Int
	// Payment is floor(Shares*Price), transferred buyer to seller.
	Payment uint256.Int
	// BuyerRefund is escrow released back to the buyer by this fill.
	BuyerRefund uint256.Int
}

// OrderReceipt is returned by order placement.
type OrderReceipt struct {
	Order LimitOrder
	Fills []Fill
}

// BookLevel aggregates resting orders at one price.
type BookLevel struct {
	Price  uint256.Int
	Shares uint256.Int
	Orders int
}

// BookView is the resting liquidity of one market outcome, best prices
// first.
type BookView struct {
	Market  MarketID
	Outcome int
	Bids    []BookLevel
	Asks    []BookLevel
}
