package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/pricing"
)

// MarketID is the dense arena index of a market, starting at 1.
type MarketID uint64

// MarketStatus represents the lifecycle state of a market. Open moves to
// exactly one of Resolved or Cancelled, both terminal.
type MarketStatus string

const (
	MarketStatusOpen      MarketStatus = "open"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
)

// NoWinner marks a market without a resolved outcome.
const NoWinner = -1

// Market is a multi-outcome prediction market priced by an automated
// market maker.
type Market struct {
	ID        MarketID          `json:"id"`
	Creator   common.Address    `json:"creator"`
	Labels    []string          `json:"labels"`
	Algorithm pricing.Algorithm `json:"algorithm"`
	Param     uint256.Int       `json:"param"`
	// Shares is the pricing state: CPMM reserves or LMSR quantities.
	Shares []uint256.Int `json:"shares"`
	// Outstanding counts trader-held shares per outcome, escrowed ones
	// included.
	Outstanding    []uint256.Int `json:"outstanding"`
	CollateralPool uint256.Int   `json:"collateral_pool"`
	Seed           uint256.Int   `json:"seed"`
	CreatorFeeBps  uint32        `json:"creator_fee_bps"`
	CreatorFees    uint256.Int   `json:"creator_fees"`
	Status         MarketStatus  `json:"status"`
	Winner         int           `json:"winner"`
	RefundDust     uint256.Int   `json:"refund_dust"`
	EndTime        time.Time     `json:"end_time"`
	CreatedAt      time.Time     `json:"created_at"`
	SettledAt      time.Time     `json:"settled_at"`
}

// Clone returns a deep copy of m.
func (m Market) Clone() Market {
	m.Labels = append([]string(nil), m.Labels...)
	m.Shares = pricing.Clone(m.Shares)
	m.Outstanding = pricing.Clone(m.Outstanding)
	return m
}

// Outcomes returns the number of outcomes.
func (m *Market) Outcomes() int { return len(m.Labels) }

// CheckOutcome reports whether i names an outcome of m.
func (m *Market) CheckOutcome(i int) error {
	if i < 0 || i >= len(m.Labels) {
		return fmt.Errorf("%w: outcome %d out of range [0,%d)", ErrValidation, i, len(m.Labels))
	}
	return nil
}

// Tradable reports whether the market accepts trades and orders at now.
func (m *Market) Tradable(now time.Time) error {
	if m.Status != MarketStatusOpen {
		return fmt.Errorf("%w: market %d is %s", ErrStateConflict, m.ID, m.Status)
	}
	if !now.Before(m.EndTime) {
		return fmt.Errorf("%w: market %d closed for trading at %s", ErrStateConflict, m.ID, m.EndTime.Format(time.RFC3339))
	}
	return nil
}

// MarketSpec describes a market to create.
type MarketSpec struct {
	Labels        []string
	Algorithm     pricing.Algorithm
	Param         uint256.Int
	Seed          uint256.Int
	Duration      time.Duration
	CreatorFeeBps uint32
}

// OutcomeTrade is the receipt of a trade against a market maker.
type OutcomeTrade struct {
	Market  MarketID
	Trader  common.Address
	Outcome int
	Side    OrderSide
	Shares  uint256.Int
	// Value is the market-maker cost of a buy or gross proceeds of a sell.
	Value   uint256.Int
	Fee     uint256.Int
	Settled uint256.Int
	Prices  []uint256.Int
}
