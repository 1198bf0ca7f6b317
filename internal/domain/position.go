package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/pricing"
)

// PositionID is the dense arena index of a position, starting at 1.
type PositionID uint64

// Position is one holder's stake in one market.
type Position struct {
	ID     PositionID     `json:"id"`
	Market MarketID       `json:"market"`
	Holder common.Address `json:"holder"`
	// Shares are freely transferable shares per outcome.
	Shares []uint256.Int `json:"shares"`
	// Escrowed are shares locked behind resting sell orders.
	Escrowed []uint256.Int `json:"escrowed"`
	// Paid and Received total the collateral this holder put into and took
	// out of the market, fees excluded.
	Paid     uint256.Int `json:"paid"`
	Received uint256.Int `json:"received"`
	// Refund is the amount owed after a cancellation.
	Refund  uint256.Int `json:"refund"`
	Claimed bool        `json:"claimed"`
}

// NewPosition returns an empty position over n outcomes.
func NewPosition(id PositionID, market MarketID, holder common.Address, n int) Position {
	return Position{
		ID:       id,
		Market:   market,
		Holder:   holder,
		Shares:   make([]uint256.Int, n),
		Escrowed: make([]uint256.Int, n),
	}
}

// Clone returns a deep copy of p.
func (p Position) Clone() Position {
	p.Shares = pricing.Clone(p.Shares)
	p.Escrowed = pricing.Clone(p.Escrowed)
	return p
}

// NetContribution returns max(Paid-Received, 0).
func (p *Position) NetContribution() *uint256.Int {
	if p.Received.Gt(&p.Paid) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&p.Paid, &p.Received)
}
