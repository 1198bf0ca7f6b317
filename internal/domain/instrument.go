package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/curve"
)

// InstrumentID is the dense arena index of an instrument, starting at 1.
type InstrumentID uint64

// Instrument is a fungible asset minted and burned against a bonding curve.
// Holder balances live beside the instrument in the ledger, keyed by
// (InstrumentID, holder).
type Instrument struct {
	ID             InstrumentID   `json:"id"`
	Handle         string         `json:"handle"`
	Creator        common.Address `json:"creator"`
	Curve          curve.Config   `json:"curve"`
	TotalSupply    uint64         `json:"total_supply"`
	CollateralPool uint256.Int    `json:"collateral_pool"`
	FeesAccrued    uint256.Int    `json:"fees_accrued"`
	CreatedAt      time.Time      `json:"created_at"`
}

// InstrumentTrade is the receipt of a bonding-curve buy or sell.
type InstrumentTrade struct {
	Handle string
	Trader common.Address
	Side   OrderSide
	Amount uint64
	// Value is the curve cost of a buy or the gross proceeds of a sell.
	Value uint256.Int
	Fee   uint256.Int
	// Settled is what moved at the collateral asset: Value+Fee for a buy,
	// Value-Fee for a sell.
	Settled uint256.Int
	// Price is the marginal price after the trade.
	Price       uint256.Int
	TotalSupply uint64
}
