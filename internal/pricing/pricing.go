// Package pricing implements the automated market makers used by
// multi-outcome prediction markets.
//
// A market's pricing state is a vector of outcome shares plus one
// algorithm parameter. Every operation dispatches through a table indexed
// by Algorithm; the functions are pure and never mutate their inputs.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

// Algorithm selects a market maker.
type Algorithm uint8

const (
	// CPMM is an N-dimensional constant-product market maker over virtual
	// reserves, one reserve per outcome.
	CPMM Algorithm = iota + 1
	// LMSR is the logarithmic market scoring rule with liquidity parameter b.
	LMSR
)

var algorithmNames = [...]string{
	CPMM: "cpmm",
	LMSR: "lmsr",
}

func (a Algorithm) String() string {
	if a.valid() {
		return algorithmNames[a]
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

func (a Algorithm) valid() bool { return a >= CPMM && int(a) < len(algorithmNames) }

// ParseAlgorithm resolves an algorithm by name.
func ParseAlgorithm(s string) (Algorithm, error) {
	for a, name := range algorithmNames {
		if name != "" && strings.EqualFold(s, name) {
			return Algorithm(a), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidParam, s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(b []byte) error {
	parsed, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

var (
	ErrInvalidParam          = errors.New("pricing: invalid parameter")
	ErrOutcomeRange          = errors.New("pricing: outcome out of range")
	ErrZeroAmount            = errors.New("pricing: amount must be positive")
	ErrAmountTooSmall        = errors.New("pricing: amount too small to price")
	ErrProbabilityBounds     = errors.New("pricing: probability out of bounds")
	ErrInsufficientLiquidity = errors.New("pricing: insufficient liquidity")
	ErrInsufficientSeed      = errors.New("pricing: seed below worst-case loss")
	ErrNonMonotonic          = errors.New("pricing: cost function not increasing")
)

// DefaultEpsilon is the default lower probability bound, 0.0001.
var DefaultEpsilon = *uint256.NewInt(100_000_000_000_000)

// Quote is the outcome of pricing a trade against a share vector.
type Quote struct {
	// Amount is the collateral cost of a buy or the proceeds of a sell,
	// before fees.
	Amount *uint256.Int
	// Shares is the post-trade share vector.
	Shares []uint256.Int
	// Prices are the post-trade outcome probabilities.
	Prices []uint256.Int
}

type (
	validateFunc func(param *uint256.Int) error
	seedFunc     func(n int, liquidity, param *uint256.Int) ([]uint256.Int, error)
	pricesFunc   func(shares []uint256.Int, param *uint256.Int) ([]uint256.Int, error)
	tradeFunc    func(shares []uint256.Int, outcome int, amount, param *uint256.Int) (*uint256.Int, []uint256.Int, error)
)

var (
	validateTable = [...]validateFunc{CPMM: cpmmValidate, LMSR: lmsrValidate}
	seedTable     = [...]seedFunc{CPMM: cpmmSeed, LMSR: lmsrSeed}
	pricesTable   = [...]pricesFunc{CPMM: cpmmPrices, LMSR: lmsrPrices}
	buyTable      = [...]tradeFunc{CPMM: cpmmBuy, LMSR: lmsrBuy}
	sellTable     = [...]tradeFunc{CPMM: cpmmSell, LMSR: lmsrSell}
)

func checkAlgorithm(a Algorithm) error {
	if !a.valid() {
		return fmt.Errorf("%w: unknown algorithm %d", ErrInvalidParam, a)
	}
	return nil
}

// ValidateParam checks the algorithm parameter: zero for CPMM, a positive
// liquidity b for LMSR.
func ValidateParam(a Algorithm, param *uint256.Int) error {
	if err := checkAlgorithm(a); err != nil {
		return err
	}
	return validateTable[a](param)
}

// Seed returns the initial share vector for n outcomes funded with
// liquidity units of collateral.
func Seed(a Algorithm, n int, liquidity, param *uint256.Int) ([]uint256.Int, error) {
	if err := ValidateParam(a, param); err != nil {
		return nil, err
	}
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least two outcomes, got %d", ErrInvalidParam, n)
	}
	return seedTable[a](n, liquidity, param)
}

// Prices returns the outcome probabilities of a share vector. Each lies in
// [0, 1] and they sum to one within n units of the last decimal.
func Prices(a Algorithm, shares []uint256.Int, param *uint256.Int) ([]uint256.Int, error) {
	if err := checkAlgorithm(a); err != nil {
		return nil, err
	}
	return pricesTable[a](shares, param)
}

// Buy prices the purchase of amount shares of outcome.
func Buy(a Algorithm, shares []uint256.Int, outcome int, amount, param, epsilon *uint256.Int) (Quote, error) {
	return trade(buyTable, a, shares, outcome, amount, param, epsilon)
}

// Sell prices the sale of amount shares of outcome back to the market maker.
func Sell(a Algorithm, shares []uint256.Int, outcome int, amount, param, epsilon *uint256.Int) (Quote, error) {
	return trade(sellTable, a, shares, outcome, amount, param, epsilon)
}

func trade(table [3]tradeFunc, a Algorithm, shares []uint256.Int, outcome int, amount, param, epsilon *uint256.Int) (Quote, error) {
	if err := checkAlgorithm(a); err != nil {
		return Quote{}, err
	}
	if outcome < 0 || outcome >= len(shares) {
		return Quote{}, fmt.Errorf("%w: %d of %d", ErrOutcomeRange, outcome, len(shares))
	}
	if amount.IsZero() {
		return Quote{}, ErrZeroAmount
	}
	cost, next, err := table[a](shares, outcome, amount, param)
	if err != nil {
		return Quote{}, err
	}
	if cost.IsZero() {
		return Quote{}, ErrAmountTooSmall
	}
	prices, err := pricesTable[a](next, param)
	if err != nil {
		return Quote{}, err
	}
	if err := CheckBounds(prices, epsilon); err != nil {
		return Quote{}, err
	}
	return Quote{Amount: cost, Shares: next, Prices: prices}, nil
}

// CheckBounds reports whether every probability lies in [eps, 1-eps].
func CheckBounds(prices []uint256.Int, epsilon *uint256.Int) error {
	upper := new(uint256.Int).Sub(fp.One(), epsilon)
	for i := range prices {
		if prices[i].Lt(epsilon) || prices[i].Gt(upper) {
			return fmt.Errorf("%w: outcome %d at %s", ErrProbabilityBounds, i, fp.Format(&prices[i]))
		}
	}
	return nil
}

// CheckSum reports whether the probabilities sum to one within one unit of
// the last decimal per outcome.
func CheckSum(prices []uint256.Int) error {
	sum := new(uint256.Int)
	for i := range prices {
		sum.Add(sum, &prices[i])
	}
	one := fp.One()
	diff := new(uint256.Int)
	if sum.Gt(one) {
		diff.Sub(sum, one)
	} else {
		diff.Sub(one, sum)
	}
	if diff.Gt(uint256.NewInt(uint64(len(prices)))) {
		return fmt.Errorf("%w: probabilities sum to %s", ErrProbabilityBounds, fp.Format(sum))
	}
	return nil
}

// Clone returns a deep copy of a share vector.
func Clone(v []uint256.Int) []uint256.Int {
	out := make([]uint256.Int, len(v))
	copy(out, v)
	return out
}
