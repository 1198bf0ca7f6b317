// Package curve prices fungible instruments on a deterministic bonding curve.
//
// Each curve kind is defined by one primitive F(x), the cumulative cost of
// minting x whole units starting from zero supply, with F(0) = 0. Buy cost,
// sell proceeds and the marginal price are all differences of F, so a buy
// followed by a sell of the same amount returns exactly the collateral that
// went in.
package curve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

// Kind selects the primitive used by a curve.
type Kind uint8

const (
	Linear Kind = iota + 1
	Exponential
	Sigmoid
)

var kindNames = [...]string{
	Linear:      "linear",
	Exponential: "exponential",
	Sigmoid:     "sigmoid",
}

func (k Kind) String() string {
	if k.valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) valid() bool { return k >= Linear && int(k) < len(kindNames) }

// ParseKind resolves a curve kind by name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name != "" && strings.EqualFold(s, name) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown curve kind %q", ErrInvalidConfig, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

var (
	ErrInvalidConfig      = errors.New("curve: invalid config")
	ErrZeroAmount         = errors.New("curve: amount must be positive")
	ErrSupplyCeiling      = errors.New("curve: supply ceiling exceeded")
	ErrInsufficientSupply = errors.New("curve: amount exceeds supply")
	ErrNonMonotonic       = errors.New("curve: primitive not increasing")
)

// Config parameterises a curve. All amounts are wads.
//
//	Linear:      F(x) = B*x + A*x*(x-1)/2
//	Exponential: F(x) = B*(g^x - 1)/(g - 1), g = e^A
//	Sigmoid:     F(x) = B*x + A*s*(softplus((x-K)/s) - softplus(-K/s))
type Config struct {
	Kind       Kind        `json:"kind"`
	BasePrice  uint256.Int `json:"base_price"`
	Slope      uint256.Int `json:"slope"`
	Inflection uint256.Int `json:"inflection,omitempty"`
	Steepness  uint256.Int `json:"steepness,omitempty"`
	// MaxSupply caps the supply of this instrument; zero means the
	// engine-wide ceiling.
	MaxSupply uint64 `json:"max_supply,omitempty"`
}

// Limits are the engine-wide bounds applied to every curve.
type Limits struct {
	MinTick   uint256.Int
	MaxSupply uint64
}

// minExpSlope keeps g-1 large enough for the exponential primitive to
// retain precision.
var minExpSlope = uint256.NewInt(1_000_000_000)

// DefaultLimits returns a 1e-6 minimum tick and a one billion unit ceiling.
func DefaultLimits() Limits {
	return Limits{
		MinTick:   *uint256.NewInt(1_000_000_000_000),
		MaxSupply: 1_000_000_000,
	}
}

// Ceiling returns the effective supply cap of c under l.
func (c Config) Ceiling(l Limits) uint64 {
	if c.MaxSupply == 0 || c.MaxSupply > l.MaxSupply {
		return l.MaxSupply
	}
	return c.MaxSupply
}

// Validate checks c against l. The primitive must be computable at the
// ceiling so no trade within the ceiling can overflow.
func (c Config) Validate(l Limits) error {
	if !c.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidConfig, c.Kind)
	}
	if c.MaxSupply > l.MaxSupply {
		return fmt.Errorf("%w: max supply %d above ceiling %d", ErrInvalidConfig, c.MaxSupply, l.MaxSupply)
	}
	if c.BasePrice.Lt(&l.MinTick) {
		return fmt.Errorf("%w: base price %s below minimum tick %s",
			ErrInvalidConfig, fixedpoint.Format(&c.BasePrice), fixedpoint.Format(&l.MinTick))
	}

	switch c.Kind {
	case Linear, Exponential:
		if !c.Inflection.IsZero() || !c.Steepness.IsZero() {
			return fmt.Errorf("%w: %s curve takes no inflection or steepness", ErrInvalidConfig, c.Kind)
		}
		if c.Kind == Exponential && c.Slope.Lt(minExpSlope) {
			return fmt.Errorf("%w: exponential slope must be at least %s",
				ErrInvalidConfig, fixedpoint.Format(minExpSlope))
		}
	case Sigmoid:
		if c.Steepness.IsZero() {
			return fmt.Errorf("%w: sigmoid steepness must be positive", ErrInvalidConfig)
		}
	}

	ceiling := c.Ceiling(l)
	if _, err := Primitive(ceiling, c); err != nil {
		return fmt.Errorf("%w: primitive at supply %d: %v", ErrInvalidConfig, ceiling, err)
	}
	return nil
}

// Primitive evaluates F(x).
func Primitive(x uint64, c Config) (*uint256.Int, error) {
	if !c.Kind.valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidConfig, c.Kind)
	}
	return primitives[c.Kind](x, &c)
}

// BuyCost returns F(supply+amount) - F(supply), the collateral needed to
// mint amount units. It rounds down and is never zero.
func BuyCost(supply, amount uint64, c Config, l Limits) (*uint256.Int, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	end := supply + amount
	if end < supply || end > c.Ceiling(l) {
		return nil, fmt.Errorf("%w: supply %d + %d > %d", ErrSupplyCeiling, supply, amount, c.Ceiling(l))
	}
	return span(supply, end, c)
}

// SellProceeds returns F(supply) - F(supply-amount), the collateral released
// by burning amount units.
func SellProceeds(supply, amount uint64, c Config) (*uint256.Int, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if amount > supply {
		return nil, fmt.Errorf("%w: burning %d of %d", ErrInsufficientSupply, amount, supply)
	}
	return span(supply-amount, supply, c)
}

// CurrentPrice returns the marginal price of the next unit, F(s+1) - F(s).
func CurrentPrice(supply uint64, c Config, l Limits) (*uint256.Int, error) {
	return BuyCost(supply, 1, c, l)
}

func span(from, to uint64, c Config) (*uint256.Int, error) {
	lo, err := Primitive(from, c)
	if err != nil {
		return nil, err
	}
	hi, err := Primitive(to, c)
	if err != nil {
		return nil, err
	}
	if !hi.Gt(lo) {
		return nil, fmt.Errorf("%w: F(%d)=%s F(%d)=%s", ErrNonMonotonic,
			from, fixedpoint.Format(lo), to, fixedpoint.Format(hi))
	}
	return new(uint256.Int).Sub(hi, lo), nil
}
