// Package fixedpoint implements the unsigned 18-decimal ("wad") arithmetic
// shared by the curve and pricing packages.
//
// Every value is a *uint256.Int holding an integer count of 1e-18 units.
// Operations never mutate their arguments and report overflow explicitly.
// Transcendental functions are deterministic integer approximations with a
// relative error below 1e-15.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by a wad.
const Decimals = 18

var (
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fixedpoint: overflow")
	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("fixedpoint: underflow")
	// ErrDivideByZero is returned by division with a zero divisor.
	ErrDivideByZero = errors.New("fixedpoint: division by zero")
	// ErrDomain is returned when an argument lies outside a function's domain.
	ErrDomain = errors.New("fixedpoint: argument out of domain")
)

var (
	one    = uint256.NewInt(1_000_000_000_000_000_000)
	two    = uint256.NewInt(2_000_000_000_000_000_000)
	ln2    = uint256.NewInt(693_147_180_559_945_309)
	bigOne = big.NewInt(1)
	bps    = uint256.NewInt(10_000)
)

// One returns a fresh copy of 1.0.
func One() *uint256.Int { return new(uint256.Int).Set(one) }

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// FromUint64 converts a whole-unit count into a wad.
func FromUint64(v uint64) *uint256.Int {
	z, _ := new(uint256.Int).MulOverflow(uint256.NewInt(v), one)
	return z
}

// FromRaw wraps a raw 1e-18 unit count.
func FromRaw(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Add returns x+y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x-y.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// MulDiv returns x*y/d computed with a full-width intermediate product,
// rounded toward zero or, when roundUp is set, away from zero.
func MulDiv(x, y, d *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}
	if prod, overflow := new(uint256.Int).MulOverflow(x, y); !overflow {
		q := new(uint256.Int).Div(prod, d)
		if roundUp && !new(uint256.Int).Mod(prod, d).IsZero() {
			return Add(q, uint256.NewInt(1))
		}
		return q, nil
	}

	prod := new(big.Int).Mul(x.ToBig(), y.ToBig())
	q, r := new(big.Int).QuoRem(prod, d.ToBig(), new(big.Int))
	if roundUp && r.Sign() != 0 {
		q.Add(q, bigOne)
	}
	z, overflow := uint256.FromBig(q)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Mul returns x*y in wad terms, rounded down.
func Mul(x, y *uint256.Int) (*uint256.Int, error) { return MulDiv(x, y, one, false) }

// MulUp returns x*y in wad terms, rounded up.
func MulUp(x, y *uint256.Int) (*uint256.Int, error) { return MulDiv(x, y, one, true) }

// Div returns x/y in wad terms, rounded down.
func Div(x, y *uint256.Int) (*uint256.Int, error) { return MulDiv(x, one, y, false) }

// DivUp returns x/y in wad terms, rounded up.
func DivUp(x, y *uint256.Int) (*uint256.Int, error) { return MulDiv(x, one, y, true) }

// ApplyBps returns floor(x*rate/10000).
func ApplyBps(x *uint256.Int, rate uint32) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(uint64(rate)), bps, false)
}

// Min returns a copy of the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// Max returns a copy of the larger of x and y.
func Max(x, y *uint256.Int) *uint256.Int {
	if x.Gt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// Parse reads a non-negative decimal string such as "14.5" into a wad.
// More than 18 fractional digits is an error rather than a silent rounding.
func Parse(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", s, ErrDomain)
	}
	if !d.Equal(d.Truncate(Decimals)) {
		return nil, fmt.Errorf("fixedpoint: parse %q: more than %d decimals: %w", s, Decimals, ErrDomain)
	}
	z, overflow := uint256.FromBig(d.Shift(Decimals).BigInt())
	if overflow {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", s, ErrOverflow)
	}
	return z, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	z, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return z
}

// Format renders a wad as a plain decimal string with trailing zeros trimmed.
func Format(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x.ToBig(), -Decimals).String()
}

// Decimal converts a wad into a shopspring decimal.
func Decimal(x *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}
