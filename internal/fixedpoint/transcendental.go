package fixedpoint

import (
	"github.com/holiman/uint256"
)

// maxSeriesTerms bounds every series expansion so each call does a fixed,
// platform-independent amount of work.
const maxSeriesTerms = 64

// Exp returns e^x for a non-negative wad x.
//
// x is reduced to k*ln2 + r with 0 <= r < ln2, e^r is summed as a Taylor
// series and the result is scaled by 2^k.
func Exp(x *uint256.Int) (*uint256.Int, error) {
	k := new(uint256.Int).Div(x, ln2)
	if !k.IsUint64() || k.Uint64() > 255 {
		return nil, ErrOverflow
	}
	r := new(uint256.Int).Sub(x, new(uint256.Int).Mul(k, ln2))

	sum := new(uint256.Int).Set(one)
	term := new(uint256.Int).Set(one)
	for i := uint64(1); i <= maxSeriesTerms; i++ {
		next, err := MulDiv(term, r, new(uint256.Int).Mul(one, uint256.NewInt(i)), false)
		if err != nil {
			return nil, err
		}
		if next.IsZero() {
			break
		}
		term = next
		sum.Add(sum, term)
	}

	shift := uint(k.Uint64())
	if sum.BitLen()+int(shift) > 256 {
		return nil, ErrOverflow
	}
	return sum.Lsh(sum, shift), nil
}

// ExpNeg returns e^-x for a non-negative wad x. Results too small to
// represent underflow to zero instead of failing.
func ExpNeg(x *uint256.Int) *uint256.Int {
	e, err := Exp(x)
	if err != nil {
		return new(uint256.Int)
	}
	z, err := MulDiv(one, one, e, false)
	if err != nil {
		return new(uint256.Int)
	}
	return z
}

// Ln returns the natural logarithm of a wad x >= 1.
//
// x is reduced to 2^k * m with 1 <= m < 2 and ln(m) is evaluated through
// the atanh series 2*(z + z^3/3 + z^5/5 + ...) with z = (m-1)/(m+1).
func Ln(x *uint256.Int) (*uint256.Int, error) {
	if x.Lt(one) {
		return nil, ErrDomain
	}
	m := new(uint256.Int).Set(x)
	var k uint64
	for !m.Lt(two) {
		m.Rsh(m, 1)
		k++
	}

	num := new(uint256.Int).Sub(m, one)
	den := new(uint256.Int).Add(m, one)
	z, err := MulDiv(num, one, den, false)
	if err != nil {
		return nil, err
	}
	z2, err := Mul(z, z)
	if err != nil {
		return nil, err
	}

	sum := new(uint256.Int).Set(z)
	term := new(uint256.Int).Set(z)
	for i := uint64(1); i <= maxSeriesTerms; i++ {
		term, err = Mul(term, z2)
		if err != nil {
			return nil, err
		}
		if term.IsZero() {
			break
		}
		sum.Add(sum, new(uint256.Int).Div(term, uint256.NewInt(2*i+1)))
	}
	sum.Lsh(sum, 1)

	return sum.Add(sum, new(uint256.Int).Mul(ln2, uint256.NewInt(k))), nil
}

// Pow returns base^n for a wad base and a whole exponent, by repeated
// squaring. Each multiplication rounds down.
func Pow(base *uint256.Int, n uint64) (*uint256.Int, error) {
	result := new(uint256.Int).Set(one)
	b := new(uint256.Int).Set(base)
	var err error
	for n > 0 {
		if n&1 == 1 {
			if result, err = Mul(result, b); err != nil {
				return nil, err
			}
		}
		n >>= 1
		if n > 0 {
			if b, err = Mul(b, b); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}
