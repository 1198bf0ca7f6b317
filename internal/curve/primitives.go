package curve

import (
	"fmt"

	"github.com/holiman/uint256"

	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

type primitiveFunc func(x uint64, c *Config) (*uint256.Int, error)

var primitives = [...]primitiveFunc{
	Linear:      linearPrimitive,
	Exponential: exponentialPrimitive,
	Sigmoid:     sigmoidPrimitive,
}

// linearPrimitive: B*x + A*x*(x-1)/2.
func linearPrimitive(x uint64, c *Config) (*uint256.Int, error) {
	n := uint256.NewInt(x)
	base, overflow := new(uint256.Int).MulOverflow(&c.BasePrice, n)
	if overflow {
		return nil, fp.ErrOverflow
	}
	if x < 2 || c.Slope.IsZero() {
		return base, nil
	}
	tri := new(uint256.Int).Mul(n, uint256.NewInt(x-1))
	tri.Rsh(tri, 1)
	ramp, overflow := new(uint256.Int).MulOverflow(&c.Slope, tri)
	if overflow {
		return nil, fp.ErrOverflow
	}
	return fp.Add(base, ramp)
}

// exponentialPrimitive: B*(g^x - 1)/(g - 1) with g = e^A, the geometric sum
// of B*g^i for i in [0, x).
func exponentialPrimitive(x uint64, c *Config) (*uint256.Int, error) {
	if x == 0 {
		return new(uint256.Int), nil
	}
	g, err := fp.Exp(&c.Slope)
	if err != nil {
		return nil, err
	}
	gx, err := fp.Pow(g, x)
	if err != nil {
		return nil, err
	}
	num, err := fp.Sub(gx, fp.One())
	if err != nil {
		return nil, err
	}
	den, err := fp.Sub(g, fp.One())
	if err != nil || den.IsZero() {
		return nil, fmt.Errorf("%w: growth factor does not exceed one", ErrInvalidConfig)
	}
	return fp.MulDiv(&c.BasePrice, num, den, false)
}

// sigmoidPrimitive: B*x + A*s*(softplus((x-K)/s) - softplus(-K/s)). The
// marginal price rises from B toward B+A with its midpoint at K.
func sigmoidPrimitive(x uint64, c *Config) (*uint256.Int, error) {
	base, overflow := new(uint256.Int).MulOverflow(&c.BasePrice, uint256.NewInt(x))
	if overflow {
		return nil, fp.ErrOverflow
	}
	if x == 0 || c.Slope.IsZero() {
		return base, nil
	}

	at, err := softplusAt(fp.FromUint64(x), c)
	if err != nil {
		return nil, err
	}
	origin, err := softplusAt(new(uint256.Int), c)
	if err != nil {
		return nil, err
	}
	diff, err := fp.Sub(at, origin)
	if err != nil {
		return nil, fmt.Errorf("%w: softplus decreased", ErrNonMonotonic)
	}

	scale, err := fp.Mul(&c.Slope, &c.Steepness)
	if err != nil {
		return nil, err
	}
	ramp, err := fp.Mul(scale, diff)
	if err != nil {
		return nil, err
	}
	return fp.Add(base, ramp)
}

// softplusAt returns softplus((x-K)/s) for a wad supply x.
func softplusAt(x *uint256.Int, c *Config) (*uint256.Int, error) {
	negative := x.Lt(&c.Inflection)
	dist := new(uint256.Int)
	if negative {
		dist.Sub(&c.Inflection, x)
	} else {
		dist.Sub(x, &c.Inflection)
	}
	z, err := fp.Div(dist, &c.Steepness)
	if err != nil {
		return nil, err
	}
	return softplus(z, negative)
}

// softplus returns ln(1+e^v) for v = z or v = -z, using
// ln(1+e^z) = z + ln(1+e^-z) so the exponential argument is never positive.
func softplus(z *uint256.Int, negative bool) (*uint256.Int, error) {
	tail, err := fp.Ln(new(uint256.Int).Add(fp.One(), fp.ExpNeg(z)))
	if err != nil {
		return nil, err
	}
	if negative {
		return tail, nil
	}
	return fp.Add(z, tail)
}
