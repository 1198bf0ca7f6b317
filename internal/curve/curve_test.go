package curve

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

func linear(a, b string) Config {
	return Config{Kind: Linear, Slope: *fp.MustParse(a), BasePrice: *fp.MustParse(b)}
}

func exponential(a, b string, maxSupply uint64) Config {
	return Config{Kind: Exponential, Slope: *fp.MustParse(a), BasePrice: *fp.MustParse(b), MaxSupply: maxSupply}
}

func sigmoid(a, b, k, s string) Config {
	return Config{
		Kind:       Sigmoid,
		Slope:      *fp.MustParse(a),
		BasePrice:  *fp.MustParse(b),
		Inflection: *fp.MustParse(k),
		Steepness:  *fp.MustParse(s),
	}
}

func TestLinearBuyCostMatchesArithmeticSeries(t *testing.T) {
	c := linear("0.1", "1")
	require.NoError(t, c.Validate(DefaultLimits()))

	cost, err := BuyCost(0, 10, c, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, "14.5", fp.Format(cost))

	proceeds, err := SellProceeds(10, 10, c)
	require.NoError(t, err)
	assert.True(t, proceeds.Eq(cost))
}

func TestCurrentPrice(t *testing.T) {
	c := linear("0.1", "1")
	p, err := CurrentPrice(0, c, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, "1", fp.Format(p))

	p, err = CurrentPrice(10, c, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, "2", fp.Format(p))
}

func TestExponentialFirstUnitCostsBasePrice(t *testing.T) {
	c := exponential("0.01", "2", 10_000)
	require.NoError(t, c.Validate(DefaultLimits()))

	p, err := CurrentPrice(0, c, DefaultLimits())
	require.NoError(t, err)
	diff := new(uint256.Int)
	if p.Gt(&c.BasePrice) {
		diff.Sub(p, &c.BasePrice)
	} else {
		diff.Sub(&c.BasePrice, p)
	}
	assert.True(t, diff.Lt(uint256.NewInt(1_000_000)), "price %s", fp.Format(p))

	p100, err := CurrentPrice(100, c, DefaultLimits())
	require.NoError(t, err)
	assert.True(t, p100.Gt(p))
}

func TestSigmoidPriceApproachesCeiling(t *testing.T) {
	c := sigmoid("4", "1", "500", "50")
	require.NoError(t, c.Validate(DefaultLimits()))

	low, err := CurrentPrice(0, c, DefaultLimits())
	require.NoError(t, err)
	mid, err := CurrentPrice(500, c, DefaultLimits())
	require.NoError(t, err)
	high, err := CurrentPrice(5_000, c, DefaultLimits())
	require.NoError(t, err)

	assert.True(t, low.Lt(mid))
	assert.True(t, mid.Lt(high))
	assert.True(t, high.Cmp(fp.MustParse("5")) <= 0, "price %s above B+A", fp.Format(high))
	assert.True(t, mid.Gt(fp.MustParse("2.9")) && mid.Lt(fp.MustParse("3.1")), "midpoint %s", fp.Format(mid))
}

func TestBuyCostErrors(t *testing.T) {
	l := DefaultLimits()
	c := linear("0.1", "1")

	_, err := BuyCost(0, 0, c, l)
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = BuyCost(l.MaxSupply, 1, c, l)
	assert.ErrorIs(t, err, ErrSupplyCeiling)

	_, err = SellProceeds(5, 6, c)
	assert.ErrorIs(t, err, ErrInsufficientSupply)
}

func TestValidateRejects(t *testing.T) {
	l := DefaultLimits()
	cases := map[string]Config{
		"unknown kind":        {Kind: 9, BasePrice: *fp.MustParse("1")},
		"base below tick":     linear("0.1", "0.0000001"),
		"exp slope too small": exponential("0.000000000000000001", "1", 100),
		"exp overflow":        exponential("1", "1", 0),
		"sigmoid flat":        sigmoid("1", "1", "10", "0"),
		"linear with extras":  {Kind: Linear, BasePrice: *fp.MustParse("1"), Steepness: *fp.MustParse("1")},
		"max above ceiling":   {Kind: Linear, BasePrice: *fp.MustParse("1"), MaxSupply: l.MaxSupply + 1},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, c.Validate(l), ErrInvalidConfig)
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Sigmoid")
	require.NoError(t, err)
	assert.Equal(t, Sigmoid, k)
	_, err = ParseKind("quadratic")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func drawConfig(t *rapid.T) Config {
	switch rapid.IntRange(0, 2).Draw(t, "kind") {
	case 0:
		return Config{
			Kind:      Linear,
			Slope:     *uint256.NewInt(rapid.Uint64Range(0, 1e18).Draw(t, "slope")),
			BasePrice: *uint256.NewInt(rapid.Uint64Range(1e12, 1e19).Draw(t, "base")),
		}
	case 1:
		return Config{
			Kind:      Exponential,
			Slope:     *uint256.NewInt(rapid.Uint64Range(1e9, 1e16).Draw(t, "slope")),
			BasePrice: *uint256.NewInt(rapid.Uint64Range(1e12, 1e19).Draw(t, "base")),
			MaxSupply: 1_000,
		}
	default:
		return Config{
			Kind:       Sigmoid,
			Slope:      *uint256.NewInt(rapid.Uint64Range(0, 1e19).Draw(t, "slope")),
			BasePrice:  *uint256.NewInt(rapid.Uint64Range(1e12, 1e19).Draw(t, "base")),
			Inflection: *fp.FromUint64(rapid.Uint64Range(0, 1_000).Draw(t, "inflection")),
			Steepness:  *fp.FromUint64(rapid.Uint64Range(1, 200).Draw(t, "steepness")),
		}
	}
}

func TestBuyThenSellReturnsCost(t *testing.T) {
	l := DefaultLimits()
	rapid.Check(t, func(t *rapid.T) {
		c := drawConfig(t)
		require.NoError(t, c.Validate(l))
		supply := rapid.Uint64Range(0, 500).Draw(t, "supply")
		amount := rapid.Uint64Range(1, 400).Draw(t, "amount")

		cost, err := BuyCost(supply, amount, c, l)
		require.NoError(t, err)
		proceeds, err := SellProceeds(supply+amount, amount, c)
		require.NoError(t, err)
		require.True(t, proceeds.Eq(cost), "cost %s proceeds %s", fp.Format(cost), fp.Format(proceeds))
	})
}

func TestSplitBuysCostTheSame(t *testing.T) {
	l := DefaultLimits()
	rapid.Check(t, func(t *rapid.T) {
		c := drawConfig(t)
		supply := rapid.Uint64Range(0, 300).Draw(t, "supply")
		a := rapid.Uint64Range(1, 200).Draw(t, "a")
		b := rapid.Uint64Range(1, 200).Draw(t, "b")

		whole, err := BuyCost(supply, a+b, c, l)
		require.NoError(t, err)
		first, err := BuyCost(supply, a, c, l)
		require.NoError(t, err)
		second, err := BuyCost(supply+a, b, c, l)
		require.NoError(t, err)
		require.True(t, whole.Eq(new(uint256.Int).Add(first, second)))
	})
}

func TestPriceNonDecreasing(t *testing.T) {
	l := DefaultLimits()
	rapid.Check(t, func(t *rapid.T) {
		c := drawConfig(t)
		s := rapid.Uint64Range(0, 900).Draw(t, "supply")
		p0, err := CurrentPrice(s, c, l)
		require.NoError(t, err)
		p1, err := CurrentPrice(s+1, c, l)
		require.NoError(t, err)
		require.True(t, p0.Cmp(p1) <= 0 || c.Kind == Sigmoid && new(uint256.Int).Sub(p0, p1).Lt(uint256.NewInt(1_000)),
			"p(%d)=%s p(%d)=%s", s, fp.Format(p0), s+1, fp.Format(p1))
	})
}
