package pricing

import (
	"fmt"

	"github.com/holiman/uint256"

	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

// The scoring rule tracks q_i, the outstanding shares of each outcome, and
// charges C(q') - C(q) with
//
//	C(q) = b * ln Σ e^(q_j/b) = q_max + b * ln Σ e^(-(q_max-q_j)/b)
//
// The shifted form keeps every exponent non-positive. Because C(q) >= q_max,
// a pool seeded with C(0) = b*ln(n) always covers the largest payout.

var minLiquidity = fp.One()

func lmsrValidate(b *uint256.Int) error {
	if b.Lt(minLiquidity) {
		return fmt.Errorf("%w: lmsr liquidity must be at least %s", ErrInvalidParam, fp.Format(minLiquidity))
	}
	return nil
}

func lmsrSeed(n int, liquidity, b *uint256.Int) ([]uint256.Int, error) {
	q := make([]uint256.Int, n)
	need, err := lmsrCost(q, b)
	if err != nil {
		return nil, err
	}
	if liquidity.Lt(need) {
		return nil, fmt.Errorf("%w: need %s, got %s", ErrInsufficientSeed, fp.Format(need), fp.Format(liquidity))
	}
	return q, nil
}

// lmsrTerms returns q_max and e^(-(q_max-q_j)/b) for every outcome.
func lmsrTerms(q []uint256.Int, b *uint256.Int) (*uint256.Int, []uint256.Int, *uint256.Int, error) {
	qmax := new(uint256.Int)
	for i := range q {
		if q[i].Gt(qmax) {
			qmax.Set(&q[i])
		}
	}
	terms := make([]uint256.Int, len(q))
	sum := new(uint256.Int)
	for j := range q {
		gap := new(uint256.Int).Sub(qmax, &q[j])
		x, err := fp.Div(gap, b)
		if err != nil {
			return nil, nil, nil, err
		}
		terms[j] = *fp.ExpNeg(x)
		sum.Add(sum, &terms[j])
	}
	return qmax, terms, sum, nil
}

func lmsrCost(q []uint256.Int, b *uint256.Int) (*uint256.Int, error) {
	qmax, _, sum, err := lmsrTerms(q, b)
	if err != nil {
		return nil, err
	}
	// The q_max term is exactly one, so sum >= 1 and ln is defined.
	l, err := fp.Ln(sum)
	if err != nil {
		return nil, err
	}
	scaled, err := fp.Mul(b, l)
	if err != nil {
		return nil, err
	}
	return fp.Add(qmax, scaled)
}

func lmsrPrices(q []uint256.Int, b *uint256.Int) ([]uint256.Int, error) {
	_, terms, sum, err := lmsrTerms(q, b)
	if err != nil {
		return nil, err
	}
	out := make([]uint256.Int, len(q))
	for i := range terms {
		p, err := fp.MulDiv(&terms[i], fp.One(), sum, false)
		if err != nil {
			return nil, err
		}
		out[i] = *p
	}
	return out, nil
}

func lmsrBuy(q []uint256.Int, o int, delta, b *uint256.Int) (*uint256.Int, []uint256.Int, error) {
	before, err := lmsrCost(q, b)
	if err != nil {
		return nil, nil, err
	}
	next := Clone(q)
	if _, overflow := next[o].AddOverflow(&next[o], delta); overflow {
		return nil, nil, fp.ErrOverflow
	}
	after, err := lmsrCost(next, b)
	if err != nil {
		return nil, nil, err
	}
	if after.Lt(before) {
		return nil, nil, fmt.Errorf("%w: buy lowers cost", ErrNonMonotonic)
	}
	return new(uint256.Int).Sub(after, before), next, nil
}

func lmsrSell(q []uint256.Int, o int, delta, b *uint256.Int) (*uint256.Int, []uint256.Int, error) {
	if q[o].Lt(delta) {
		return nil, nil, fmt.Errorf("%w: selling %s of %s outstanding",
			ErrInsufficientLiquidity, fp.Format(delta), fp.Format(&q[o]))
	}
	before, err := lmsrCost(q, b)
	if err != nil {
		return nil, nil, err
	}
	next := Clone(q)
	next[o].Sub(&next[o], delta)
	after, err := lmsrCost(next, b)
	if err != nil {
		return nil, nil, err
	}
	if before.Lt(after) {
		return nil, nil, fmt.Errorf("%w: sell raises cost", ErrNonMonotonic)
	}
	return new(uint256.Int).Sub(before, after), next, nil
}
