package pricing

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

// The constant-product maker keeps one virtual reserve y_i per outcome and
// preserves k = Πy_i. Buying Δ shares of outcome o with c collateral mints
// c complete sets (every reserve grows by c) and hands Δ shares of o to the
// trader; c is the least amount keeping the product at or above k. Selling
// runs the same exchange in reverse. Seeded with y_i = L for every outcome,
// y_i + outstanding_i equals the collateral pool at all times.

func cpmmValidate(param *uint256.Int) error {
	if !param.IsZero() {
		return fmt.Errorf("%w: cpmm takes no parameter", ErrInvalidParam)
	}
	return nil
}

func cpmmSeed(n int, liquidity, _ *uint256.Int) ([]uint256.Int, error) {
	if liquidity.IsZero() {
		return nil, fmt.Errorf("%w: cpmm needs positive seed liquidity", ErrInsufficientSeed)
	}
	out := make([]uint256.Int, n)
	for i := range out {
		out[i].Set(liquidity)
	}
	return out, nil
}

// cpmmPrices returns p_i = (1/y_i) / Σ(1/y_j), evaluated exactly as
// Π_{j≠i} y_j / Σ_k Π_{j≠k} y_j.
func cpmmPrices(y []uint256.Int, _ *uint256.Int) ([]uint256.Int, error) {
	partial := make([]*big.Int, len(y))
	total := new(big.Int)
	for i := range y {
		if y[i].IsZero() {
			return nil, fmt.Errorf("%w: empty reserve for outcome %d", ErrInsufficientLiquidity, i)
		}
		p := big.NewInt(1)
		for j := range y {
			if j != i {
				p.Mul(p, y[j].ToBig())
			}
		}
		partial[i] = p
		total.Add(total, p)
	}

	scale := fp.One().ToBig()
	out := make([]uint256.Int, len(y))
	for i, p := range partial {
		q := new(big.Int).Mul(p, scale)
		q.Quo(q, total)
		v, overflow := uint256.FromBig(q)
		if overflow {
			return nil, fp.ErrOverflow
		}
		out[i] = *v
	}
	return out, nil
}

func product(y []uint256.Int) *big.Int {
	k := big.NewInt(1)
	for i := range y {
		k.Mul(k, y[i].ToBig())
	}
	return k
}

// cpmmBuy finds the minimal c such that (y_o + c - Δ) Π_{j≠o}(y_j + c) >= k.
func cpmmBuy(y []uint256.Int, o int, delta, _ *uint256.Int) (*uint256.Int, []uint256.Int, error) {
	k := product(y)
	yo := y[o].ToBig()
	d := delta.ToBig()

	holds := func(c *big.Int) bool {
		lhs := new(big.Int).Add(yo, c)
		lhs.Sub(lhs, d)
		if lhs.Sign() <= 0 {
			return false
		}
		for j := range y {
			if j != o {
				lhs.Mul(lhs, new(big.Int).Add(y[j].ToBig(), c))
			}
		}
		return lhs.Cmp(k) >= 0
	}

	// c = Δ always holds: every other reserve grows and y_o is unchanged.
	lo, hi := new(big.Int), new(big.Int).Set(d)
	minimal := bisect(lo, hi, holds, true)

	c, overflow := uint256.FromBig(minimal)
	if overflow {
		return nil, nil, fp.ErrOverflow
	}
	next := make([]uint256.Int, len(y))
	for j := range y {
		if _, overflow := next[j].AddOverflow(&y[j], c); overflow {
			return nil, nil, fp.ErrOverflow
		}
	}
	next[o].Sub(&next[o], delta)
	return c, next, nil
}

// cpmmSell finds the maximal c such that (y_o + Δ - c) Π_{j≠o}(y_j - c) >= k.
func cpmmSell(y []uint256.Int, o int, delta, _ *uint256.Int) (*uint256.Int, []uint256.Int, error) {
	k := product(y)
	d := delta.ToBig()

	// Every reserve must stay positive, so c < y_j for all j≠o, and a sale
	// never pays more than one unit per share.
	hi := new(big.Int).Set(d)
	for j := range y {
		if j == o {
			continue
		}
		limit := new(big.Int).Sub(y[j].ToBig(), big.NewInt(1))
		if limit.Cmp(hi) < 0 {
			hi = limit
		}
	}
	if hi.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: reserves exhausted", ErrInsufficientLiquidity)
	}

	yo := y[o].ToBig()
	holds := func(c *big.Int) bool {
		lhs := new(big.Int).Add(yo, d)
		lhs.Sub(lhs, c)
		if lhs.Sign() <= 0 {
			return false
		}
		for j := range y {
			if j != o {
				lhs.Mul(lhs, new(big.Int).Sub(y[j].ToBig(), c))
			}
		}
		return lhs.Cmp(k) >= 0
	}

	maximal := bisect(new(big.Int), hi, holds, false)

	c, overflow := uint256.FromBig(maximal)
	if overflow {
		return nil, nil, fp.ErrOverflow
	}
	next := make([]uint256.Int, len(y))
	for j := range y {
		next[j].Sub(&y[j], c)
	}
	if _, overflow := next[o].AddOverflow(&next[o], delta); overflow {
		return nil, nil, fp.ErrOverflow
	}
	return c, next, nil
}

// bisect searches [lo, hi] for the boundary of a monotone predicate. With
// wantMin it returns the least c for which holds(c) is true, assuming
// holds(hi); otherwise the greatest c for which it is true, assuming
// holds(lo).
func bisect(lo, hi *big.Int, holds func(*big.Int) bool, wantMin bool) *big.Int {
	if !wantMin && holds(hi) {
		return hi
	}
	if wantMin && holds(lo) {
		return lo
	}
	one := big.NewInt(1)
	for new(big.Int).Sub(hi, lo).Cmp(one) > 0 {
		mid := new(big.Int).Add(lo, hi)
		mid.Rsh(mid, 1)
		if holds(mid) {
			if wantMin {
				hi = mid
			} else {
				lo = mid
			}
		} else {
			if wantMin {
				lo = mid
			} else {
				hi = mid
			}
		}
	}
	if wantMin {
		return hi
	}
	return lo
}
