package pricing

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

var zero = new(uint256.Int)

func TestLMSRTwoOutcomeBuy(t *testing.T) {
	b := fp.MustParse("100")
	q, err := Seed(LMSR, 2, fp.MustParse("70"), b)
	require.NoError(t, err)

	prices, err := Prices(LMSR, q, b)
	require.NoError(t, err)
	assert.Equal(t, "0.5", fp.Format(&prices[0]))
	assert.Equal(t, "0.5", fp.Format(&prices[1]))

	quote, err := Buy(LMSR, q, 0, fp.MustParse("10"), b, &DefaultEpsilon)
	require.NoError(t, err)
	assert.True(t, quote.Prices[0].Gt(&prices[0]))
	assert.True(t, quote.Prices[1].Lt(&prices[1]))
	require.NoError(t, CheckSum(quote.Prices))

	// 100*ln((e^0.1+1)/2) ≈ 5.1249
	assert.True(t, quote.Amount.Gt(fp.MustParse("5.12")) && quote.Amount.Lt(fp.MustParse("5.13")),
		"cost %s", fp.Format(quote.Amount))
	assert.Equal(t, "10", fp.Format(&quote.Shares[0]))
	assert.True(t, q[0].IsZero(), "input vector must not be mutated")
}

func TestLMSRSeedMustCoverLoss(t *testing.T) {
	b := fp.MustParse("100")
	// b*ln(2) ≈ 69.31
	_, err := Seed(LMSR, 2, fp.MustParse("69"), b)
	assert.ErrorIs(t, err, ErrInsufficientSeed)

	_, err = Seed(LMSR, 2, fp.MustParse("70"), fp.MustParse("0.5"))
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestCPMMUniformStart(t *testing.T) {
	y, err := Seed(CPMM, 3, fp.MustParse("100"), zero)
	require.NoError(t, err)
	prices, err := Prices(CPMM, y, zero)
	require.NoError(t, err)
	for i := range prices {
		assert.Equal(t, "0.333333333333333333", fp.Format(&prices[i]))
	}
	require.NoError(t, CheckSum(prices))

	_, err = Seed(CPMM, 2, fp.MustParse("100"), fp.One())
	assert.ErrorIs(t, err, ErrInvalidParam)
	_, err = Seed(CPMM, 1, fp.MustParse("100"), zero)
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestCPMMBinaryBuyMatchesClosedForm(t *testing.T) {
	y, err := Seed(CPMM, 2, fp.MustParse("100"), zero)
	require.NoError(t, err)

	// (100 + c - 50)(100 + c) = 10000 gives c = 25*(sqrt(17)-3) ≈ 28.0776.
	quote, err := Buy(CPMM, y, 0, fp.MustParse("50"), zero, &DefaultEpsilon)
	require.NoError(t, err)
	assert.True(t, quote.Amount.Gt(fp.MustParse("28.0776")) && quote.Amount.Lt(fp.MustParse("28.0777")),
		"cost %s", fp.Format(quote.Amount))
	assert.True(t, product(quote.Shares).Cmp(product(y)) >= 0)
	assert.True(t, quote.Prices[0].Gt(&quote.Prices[1]))
}

func TestCPMMSellReversesBuy(t *testing.T) {
	y, err := Seed(CPMM, 2, fp.MustParse("100"), zero)
	require.NoError(t, err)
	buy, err := Buy(CPMM, y, 1, fp.MustParse("20"), zero, &DefaultEpsilon)
	require.NoError(t, err)
	sell, err := Sell(CPMM, buy.Shares, 1, fp.MustParse("20"), zero, &DefaultEpsilon)
	require.NoError(t, err)
	assert.True(t, sell.Amount.Cmp(buy.Amount) <= 0, "sell %s > buy %s", fp.Format(sell.Amount), fp.Format(buy.Amount))

	diff := new(uint256.Int).Sub(buy.Amount, sell.Amount)
	assert.True(t, diff.Lt(uint256.NewInt(10)))
}

func TestTradeRejections(t *testing.T) {
	b := fp.MustParse("10")
	q, err := Seed(LMSR, 2, fp.MustParse("10"), b)
	require.NoError(t, err)

	_, err = Buy(LMSR, q, 2, fp.One(), b, &DefaultEpsilon)
	assert.ErrorIs(t, err, ErrOutcomeRange)
	_, err = Buy(LMSR, q, 0, zero, b, &DefaultEpsilon)
	assert.ErrorIs(t, err, ErrZeroAmount)
	_, err = Buy(LMSR, q, 0, fp.MustParse("200"), b, &DefaultEpsilon)
	assert.ErrorIs(t, err, ErrProbabilityBounds)
	_, err = Sell(LMSR, q, 0, fp.One(), b, &DefaultEpsilon)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	_, err = Prices(Algorithm(7), q, b)
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("LMSR")
	require.NoError(t, err)
	assert.Equal(t, LMSR, a)
	_, err = ParseAlgorithm("dpm")
	assert.Error(t, err)
}

type step struct {
	outcome int
	buy     bool
	amount  *uint256.Int
}

func drawSteps(t *rapid.T, n int) []step {
	count := rapid.IntRange(1, 25).Draw(t, "steps")
	steps := make([]step, count)
	for i := range steps {
		steps[i] = step{
			outcome: rapid.IntRange(0, n-1).Draw(t, "outcome"),
			buy:     rapid.Bool().Draw(t, "buy"),
			amount:  fp.FromRaw(rapid.Uint64Range(1e15, 1e19).Draw(t, "amount")),
		}
	}
	return steps
}

func TestCPMMPoolInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 5).Draw(t, "n")
		seed := fp.FromUint64(rapid.Uint64Range(10, 1_000).Draw(t, "seed"))
		y, err := Seed(CPMM, n, seed, zero)
		require.NoError(t, err)

		pool := new(uint256.Int).Set(seed)
		outstanding := make([]uint256.Int, n)

		for _, s := range drawSteps(t, n) {
			k := product(y)
			var q Quote
			if s.buy {
				q, err = Buy(CPMM, y, s.outcome, s.amount, zero, &DefaultEpsilon)
			} else {
				if outstanding[s.outcome].Lt(s.amount) {
					continue
				}
				q, err = Sell(CPMM, y, s.outcome, s.amount, zero, &DefaultEpsilon)
			}
			if err != nil {
				continue
			}
			require.True(t, product(q.Shares).Cmp(k) >= 0, "product decreased")
			if s.buy {
				pool.Add(pool, q.Amount)
				outstanding[s.outcome].Add(&outstanding[s.outcome], s.amount)
			} else {
				pool.Sub(pool, q.Amount)
				outstanding[s.outcome].Sub(&outstanding[s.outcome], s.amount)
			}
			y = q.Shares
			for i := range y {
				got := new(uint256.Int).Add(&y[i], &outstanding[i])
				require.True(t, got.Eq(pool), "reserve %d + outstanding != pool", i)
			}
			require.NoError(t, CheckSum(q.Prices))
		}
	})
}

func TestLMSRPoolCoversPayout(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 5).Draw(t, "n")
		b := fp.FromUint64(rapid.Uint64Range(5, 500).Draw(t, "b"))
		need, err := lmsrCost(make([]uint256.Int, n), b)
		require.NoError(t, err)
		q, err := Seed(LMSR, n, need, b)
		require.NoError(t, err)
		pool := new(uint256.Int).Set(need)

		for _, s := range drawSteps(t, n) {
			var quote Quote
			if s.buy {
				quote, err = Buy(LMSR, q, s.outcome, s.amount, b, &DefaultEpsilon)
			} else {
				quote, err = Sell(LMSR, q, s.outcome, s.amount, b, &DefaultEpsilon)
			}
			if err != nil {
				continue
			}
			if s.buy {
				pool.Add(pool, quote.Amount)
			} else {
				pool.Sub(pool, quote.Amount)
			}
			q = quote.Shares
			for i := range q {
				require.True(t, pool.Cmp(&q[i]) >= 0, "pool %s below payout %s", fp.Format(pool), fp.Format(&q[i]))
			}
			require.NoError(t, CheckSum(quote.Prices))
		}
	})
}
