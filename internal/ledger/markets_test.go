package ledger

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/pricing"
)

func TestLMSRBinaryMarketMovesPrices(t *testing.T) {
	h := newHarness(t)
	m := h.market(pricing.LMSR, "100", "100")
	requireAmount(t, "100", h.spent(carol))

	prices, err := h.eng.Prices(m.ID)
	require.NoError(t, err)
	requireAmount(t, "0.5", &prices[0])
	requireAmount(t, "0.5", &prices[1])

	trade, err := h.eng.BuyOutcome(alice, m.ID, 0, wad("10"), wad("100"))
	require.NoError(t, err)
	require.True(t, trade.Prices[0].Gt(wad("0.5")))
	require.True(t, trade.Prices[1].Lt(wad("0.5")))
	require.NoError(t, pricing.CheckSum(trade.Prices))
	require.True(t, trade.Value.Gt(wad("5.12")) && trade.Value.Lt(wad("5.13")))
	require.True(t, trade.Fee.IsZero())

	after, err := h.eng.Prices(m.ID)
	require.NoError(t, err)
	require.Equal(t, trade.Prices, after)

	pos, err := h.eng.Position(m.ID, alice)
	require.NoError(t, err)
	requireAmount(t, "10", &pos.Shares[0])
	require.Equal(t, trade.Value, pos.Paid)

	got, err := h.eng.Market(m.ID)
	require.NoError(t, err)
	requireAmount(t, "10", &got.Outstanding[0])
	require.Equal(t, new(uint256.Int).Add(wad("100"), &trade.Value), &got.CollateralPool)
	h.audit()
}

func TestCPMMStartsUniformAndSellUndoesBuy(t *testing.T) {
	h := newHarness(t)
	m := h.market(pricing.CPMM, "0", "90", "a", "b", "c")

	prices, err := h.eng.Prices(m.ID)
	require.NoError(t, err)
	for i := range prices {
		requireAmount(t, "0.333333333333333333", &prices[i])
	}

	buy, err := h.eng.BuyOutcome(bob, m.ID, 2, wad("10"), wad("100"))
	require.NoError(t, err)
	require.True(t, buy.Value.Lt(wad("10")))
	require.True(t, buy.Prices[2].Gt(&prices[2]))
	h.audit()

	sell, err := h.eng.SellOutcome(bob, m.ID, 2, wad("10"), wad("0"))
	require.NoError(t, err)
	require.False(t, sell.Value.Gt(&buy.Value), "sell %s above buy %s", sell.Value.Dec(), buy.Value.Dec())

	got, err := h.eng.Market(m.ID)
	require.NoError(t, err)
	for i := range got.Outstanding {
		require.True(t, got.Outstanding[i].IsZero())
	}
	h.audit()
}

func TestCreatorFeesAccrueSeparately(t *testing.T) {
	h := newHarness(t)
	m, err := h.eng.CreateMarket(carol, domain.MarketSpec{
		Labels:        []string{"yes", "no"},
		Algorithm:     pricing.LMSR,
		Param:         *wad("100"),
		Seed:          *wad("100"),
		Duration:      time.Hour,
		CreatorFeeBps: 200,
	})
	require.NoError(t, err)

	trade, err := h.eng.BuyOutcome(alice, m.ID, 1, wad("10"), wad("100"))
	require.NoError(t, err)
	wantFee := new(uint256.Int).Div(new(uint256.Int).Mul(&trade.Value, uint256.NewInt(200)), uint256.NewInt(10_000))
	require.Equal(t, wantFee, &trade.Fee)
	require.Equal(t, new(uint256.Int).Add(&trade.Value, &trade.Fee), &trade.Settled)
	require.Equal(t, &trade.Settled, h.spent(alice))

	_, err = h.eng.WithdrawCreatorFees(alice, m.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	before := h.balance(carol)
	fees, err := h.eng.WithdrawCreatorFees(carol, m.ID)
	require.NoError(t, err)
	require.Equal(t, wantFee, fees)
	require.Equal(t, new(uint256.Int).Add(before, wantFee), h.balance(carol))

	_, err = h.eng.WithdrawCreatorFees(carol, m.ID)
	require.ErrorIs(t, err, domain.ErrValidation)
	h.audit()
}

func TestCreateMarketValidation(t *testing.T) {
	h := newHarness(t)
	base := domain.MarketSpec{
		Labels:    []string{"yes", "no"},
		Algorithm: pricing.LMSR,
		Param:     *wad("100"),
		Seed:      *wad("100"),
		Duration:  time.Hour,
	}
	cases := []struct {
		name   string
		mutate func(*domain.MarketSpec)
		kind   error
	}{
		{"one outcome", func(s *domain.MarketSpec) { s.Labels = []string{"only"} }, domain.ErrValidation},
		{"duplicate label", func(s *domain.MarketSpec) { s.Labels = []string{"Yes", " yes"} }, domain.ErrValidation},
		{"empty label", func(s *domain.MarketSpec) { s.Labels = []string{"yes", "  "} }, domain.ErrValidation},
		{"no duration", func(s *domain.MarketSpec) { s.Duration = 0 }, domain.ErrValidation},
		{"fee too high", func(s *domain.MarketSpec) { s.CreatorFeeBps = 1_001 }, domain.ErrValidation},
		{"zero seed", func(s *domain.MarketSpec) { s.Seed = uint256.Int{} }, domain.ErrValidation},
		{"seed below max loss", func(s *domain.MarketSpec) { s.Seed = *wad("69") }, domain.ErrInsufficientCollateral},
		{"lmsr without b", func(s *domain.MarketSpec) { s.Param = uint256.Int{} }, domain.ErrValidation},
		{"cpmm with param", func(s *domain.MarketSpec) { s.Algorithm = pricing.CPMM }, domain.ErrValidation},
		{"unknown algorithm", func(s *domain.MarketSpec) { s.Algorithm = 0 }, domain.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := base
			spec.Labels = append([]string(nil), base.Labels...)
			tc.mutate(&spec)
			_, err := h.eng.CreateMarket(carol, spec)
			require.ErrorIs(t, err, tc.kind)
		})
	}
	require.Empty(t, h.eng.Markets(""))
	require.True(t, h.spent(carol).IsZero())
}

func TestMarketTradingRules(t *testing.T) {
	h := newHarness(t)
	m := h.market(pricing.CPMM, "0", "100")

	_, err := h.eng.BuyOutcome(alice, m.ID, 2, wad("1"), wad("100"))
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.eng.BuyOutcome(alice, m.ID, 0, wad("0"), wad("100"))
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.eng.BuyOutcome(alice, m.ID, 0, wad("1000000"), wad("10000000"))
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.eng.BuyOutcome(alice, m.ID, 0, wad("10"), wad("1"))
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	_, err = h.eng.SellOutcome(alice, m.ID, 0, wad("1"), wad("0"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = h.eng.BuyOutcome(alice, 9, 0, wad("1"), wad("100"))
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.eng.BuyOutcome(alice, m.ID, 0, wad("10"), wad("100"))
	require.NoError(t, err)
	_, err = h.eng.SellOutcome(alice, m.ID, 0, wad("10"), wad("100"))
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	h.clock.advance(time.Hour)
	_, err = h.eng.BuyOutcome(alice, m.ID, 0, wad("1"), wad("100"))
	require.ErrorIs(t, err, domain.ErrStateConflict)
	_, err = h.eng.SellOutcome(alice, m.ID, 0, wad("1"), wad("0"))
	require.ErrorIs(t, err, domain.ErrStateConflict)
	_, err = h.eng.QuoteOutcome(m.ID, 0, domain.OrderSideBuy, wad("1"))
	require.ErrorIs(t, err, domain.ErrStateConflict)
	h.audit()
}

func TestQuoteOutcomeMatchesExecution(t *testing.T) {
	h := newHarness(t)
	m := h.market(pricing.LMSR, "50", "100", "a", "b", "c", "d")

	q, err := h.eng.QuoteOutcome(m.ID, 3, domain.OrderSideBuy, wad("7"))
	require.NoError(t, err)
	trade, err := h.eng.BuyOutcome(dave, m.ID, 3, wad("7"), &q.Settled)
	require.NoError(t, err)
	require.Equal(t, q.Value, trade.Value)
	require.Equal(t, q.Prices, trade.Prices)

	require.Len(t, h.eng.Markets(domain.MarketStatusOpen), 1)
	require.Empty(t, h.eng.Markets(domain.MarketStatusResolved))
	require.Len(t, h.eng.Positions(m.ID), 2)
}
