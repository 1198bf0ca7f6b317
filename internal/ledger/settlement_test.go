package ledger

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/pricing"
)

func TestResolveUnwindsOrdersBeforePayout(t *testing.T) {
	h := newHarness(t)
	m := h.market(pricing.CPMM, "0", "100")
	buy, err := h.eng.BuyOutcome(bob, m.ID, 0, wad("5"), wad("100"))
	require.NoError(t, err)
	ask, err := h.eng.PlaceSell(bob, m.ID, 0, wad("5"), wad("0.9"))
	require.NoError(t, err)
	bid, err := h.eng.PlaceBuy(alice, m.ID, 0, wad("3"), wad("0.2"))
	require.NoError(t, err)
	requireAmount(t, "0.6", h.spent(alice))

	_, err = h.eng.ResolveMarket(admin, m.ID, 0)
	require.ErrorIs(t, err, domain.ErrStateConflict)

	h.clock.advance(time.Hour)
	_, err = h.eng.ResolveMarket(bob, m.ID, 0)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.eng.ResolveMarket(admin, m.ID, 2)
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.eng.Claim(bob, m.ID)
	require.ErrorIs(t, err, domain.ErrStateConflict)

	resolved, err := h.eng.ResolveMarket(admin, m.ID, 0)
	require.NoError(t, err)
	require.Equal(t, domain.MarketStatusResolved, resolved.Status)
	require.Equal(t, 0, resolved.Winner)
	require.Equal(t, h.clock.now, resolved.SettledAt)

	for _, id := range []domain.OrderID{ask.Order.ID, bid.Order.ID} {
		o, err := h.eng.Order(id)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusCancelled, o.Status)
		require.True(t, o.LockedEscrow.IsZero())
	}
	require.True(t, h.spent(alice).IsZero())
	pos, err := h.eng.Position(m.ID, bob)
	require.NoError(t, err)
	requireAmount(t, "5", &pos.Shares[0])
	require.True(t, pos.Escrowed[0].IsZero())

	events := h.eng.Events(0)
	tail := events[len(events)-3:]
	require.Equal(t, domain.EventOrderCancelled, tail[0].Kind)
	require.Equal(t, domain.EventOrderCancelled, tail[1].Kind)
	require.Equal(t, domain.EventMarketResolved, tail[2].Kind)
	h.audit()

	_, err = h.eng.ResolveMarket(admin, m.ID, 1)
	require.ErrorIs(t, err, domain.ErrStateConflict)
	_, err = h.eng.CancelMarket(admin, m.ID)
	require.ErrorIs(t, err, domain.ErrStateConflict)

	_, err = h.eng.WithdrawLiquidity(bob, m.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	residual, err := h.eng.WithdrawLiquidity(carol, m.ID)
	require.NoError(t, err)
	total := new(uint256.Int).Add(residual, wad("5"))
	require.Equal(t, new(uint256.Int).Add(wad("100"), &buy.Value), total)
	_, err = h.eng.WithdrawLiquidity(carol, m.ID)
	require.ErrorIs(t, err, domain.ErrValidation)
	h.audit()

	paid, err := h.eng.Claim(bob, m.ID)
	require.NoError(t, err)
	requireAmount(t, "5", paid)
	_, err = h.eng.Claim(bob, m.ID)
	require.ErrorIs(t, err, domain.ErrStateConflict)
	_, err = h.eng.Claim(alice, m.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.eng.Claim(carol, m.ID)
	require.ErrorIs(t, err, domain.ErrValidation)

	got, err := h.eng.Market(m.ID)
	require.NoError(t, err)
	require.True(t, got.CollateralPool.IsZero())
	require.True(t, got.Outstanding[0].IsZero())
	h.audit()
}

func TestCancelRefundsNetContribution(t *testing.T) {
	h := newHarness(t)
	m := h.market(pricing.CPMM, "0", "100")

	_, err := h.eng.BuyOutcome(alice, m.ID, 0, wad("10"), wad("100"))
	require.NoError(t, err)
	_, err = h.eng.BuyOutcome(bob, m.ID, 1, wad("20"), wad("100"))
	require.NoError(t, err)
	_, err = h.eng.SellOutcome(alice, m.ID, 0, wad("4"), wad("0"))
	require.NoError(t, err)
	_, err = h.eng.PlaceSell(bob, m.ID, 1, wad("5"), wad("0.9"))
	require.NoError(t, err)
	fill, err := h.eng.PlaceBuy(dave, m.ID, 1, wad("5"), wad("0.9"))
	require.NoError(t, err)
	require.Len(t, fill.Fills, 1)
	_, err = h.eng.PlaceBuy(alice, m.ID, 1, wad("2"), wad("0.1"))
	require.NoError(t, err)

	before, err := h.eng.Market(m.ID)
	require.NoError(t, err)

	_, err = h.eng.CancelMarket(alice, m.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	cancelled, err := h.eng.CancelMarket(admin, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MarketStatusCancelled, cancelled.Status)
	require.True(t, cancelled.RefundDust.IsZero())
	require.Empty(t, h.eng.Orders(m.ID, true))

	refunds := new(uint256.Int)
	for _, p := range h.eng.Positions(m.ID) {
		require.Equal(t, p.NetContribution(), &p.Refund, "holder %s", p.Holder.Hex())
		refunds.Add(refunds, &p.Refund)
	}
	require.Equal(t, &before.CollateralPool, refunds)
	h.audit()

	for _, a := range []common.Address{carol, alice, bob, dave} {
		_, err := h.eng.Claim(a, m.ID)
		require.NoError(t, err)
		require.Truef(t, h.spent(a).IsZero(), "%s still out %s", a.Hex(), h.spent(a).Dec())
	}
	_, err = h.eng.Claim(dave, m.ID)
	require.ErrorIs(t, err, domain.ErrStateConflict)

	got, err := h.eng.Market(m.ID)
	require.NoError(t, err)
	require.True(t, got.CollateralPool.IsZero())
	h.audit()
}

func TestCancelKeepsRoundingDustInPool(t *testing.T) {
	h := newHarness(t)
	m := h.market(pricing.LMSR, "100", "120", "a", "b", "c")

	_, err := h.eng.BuyOutcome(alice, m.ID, 0, wad("3"), wad("100"))
	require.NoError(t, err)
	// Bob sells to alice well above cost, so his net contribution is zero
	// and the remaining holders share the pool pro rata.
	_, err = h.eng.BuyOutcome(bob, m.ID, 2, wad("1"), wad("100"))
	require.NoError(t, err)
	_, err = h.eng.PlaceSell(bob, m.ID, 2, wad("1"), wad("0.99"))
	require.NoError(t, err)
	_, err = h.eng.PlaceBuy(alice, m.ID, 2, wad("1"), wad("0.99"))
	require.NoError(t, err)

	pool := func() uint256.Int {
		got, err := h.eng.Market(m.ID)
		require.NoError(t, err)
		return got.CollateralPool
	}()
	cancelled, err := h.eng.CancelMarket(admin, m.ID)
	require.NoError(t, err)

	refunds := new(uint256.Int)
	for _, p := range h.eng.Positions(m.ID) {
		require.False(t, p.Refund.Gt(p.NetContribution()))
		refunds.Add(refunds, &p.Refund)
	}
	bobPos, err := h.eng.Position(m.ID, bob)
	require.NoError(t, err)
	require.True(t, bobPos.Refund.IsZero())

	refunds.Add(refunds, &cancelled.RefundDust)
	require.Equal(t, &pool, refunds)
	require.True(t, cancelled.RefundDust.Lt(uint256.NewInt(3)))
	h.audit()

	_, err = h.eng.Claim(bob, m.ID)
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.eng.Claim(alice, m.ID)
	require.NoError(t, err)
	_, err = h.eng.Claim(carol, m.ID)
	require.NoError(t, err)

	got, err := h.eng.Market(m.ID)
	require.NoError(t, err)
	require.Equal(t, cancelled.RefundDust, got.CollateralPool)
	h.audit()
}
