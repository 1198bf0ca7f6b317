package orderbook

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

func collect(b *Book, s domain.OrderSide, limit *uint256.Int) []domain.OrderID {
	var ids []domain.OrderID
	b.Matchable(s, limit, func(e Entry) bool {
		ids = append(ids, e.Order)
		return true
	})
	return ids
}

func TestPriceTimePriority(t *testing.T) {
	b := New()
	b.Insert(domain.OrderSideSell, fp.MustParse("0.57"), 1)
	b.Insert(domain.OrderSideSell, fp.MustParse("0.55"), 2)
	b.Insert(domain.OrderSideSell, fp.MustParse("0.55"), 3)
	b.Insert(domain.OrderSideSell, fp.MustParse("0.70"), 4)

	assert.Equal(t, []domain.OrderID{2, 3, 1}, collect(b, domain.OrderSideBuy, fp.MustParse("0.60")))

	b.Insert(domain.OrderSideBuy, fp.MustParse("0.40"), 5)
	b.Insert(domain.OrderSideBuy, fp.MustParse("0.45"), 6)
	b.Insert(domain.OrderSideBuy, fp.MustParse("0.45"), 7)
	assert.Equal(t, []domain.OrderID{6, 7}, collect(b, domain.OrderSideSell, fp.MustParse("0.42")))

	best, ok := b.Best(domain.OrderSideBuy)
	require.True(t, ok)
	assert.Equal(t, domain.OrderID(6), best.Order)
}

func TestCloneIsIndependent(t *testing.T) {
	b := New()
	b.Insert(domain.OrderSideSell, fp.MustParse("0.5"), 1)

	c := b.Clone()
	require.True(t, c.Remove(domain.OrderSideSell, fp.MustParse("0.5"), 1))
	c.Insert(domain.OrderSideSell, fp.MustParse("0.6"), 2)

	assert.Equal(t, 1, b.Len(domain.OrderSideSell))
	best, _ := b.Best(domain.OrderSideSell)
	assert.Equal(t, domain.OrderID(1), best.Order)
	assert.Equal(t, 1, c.Len(domain.OrderSideSell))
}

func TestRemoveMissing(t *testing.T) {
	b := New()
	assert.False(t, b.Remove(domain.OrderSideBuy, fp.MustParse("0.5"), 9))
}
