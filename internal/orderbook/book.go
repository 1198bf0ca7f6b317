// Package orderbook keeps the resting orders of one market outcome in
// price-time priority.
//
// The book stores only keys; order state (remaining size, escrow) is owned
// by the ledger. Books are copy-on-write: Clone is O(1) and both copies may
// be mutated independently, which lets a ledger transaction edit a book and
// throw the edits away on failure.
package orderbook

import (
	"github.com/google/btree"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const degree = 16

// Entry is one resting order's position in the book.
type Entry struct {
	Price uint256.Int
	Order domain.OrderID
}

// bids: highest price first, then oldest.
func bidLess(a, b Entry) bool {
	if c := a.Price.Cmp(&b.Price); c != 0 {
		return c > 0
	}
	return a.Order < b.Order
}

// asks: lowest price first, then oldest.
func askLess(a, b Entry) bool {
	if c := a.Price.Cmp(&b.Price); c != 0 {
		return c < 0
	}
	return a.Order < b.Order
}

// Book holds both sides of one outcome.
type Book struct {
	bids *btree.BTreeG[Entry]
	asks *btree.BTreeG[Entry]
}

// New returns an empty book.
func New() *Book {
	return &Book{
		bids: btree.NewG(degree, bidLess),
		asks: btree.NewG(degree, askLess),
	}
}

// Clone returns a lazily copied book.
func (b *Book) Clone() *Book {
	return &Book{bids: b.bids.Clone(), asks: b.asks.Clone()}
}

func (b *Book) side(s domain.OrderSide) *btree.BTreeG[Entry] {
	if s == domain.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Insert adds an order to its side.
func (b *Book) Insert(s domain.OrderSide, price *uint256.Int, id domain.OrderID) {
	b.side(s).ReplaceOrInsert(Entry{Price: *price, Order: id})
}

// Remove deletes an order, reporting whether it was present.
func (b *Book) Remove(s domain.OrderSide, price *uint256.Int, id domain.OrderID) bool {
	_, ok := b.side(s).Delete(Entry{Price: *price, Order: id})
	return ok
}

// Len returns the number of resting orders on a side.
func (b *Book) Len(s domain.OrderSide) int { return b.side(s).Len() }

// Best returns the highest-priority entry of a side.
func (b *Book) Best(s domain.OrderSide) (Entry, bool) { return b.side(s).Min() }

// Walk visits a side in priority order until fn returns false.
func (b *Book) Walk(s domain.OrderSide, fn func(Entry) bool) { b.side(s).Ascend(fn) }

// Crosses reports whether a resting order at resting on the opposite side is
// acceptable to an incoming order of side s with the given limit.
func Crosses(s domain.OrderSide, limit, resting *uint256.Int) bool {
	if s == domain.OrderSideBuy {
		return resting.Cmp(limit) <= 0
	}
	return resting.Cmp(limit) >= 0
}

// Matchable visits, in priority order, the opposite-side entries an
// incoming order of side s at limit could trade against. Iteration stops at
// the first non-crossing price or when fn returns false.
func (b *Book) Matchable(s domain.OrderSide, limit *uint256.Int, fn func(Entry) bool) {
	b.side(s.Opposite()).Ascend(func(e Entry) bool {
		if !Crosses(s, limit, &e.Price) {
			return false
		}
		return fn(e)
	})
}
