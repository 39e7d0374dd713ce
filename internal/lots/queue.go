// Package lots implements the per (account, asset) FIFO queue of open cost
// lots and the position aggregate derived from it.
package lots

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/model"
)

// ErrInsufficientInventory is returned when a consume asks for more than the
// queue holds. The queue is left untouched.
var ErrInsufficientInventory = errors.New("lots: insufficient inventory")

// Queue holds open lots oldest first. Every lot has a strictly positive
// quantity; a lot that reaches zero is removed immediately.
//
// Running totals of quantity and cost (Σ quantity × entry price) are kept
// alongside the lots so the aggregate is O(1). Adds, subtractions and
// multiplications on decimals are exact, so the running totals never drift
// from a fresh sum over the lots.
//
// Queue is not safe for concurrent use; callers serialize per key.
type Queue struct {
	lots []model.Lot
	head int
	qty  decimal.Decimal
	cost decimal.Decimal
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// FromLots rebuilds a queue from lots already in order-key order.
// Zero or negative lots are dropped.
func FromLots(lots []model.Lot) *Queue {
	q := NewQueue()
	for _, l := range lots {
		if l.Quantity.IsPositive() {
			q.Push(l)
		}
	}
	return q
}

// Push appends a lot to the tail.
func (q *Queue) Push(l model.Lot) {
	q.lots = append(q.lots, l)
	q.qty = q.qty.Add(l.Quantity)
	q.cost = q.cost.Add(l.Quantity.Mul(l.EntryPrice))
}

// PeekOldest returns the head lot without mutating the queue.
func (q *Queue) PeekOldest() (model.Lot, bool) {
	if q.Len() == 0 {
		return model.Lot{}, false
	}
	return q.lots[q.head], true
}

// Len returns the number of open lots.
func (q *Queue) Len() int { return len(q.lots) - q.head }

// TotalQuantity returns the sum of remaining lot quantities.
func (q *Queue) TotalQuantity() decimal.Decimal { return q.qty }

// TotalCost returns Σ lot.quantity × lot.entry_price over open lots.
func (q *Queue) TotalCost() decimal.Decimal { return q.cost }

// ConsumeFromHead removes quantity from the oldest lots, cascading across as
// many lots as needed, and returns the fragments actually consumed. It is all
// or nothing: when quantity exceeds the total, no lot is touched.
func (q *Queue) ConsumeFromHead(quantity decimal.Decimal) ([]model.Fragment, error) {
	if quantity.GreaterThan(q.qty) {
		return nil, ErrInsufficientInventory
	}

	var fragments []model.Fragment
	remaining := quantity
	for remaining.IsPositive() {
		head := &q.lots[q.head]
		take := decimal.Min(head.Quantity, remaining)

		fragments = append(fragments, model.Fragment{
			Quantity:   take,
			EntryPrice: head.EntryPrice,
			LotKey:     head.Key,
		})
		q.qty = q.qty.Sub(take)
		q.cost = q.cost.Sub(take.Mul(head.EntryPrice))
		remaining = remaining.Sub(take)

		head.Quantity = head.Quantity.Sub(take)
		if head.Quantity.IsZero() {
			q.lots[q.head] = model.Lot{}
			q.head++
		}
	}
	q.compact()

	if q.Len() == 0 {
		// Reset so repeated decimal subtraction can never leave a stray
		// non-zero exponent on an empty queue.
		q.qty = decimal.Zero
		q.cost = decimal.Zero
	}
	return fragments, nil
}

// compact drops consumed head slots once they dominate the backing array.
func (q *Queue) compact() {
	if q.head == 0 {
		return
	}
	if q.head == len(q.lots) {
		q.lots = q.lots[:0]
		q.head = 0
		return
	}
	if q.head >= len(q.lots)/2 {
		n := copy(q.lots, q.lots[q.head:])
		q.lots = q.lots[:n]
		q.head = 0
	}
}

// Lots returns a copy of the open lots, oldest first.
func (q *Queue) Lots() []model.Lot {
	out := make([]model.Lot, q.Len())
	copy(out, q.lots[q.head:])
	return out
}

// Clone returns an independent copy of the queue.
func (q *Queue) Clone() *Queue {
	return &Queue{
		lots: q.Lots(),
		qty:  q.qty,
		cost: q.cost,
	}
}
