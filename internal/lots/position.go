package lots

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/model"
)

// Aggregate sums lots from scratch: quantity = Σ q, cost = Σ q × p,
// average = cost / quantity. Average is zero for an empty set.
func Aggregate(lots []model.Lot) (quantity, averageCost, costBasis decimal.Decimal) {
	quantity, costBasis = decimal.Zero, decimal.Zero
	for _, l := range lots {
		quantity = quantity.Add(l.Quantity)
		costBasis = costBasis.Add(l.Quantity.Mul(l.EntryPrice))
	}
	return quantity, averageOf(costBasis, quantity), costBasis
}

// Position derives the aggregate from the queue's running totals. The second
// result is false when the queue is empty: the position is absent, never a
// zero-quantity position.
//
// Average cost always reflects only the lots that remain. After a partial
// sell of mixed-price lots it moves toward the newer entry prices.
func (q *Queue) Position(key model.BookKey) (model.Position, bool) {
	if q.Len() == 0 {
		return model.Position{}, false
	}
	return model.Position{
		AccountID:   key.AccountID,
		Asset:       key.Asset,
		Quantity:    q.qty,
		AverageCost: averageOf(q.cost, q.qty),
		CostBasis:   q.cost,
	}, true
}

func averageOf(cost, quantity decimal.Decimal) decimal.Decimal {
	if !quantity.IsPositive() {
		return decimal.Zero
	}
	return cost.Div(quantity)
}
