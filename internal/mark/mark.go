// Package mark revalues open positions at current prices to produce
// unrealized PnL, and combines it with realized PnL into an account snapshot.
package mark

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/asset"
	"github.com/atmx/pnl-ledger/internal/ledger"
	"github.com/atmx/pnl-ledger/internal/model"
	"github.com/atmx/pnl-ledger/internal/pricing"
)

// Books lists the committed books of an account.
type Books interface {
	Books(ctx context.Context, accountID string) ([]*ledger.Book, error)
}

// Calculator produces mark snapshots. It only reads committed state and
// never takes the ledger's per-key locks.
type Calculator struct {
	books  Books
	prices pricing.Source
	cash   *asset.Classifier
	now    func() time.Time
}

// NewCalculator creates a calculator.
func NewCalculator(books Books, prices pricing.Source, cash *asset.Classifier) *Calculator {
	return &Calculator{books: books, prices: prices, cash: cash, now: time.Now}
}

// Unrealized returns (price − average cost) × quantity.
func Unrealized(pos model.Position, price decimal.Decimal) decimal.Decimal {
	return price.Sub(pos.AverageCost).Mul(pos.Quantity)
}

// Snapshot values every book of the account. Cash balances are reported
// separately and kept out of the unrealized total. A price that cannot be
// obtained leaves the holding unpriced instead of failing the snapshot.
func (c *Calculator) Snapshot(ctx context.Context, accountID string) (*model.MarkSnapshot, error) {
	books, err := c.books.Books(ctx, accountID)
	if err != nil {
		return nil, err
	}

	snap := &model.MarkSnapshot{
		AccountID:       accountID,
		Holdings:        []model.Holding{},
		CashBalances:    map[string]decimal.Decimal{},
		UnrealizedTotal: decimal.Zero,
		RealizedTotal:   decimal.Zero,
		AsOf:            c.now().UTC(),
	}

	for _, b := range books {
		snap.RealizedTotal = snap.RealizedTotal.Add(b.Realized())

		pos, ok := b.Position()
		if !ok {
			continue
		}
		if c.cash.IsCash(pos.Asset) {
			snap.CashBalances[pos.Asset] = pos.Quantity
			continue
		}

		h := model.Holding{
			Asset:       pos.Asset,
			Quantity:    pos.Quantity,
			AverageCost: pos.AverageCost,
			CostBasis:   pos.CostBasis,
			RealizedPnL: b.Realized(),
		}
		price, err := c.prices.Price(ctx, pos.Asset)
		if err != nil {
			slog.Warn("holding left unpriced", "account", accountID, "asset", pos.Asset, "err", err)
			price = pos.AverageCost
		} else {
			h.Priced = true
		}
		h.Price = price
		h.MarketValue = price.Mul(pos.Quantity)
		h.UnrealizedPnL = Unrealized(pos, price)

		snap.UnrealizedTotal = snap.UnrealizedTotal.Add(h.UnrealizedPnL)
		snap.Holdings = append(snap.Holdings, h)
	}

	snap.TotalPnL = snap.RealizedTotal.Add(snap.UnrealizedTotal)
	return snap, nil
}

// UnrealizedPnL returns only the account's total unrealized PnL.
func (c *Calculator) UnrealizedPnL(ctx context.Context, accountID string) (decimal.Decimal, error) {
	snap, err := c.Snapshot(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.UnrealizedTotal, nil
}
