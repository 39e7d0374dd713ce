// Package ledger applies trade executions to per (account, asset) books,
// matching sells against open lots first-in first-out and accumulating
// realized PnL.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/lots"
	"github.com/atmx/pnl-ledger/internal/model"
)

// Fill is the outcome of applying one trade to a book.
type Fill struct {
	Trade         model.Trade      `json:"trade"`
	Fragments     []model.Fragment `json:"fragments,omitempty"`
	RealizedDelta decimal.Decimal  `json:"realized_delta"`
	Realized      decimal.Decimal  `json:"realized_pnl"` // cumulative for the book
	Position      *model.Position  `json:"position"`     // nil once the position is absent
}

// Book is the state owned by one (account, asset): its lot queue, the
// realized PnL accumulator and the key of the last applied trade.
//
// Book is not safe for concurrent use. The Engine never mutates a published
// book; trades are applied to a clone that replaces it once persisted.
type Book struct {
	key      model.BookKey
	queue    *lots.Queue
	realized decimal.Decimal
	lastKey  model.OrderKey
	trades   int64
}

// NewBook returns an empty book.
func NewBook(key model.BookKey) *Book {
	return &Book{key: key, queue: lots.NewQueue()}
}

// RestoreBook rebuilds a book from its persisted snapshot.
func RestoreBook(s model.BookSnapshot) *Book {
	return &Book{
		key:      model.BookKey{AccountID: s.AccountID, Asset: s.Asset},
		queue:    lots.FromLots(s.Lots),
		realized: s.Realized,
		lastKey:  s.LastKey,
		trades:   s.TradeCount,
	}
}

// Key returns the (account, asset) the book belongs to.
func (b *Book) Key() model.BookKey { return b.key }

// Realized returns cumulative realized PnL.
func (b *Book) Realized() decimal.Decimal { return b.realized }

// LastKey returns the order key of the last applied trade.
func (b *Book) LastKey() model.OrderKey { return b.lastKey }

// TradeCount returns the number of trades applied.
func (b *Book) TradeCount() int64 { return b.trades }

// Lots returns the open lots, oldest first.
func (b *Book) Lots() []model.Lot { return b.queue.Lots() }

// Position returns the aggregate of the open lots; false when absent.
func (b *Book) Position() (model.Position, bool) {
	return b.queue.Position(b.key)
}

// Clone returns an independent copy.
func (b *Book) Clone() *Book {
	return &Book{
		key:      b.key,
		queue:    b.queue.Clone(),
		realized: b.realized,
		lastKey:  b.lastKey,
		trades:   b.trades,
	}
}

// Snapshot captures the book for persistence.
func (b *Book) Snapshot(at time.Time) model.BookSnapshot {
	return model.BookSnapshot{
		AccountID:  b.key.AccountID,
		Asset:      b.key.Asset,
		Lots:       b.queue.Lots(),
		Quantity:   b.queue.TotalQuantity(),
		CostBasis:  b.queue.TotalCost(),
		Realized:   b.realized,
		LastKey:    b.lastKey,
		TradeCount: b.trades,
		UpdatedAt:  at,
	}
}

// Apply runs one trade through the book.
//
// A buy pushes a new lot to the tail and never realizes PnL. A sell consumes
// the oldest lots; realized PnL is Σ (price − entry) × consumed over the
// consumed fragments. A sell larger than the open quantity fails with
// ErrInsufficientInventory and leaves the book exactly as it was.
func (b *Book) Apply(t model.Trade) (*Fill, error) {
	if err := validateTrade(t); err != nil {
		return nil, err
	}
	if t.AccountID != b.key.AccountID || t.Asset != b.key.Asset {
		return nil, fmt.Errorf("%w: trade for %s/%s applied to book %s",
			ErrInvalidInput, t.AccountID, t.Asset, b.key)
	}
	if b.trades > 0 && !b.lastKey.Before(t.Key) {
		return nil, ErrStaleOrderKey
	}

	fill := &Fill{Trade: t}

	switch t.Side {
	case model.SideBuy:
		b.queue.Push(model.Lot{
			Quantity:   t.Quantity,
			EntryPrice: t.Price,
			Key:        t.Key,
		})
	case model.SideSell:
		fragments, err := b.queue.ConsumeFromHead(t.Quantity)
		if err != nil {
			return nil, fmt.Errorf("sell %s %s for %s: %w",
				t.Quantity, t.Asset, t.AccountID, err)
		}
		fill.Fragments = fragments
		fill.RealizedDelta = realizedOf(t.Price, fragments)
		b.realized = b.realized.Add(fill.RealizedDelta)
	}

	b.lastKey = t.Key
	b.trades++

	fill.Realized = b.realized
	if pos, ok := b.Position(); ok {
		fill.Position = &pos
	}
	return fill, nil
}

// realizedOf returns Σ (price − fragment.entry) × fragment.quantity.
func realizedOf(price decimal.Decimal, fragments []model.Fragment) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fragments {
		total = total.Add(price.Sub(f.EntryPrice).Mul(f.Quantity))
	}
	return total
}

func validateTrade(t model.Trade) error {
	switch {
	case t.AccountID == "":
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	case t.Asset == "":
		return fmt.Errorf("%w: asset is required", ErrInvalidInput)
	case !t.Side.Valid():
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidInput, t.Side)
	case !t.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidInput, t.Quantity)
	case !t.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidInput, t.Price)
	}
	return nil
}
