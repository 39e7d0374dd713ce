// Package model defines the core domain types shared across the PnL ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade execution.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKey totally orders trades: timestamp first, then a monotonically
// increasing sequence number so same-instant trades still have a strict order.
type OrderKey struct {
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

// Before reports whether k sorts strictly before o.
func (k OrderKey) Before(o OrderKey) bool {
	if !k.Timestamp.Equal(o.Timestamp) {
		return k.Timestamp.Before(o.Timestamp)
	}
	return k.Seq < o.Seq
}

// IsZero reports whether the key has never been assigned.
func (k OrderKey) IsZero() bool {
	return k.Timestamp.IsZero() && k.Seq == 0
}

// Trade is an immutable record of an execution.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Asset     string          `json:"asset" db:"asset"`
	Side      Side            `json:"side" db:"side"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"` // always positive
	Price     decimal.Decimal `json:"price" db:"price"`       // always positive
	Key       OrderKey        `json:"order_key"`
}

// BookKey identifies the state owned by one (account, asset) pair.
type BookKey struct {
	AccountID string `json:"account_id"`
	Asset     string `json:"asset"`
}

func (k BookKey) String() string { return k.AccountID + "/" + k.Asset }

// Lot is a surviving fragment of a past buy.
type Lot struct {
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Key        OrderKey        `json:"order_key"`
}

// Fragment is the part of a lot consumed by a sell.
type Fragment struct {
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	LotKey     OrderKey        `json:"lot_key"`
}

// Position is derived from the open lots of a book, never stored on its own.
type Position struct {
	AccountID   string          `json:"account_id"`
	Asset       string          `json:"asset"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	CostBasis   decimal.Decimal `json:"cost_basis"` // Σ lot.quantity × lot.entry_price
}

// BookSnapshot is the persisted state of one (account, asset) book.
type BookSnapshot struct {
	AccountID  string          `json:"account_id"`
	Asset      string          `json:"asset"`
	Lots       []Lot           `json:"lots"`
	Quantity   decimal.Decimal `json:"quantity"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	Realized   decimal.Decimal `json:"realized_pnl"`
	LastKey    OrderKey        `json:"last_key"`
	TradeCount int64           `json:"trade_count"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Holding is one revalued position inside a MarkSnapshot.
type Holding struct {
	Asset         string          `json:"asset"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	Price         decimal.Decimal `json:"price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Priced        bool            `json:"priced"` // false when no price could be obtained
}

// MarkSnapshot is a point-in-time valuation of an account. Not persisted.
type MarkSnapshot struct {
	AccountID       string                     `json:"account_id"`
	Holdings        []Holding                  `json:"holdings"`
	CashBalances    map[string]decimal.Decimal `json:"cash_balances"`
	UnrealizedTotal decimal.Decimal            `json:"unrealized_pnl"`
	RealizedTotal   decimal.Decimal            `json:"realized_pnl"`
	TotalPnL        decimal.Decimal            `json:"total_pnl"` // realized + unrealized
	AsOf            time.Time                  `json:"as_of"`
}
