// Package store defines the persistence interface for the PnL ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/pnl-ledger/internal/model"
)

// ErrNotFound is returned when a book has never been committed.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// NextSequence returns a globally increasing sequence number used to
	// break ties between trades with the same timestamp.
	NextSequence(ctx context.Context) (int64, error)

	// CommitTrade appends the trade to the immutable history and replaces
	// the book snapshot for its (account, asset), atomically: either both
	// are persisted or neither is.
	CommitTrade(ctx context.Context, trade *model.Trade, book *model.BookSnapshot) error

	// GetBook returns the committed snapshot for a book, or ErrNotFound.
	GetBook(ctx context.Context, key model.BookKey) (*model.BookSnapshot, error)

	// ListBooks returns every committed book for an account, ordered by asset.
	ListBooks(ctx context.Context, accountID string) ([]model.BookSnapshot, error)

	// TradesFor returns the trade history of one book, oldest first.
	TradesFor(ctx context.Context, key model.BookKey) ([]model.Trade, error)

	// TradesByAccount returns all trades of an account, oldest first.
	TradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error)
}
