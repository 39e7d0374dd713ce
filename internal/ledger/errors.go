package ledger

import (
	"errors"
	"fmt"

	"github.com/atmx/pnl-ledger/internal/limits"
	"github.com/atmx/pnl-ledger/internal/lots"
)

var (
	// ErrInvalidInput is returned for trades rejected before any queue is
	// touched: empty ids, unknown side, non-positive quantity or price.
	ErrInvalidInput = errors.New("ledger: invalid input")

	// ErrInsufficientInventory is returned when a sell exceeds the open
	// quantity. No state changes.
	ErrInsufficientInventory = lots.ErrInsufficientInventory

	// ErrLimitExceeded is returned when a buy would breach an exposure limit.
	ErrLimitExceeded = limits.ErrLimitExceeded

	// ErrStaleOrderKey is returned when a trade does not sort strictly after
	// the last trade applied to its book.
	ErrStaleOrderKey = fmt.Errorf("%w: order key not after last applied trade", ErrInvalidInput)

	// ErrNoPosition is returned when an (account, asset) has no open lots.
	ErrNoPosition = errors.New("ledger: no open position")

	// ErrReplayInconsistency means incremental state disagrees with a full
	// replay of trade history. It is an integrity fault, never a user error.
	ErrReplayInconsistency = errors.New("ledger: replay inconsistency")
)
