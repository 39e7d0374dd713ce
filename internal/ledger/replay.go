package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/model"
)

// Tolerance is the absolute difference allowed between incrementally
// maintained values and a full replay.
var Tolerance = decimal.New(1, -8)

// Replay rebuilds a book from its full trade history, oldest first, through
// a fresh empty queue. It goes through Book.Apply, the same matching logic
// as the live path. History holds only accepted trades, so any rejection
// during replay is itself an inconsistency.
func Replay(key model.BookKey, history []model.Trade) (*Book, error) {
	b := NewBook(key)
	for i, t := range history {
		if _, err := b.Apply(t); err != nil {
			return nil, fmt.Errorf("%w: %s trade %d (%s) rejected on replay: %v",
				ErrReplayInconsistency, key, i, t.ID, err)
		}
	}
	return b, nil
}

// Compare checks that two books agree on quantity, average cost and
// realized PnL within Tolerance. It returns an error wrapping
// ErrReplayInconsistency describing every mismatch found.
func Compare(incremental, replayed *Book) error {
	var errs []error

	ip, iok := incremental.Position()
	rp, rok := replayed.Position()
	switch {
	case iok != rok:
		errs = append(errs, fmt.Errorf("position present=%t, replay present=%t", iok, rok))
	case iok:
		if !within(ip.Quantity, rp.Quantity) {
			errs = append(errs, fmt.Errorf("quantity %s, replay %s", ip.Quantity, rp.Quantity))
		}
		if !within(ip.AverageCost, rp.AverageCost) {
			errs = append(errs, fmt.Errorf("average cost %s, replay %s", ip.AverageCost, rp.AverageCost))
		}
	}
	if !within(incremental.Realized(), replayed.Realized()) {
		errs = append(errs, fmt.Errorf("realized %s, replay %s", incremental.Realized(), replayed.Realized()))
	}
	if incremental.TradeCount() != replayed.TradeCount() {
		errs = append(errs, fmt.Errorf("trade count %d, replay %d", incremental.TradeCount(), replayed.TradeCount()))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrReplayInconsistency, incremental.Key(), errors.Join(errs...))
}

func within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}
