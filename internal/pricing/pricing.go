// Package pricing provides current prices for mark-to-market. Sources can be
// chained: a live HTTP feed wrapped by a fallback that remembers the last
// good price and knows static defaults.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when no price is known for a symbol.
var ErrNoPrice = errors.New("pricing: no price available")

// Source returns the current price of a symbol.
type Source interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Static serves fixed prices. Useful offline and in tests.
type Static map[string]decimal.Decimal

func (s Static) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := s[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return p, nil
}

// ParseStatic parses "BTC=65000,ETH=3200.5" into a Static source.
func ParseStatic(list string) (Static, error) {
	out := Static{}
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		sym, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("pricing: malformed price %q, want SYMBOL=PRICE", pair)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("pricing: price for %s: %w", sym, err)
		}
		if !p.IsPositive() {
			return nil, fmt.Errorf("pricing: price for %s must be positive", sym)
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = p
	}
	return out, nil
}
