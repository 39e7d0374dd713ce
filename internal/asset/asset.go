// Package asset handles asset symbol validation and tells cash/quote
// balances apart from assets that are revalued against a market price.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// symbolRegex matches upper-case tickers such as BTC, ETH-PERP, BRK.B, EUR:USD.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._:-]{0,31}$`)

// ErrInvalidSymbol is returned for symbols that do not match the accepted
// pattern after normalization.
var ErrInvalidSymbol = errors.New("asset: invalid symbol")

// DefaultCash lists the balances treated as cash when none are configured.
var DefaultCash = []string{"USD", "USDT", "USDC"}

// Normalize trims and upper-cases a symbol and validates it.
func Normalize(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// Classifier knows which symbols are cash. A cash asset has a price of 1 by
// definition and is never revalued.
type Classifier struct {
	cash map[string]bool
}

// NewClassifier builds a classifier from cash symbols. Invalid symbols are
// reported; an empty list falls back to DefaultCash.
func NewClassifier(cash []string) (*Classifier, error) {
	if len(cash) == 0 {
		cash = DefaultCash
	}
	c := &Classifier{cash: make(map[string]bool, len(cash))}
	for _, sym := range cash {
		s, err := Normalize(sym)
		if err != nil {
			return nil, err
		}
		c.cash[s] = true
	}
	return c, nil
}

// IsCash reports whether symbol is a cash/quote balance.
func (c *Classifier) IsCash(symbol string) bool {
	if c == nil {
		return false
	}
	return c.cash[strings.ToUpper(symbol)]
}

// Cash returns the configured cash symbols in sorted order.
func (c *Classifier) Cash() []string {
	out := make([]string, 0, len(c.cash))
	for s := range c.cash {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
