// Package limits implements pre-trade exposure limits on open cost basis.
//
// Exposure is the cost basis of an open position (Σ lot quantity × entry
// price). Assets can be placed in groups (for example every stablecoin-quoted
// token of one chain) so that a single cap applies to their combined
// exposure. Assets without a group form a group of their own.
package limits

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/asset"
)

var (
	// ErrLimitExceeded is the parent of every limit violation.
	ErrLimitExceeded = errors.New("limits: exposure limit exceeded")

	// ErrAssetLimitExceeded is returned when a buy would push a single
	// asset's cost basis beyond the per-asset maximum.
	ErrAssetLimitExceeded = fmt.Errorf("%w: per-asset", ErrLimitExceeded)

	// ErrGroupLimitExceeded is returned when a buy would push the combined
	// cost basis of the asset's group beyond the group maximum.
	ErrGroupLimitExceeded = fmt.Errorf("%w: asset group", ErrLimitExceeded)
)

// Limiter enforces exposure limits. A zero maximum disables that check.
type Limiter struct {
	// MaxPerAsset caps the cost basis of any single asset.
	MaxPerAsset decimal.Decimal

	// MaxPerGroup caps the combined cost basis of all assets sharing a group.
	MaxPerGroup decimal.Decimal

	groups map[string]string
	cash   *asset.Classifier
}

// NewLimiter creates a limiter. groups maps asset symbol to group name.
// Cash assets are never limited and never count towards a group.
func NewLimiter(maxPerAsset, maxPerGroup decimal.Decimal, groups map[string]string, cash *asset.Classifier) *Limiter {
	g := make(map[string]string, len(groups))
	for sym, name := range groups {
		g[strings.ToUpper(strings.TrimSpace(sym))] = name
	}
	return &Limiter{
		MaxPerAsset: maxPerAsset,
		MaxPerGroup: maxPerGroup,
		groups:      g,
		cash:        cash,
	}
}

// Enabled reports whether any limit is active.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerAsset.IsPositive() || l.MaxPerGroup.IsPositive())
}

// Group returns the group of sym.
func (l *Limiter) Group(sym string) string {
	if g, ok := l.groups[sym]; ok {
		return g
	}
	return sym
}

// CheckLimit validates whether adding costDelta to target's exposure
// respects the limits. exposures maps asset symbol to current cost basis for
// the account. Returns nil if the trade is within limits.
func (l *Limiter) CheckLimit(
	target string,
	costDelta decimal.Decimal,
	exposures map[string]decimal.Decimal,
) error {
	if !l.Enabled() || l.cash.IsCash(target) {
		return nil
	}

	// 1. Per-asset limit.
	next := exposures[target].Add(costDelta)
	if l.MaxPerAsset.IsPositive() && next.GreaterThan(l.MaxPerAsset) {
		return fmt.Errorf("%w: %s would reach %s (max %s)", ErrAssetLimitExceeded, target, next, l.MaxPerAsset)
	}

	// 2. Group limit: sum exposure across assets sharing the group.
	if !l.MaxPerGroup.IsPositive() {
		return nil
	}
	group := l.Group(target)
	total := next
	for sym, exposure := range exposures {
		if sym == target || l.cash.IsCash(sym) {
			continue // target already counted via next
		}
		if l.Group(sym) == group {
			total = total.Add(exposure)
		}
	}
	if total.GreaterThan(l.MaxPerGroup) {
		return fmt.Errorf("%w: group %s would reach %s (max %s)", ErrGroupLimitExceeded, group, total, l.MaxPerGroup)
	}
	return nil
}
