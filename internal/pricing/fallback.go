package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/asset"
	"github.com/atmx/pnl-ledger/internal/metrics"
)

// FallbackSource decides live-versus-fallback pricing. It asks the primary
// source first; on failure it serves the last good price, then the static
// default. Cash assets are always priced at 1.
type FallbackSource struct {
	primary  Source
	static   Static
	cash     *asset.Classifier
	maxStale time.Duration
	now      func() time.Time

	mu   sync.RWMutex
	last map[string]lastPrice
}

type lastPrice struct {
	price decimal.Decimal
	at    time.Time
}

// NewFallbackSource wraps primary. primary may be nil when only static
// prices are configured. maxStale bounds how old a last-known price may be;
// zero means no bound.
func NewFallbackSource(primary Source, static Static, cash *asset.Classifier, maxStale time.Duration) *FallbackSource {
	return &FallbackSource{
		primary:  primary,
		static:   static,
		cash:     cash,
		maxStale: maxStale,
		now:      time.Now,
		last:     make(map[string]lastPrice),
	}
}

func (s *FallbackSource) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	if s.cash.IsCash(symbol) {
		return decimal.NewFromInt(1), nil
	}

	var liveErr error
	if s.primary != nil {
		p, err := s.primary.Price(ctx, symbol)
		if err == nil {
			s.remember(symbol, p)
			return p, nil
		}
		liveErr = err
	}

	if p, ok := s.lastKnown(symbol); ok {
		metrics.PriceFallbacks.WithLabelValues("last_known").Inc()
		slog.Warn("using last known price", "symbol", symbol, "price", p.String(), "err", liveErr)
		return p, nil
	}
	if p, err := s.static.Price(ctx, symbol); err == nil {
		metrics.PriceFallbacks.WithLabelValues("static").Inc()
		if liveErr != nil {
			slog.Warn("using static price", "symbol", symbol, "price", p.String(), "err", liveErr)
		}
		return p, nil
	}

	metrics.PriceFallbacks.WithLabelValues("none").Inc()
	if liveErr != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrNoPrice, symbol, liveErr)
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
}

func (s *FallbackSource) remember(symbol string, p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[symbol] = lastPrice{price: p, at: s.now()}
}

func (s *FallbackSource) lastKnown(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lp, ok := s.last[symbol]
	if !ok {
		return decimal.Zero, false
	}
	if s.maxStale > 0 && s.now().Sub(lp.at) > s.maxStale {
		return decimal.Zero, false
	}
	return lp.price, true
}
