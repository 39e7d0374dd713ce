package main

import (
	"fmt"
	"log/slog"

	"github.com/atmx/pnl-ledger/internal/asset"
	"github.com/atmx/pnl-ledger/internal/config"
	"github.com/atmx/pnl-ledger/internal/limits"
	"github.com/atmx/pnl-ledger/internal/pricing"
)

// newPricing builds the mark-price source: the live feed when configured,
// backed by the static fallback prices.
func newPricing(cfg config.Config, cash *asset.Classifier) (*pricing.FallbackSource, error) {
	static, err := cfg.FallbackPrices()
	if err != nil {
		return nil, fmt.Errorf("fallback prices: %w", err)
	}
	var live pricing.Source
	if cfg.Pricing.FeedURL != "" {
		live = pricing.NewHTTPSource(cfg.Pricing.FeedURL, cfg.Pricing.Timeout)
		slog.Info("price feed configured", "url", cfg.Pricing.FeedURL)
	} else {
		slog.Warn("PRICE_FEED_URL not set, marking with fallback prices only", "symbols", len(static))
	}
	return pricing.NewFallbackSource(live, static, cash, cfg.Pricing.MaxStale), nil
}

func newLimiter(cfg config.Config, cash *asset.Classifier) (*limits.Limiter, error) {
	maxPerAsset, maxPerGroup, err := cfg.ExposureLimits()
	if err != nil {
		return nil, fmt.Errorf("exposure limits: %w", err)
	}
	limiter := limits.NewLimiter(maxPerAsset, maxPerGroup, cfg.Limits.Groups, cash)
	if limiter.Enabled() {
		slog.Info("exposure limits enabled", "max_per_asset", maxPerAsset.String(), "max_per_group", maxPerGroup.String())
	}
	return limiter, nil
}
