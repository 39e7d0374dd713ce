package main

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pnl-ledger/internal/asset"
	"github.com/atmx/pnl-ledger/internal/config"
)

func TestNewPricing(t *testing.T) {
	cash, err := asset.NewClassifier(nil)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Pricing.Fallback = map[string]string{"BTC": "65000"}
	prices, err := newPricing(cfg, cash)
	require.NoError(t, err)
	p, err := prices.Price(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(65000)))

	cfg.Pricing.Fallback = map[string]string{"BTC": "cheap"}
	_, err = newPricing(cfg, cash)
	assert.Error(t, err)
}

func TestNewLimiter(t *testing.T) {
	cash, err := asset.NewClassifier(nil)
	require.NoError(t, err)

	cfg := config.Default()
	limiter, err := newLimiter(cfg, cash)
	require.NoError(t, err)
	assert.False(t, limiter.Enabled())

	cfg.Limits.MaxPerAsset = "1000"
	limiter, err = newLimiter(cfg, cash)
	require.NoError(t, err)
	assert.True(t, limiter.Enabled())

	cfg.Limits.MaxPerGroup = "-5"
	_, err = newLimiter(cfg, cash)
	assert.Error(t, err)
}
