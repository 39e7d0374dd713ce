package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/asset"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var crypto = map[string]string{"BTC": "crypto", "ETH": "crypto", "sol": "crypto"}

func cash(t *testing.T) *asset.Classifier {
	t.Helper()
	c, err := asset.NewClassifier(nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000), crypto, cash(t))

	if err := limiter.CheckLimit("BTC", d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerAssetExceeded(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000), crypto, cash(t))

	// Existing cost basis 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{"BTC": d(950)}

	err := limiter.CheckLimit("BTC", d(100), existing)
	if !errors.Is(err, ErrAssetLimitExceeded) || !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("expected ErrAssetLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerAssetBoundaryAllowed(t *testing.T) {
	limiter := NewLimiter(d(1000), decimal.Zero, nil, cash(t))

	existing := map[string]decimal.Decimal{"BTC": d(900)}
	if err := limiter.CheckLimit("BTC", d(100), existing); err != nil {
		t.Errorf("reaching the limit exactly should be allowed, got %v", err)
	}
}

func TestCheckLimit_GroupExceeded(t *testing.T) {
	limiter := NewLimiter(d(1000), d(2000), crypto, cash(t))

	existing := map[string]decimal.Decimal{
		"BTC": d(800),
		"ETH": d(800),
		"SOL": d(300),
	}

	// 800 + 800 + 300 + 200 = 2100 > 2000.
	err := limiter.CheckLimit("SOL", d(200), existing)
	if !errors.Is(err, ErrGroupLimitExceeded) {
		t.Errorf("expected ErrGroupLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_UngroupedAssetsIgnored(t *testing.T) {
	limiter := NewLimiter(d(1000), d(1000), crypto, cash(t))

	existing := map[string]decimal.Decimal{
		"BTC":  d(900),
		"AAPL": d(900),
	}

	// AAPL is its own group; BTC does not count towards it.
	if err := limiter.CheckLimit("AAPL", d(100), existing); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_CashUnlimited(t *testing.T) {
	limiter := NewLimiter(d(10), d(10), nil, cash(t))

	existing := map[string]decimal.Decimal{"USD": d(1_000_000)}
	if err := limiter.CheckLimit("USD", d(5000), existing); err != nil {
		t.Errorf("cash must not be limited, got %v", err)
	}
}

func TestCheckLimit_Disabled(t *testing.T) {
	var nilLimiter *Limiter
	if err := nilLimiter.CheckLimit("BTC", d(1e9), nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}

	limiter := NewLimiter(decimal.Zero, decimal.Zero, nil, cash(t))
	if limiter.Enabled() {
		t.Error("zero limits should be disabled")
	}
	if err := limiter.CheckLimit("BTC", d(1e9), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
