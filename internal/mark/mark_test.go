package mark_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pnl-ledger/internal/asset"
	"github.com/atmx/pnl-ledger/internal/ledger"
	"github.com/atmx/pnl-ledger/internal/mark"
	"github.com/atmx/pnl-ledger/internal/model"
	"github.com/atmx/pnl-ledger/internal/pricing"
	"github.com/atmx/pnl-ledger/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func setup(t *testing.T, prices pricing.Static) (*ledger.Engine, *mark.Calculator) {
	t.Helper()
	e := ledger.NewEngine(store.NewMemoryStore(), ledger.Options{})
	cash, err := asset.NewClassifier(nil)
	require.NoError(t, err)
	return e, mark.NewCalculator(e, pricing.NewFallbackSource(nil, prices, cash, 0), cash)
}

func apply(t *testing.T, e *ledger.Engine, account, sym string, side model.Side, qty, price float64) {
	t.Helper()
	_, err := e.ApplyTrade(context.Background(), ledger.TradeRequest{
		AccountID: account, Asset: sym, Side: side, Quantity: d(qty), Price: d(price),
	})
	require.NoError(t, err)
}

func TestUnrealized(t *testing.T) {
	pos := model.Position{Quantity: d(1), AverageCost: d(92000)}
	got := mark.Unrealized(pos, d(90000))
	assert.True(t, got.Equal(d(-2000)), "unrealized=%s", got)
}

func TestSnapshot_RealizedPlusUnrealized(t *testing.T) {
	e, calc := setup(t, pricing.Static{"BTC": d(90000), "ETH": d(3500)})
	apply(t, e, "alice", "BTC", model.SideBuy, 1, 92000)
	apply(t, e, "alice", "ETH", model.SideBuy, 2, 3000)
	apply(t, e, "alice", "ETH", model.SideSell, 1, 3200)

	snap, err := calc.Snapshot(context.Background(), "alice")
	require.NoError(t, err)

	require.Len(t, snap.Holdings, 2)
	assert.Equal(t, "BTC", snap.Holdings[0].Asset)
	assert.True(t, snap.Holdings[0].UnrealizedPnL.Equal(d(-2000)))
	assert.True(t, snap.Holdings[0].Priced)
	assert.True(t, snap.Holdings[1].UnrealizedPnL.Equal(d(500)))
	assert.True(t, snap.Holdings[1].MarketValue.Equal(d(3500)))

	assert.True(t, snap.UnrealizedTotal.Equal(d(-1500)), "unrealized=%s", snap.UnrealizedTotal)
	assert.True(t, snap.RealizedTotal.Equal(d(200)), "realized=%s", snap.RealizedTotal)
	assert.True(t, snap.TotalPnL.Equal(d(-1300)), "total=%s", snap.TotalPnL)
}

func TestSnapshot_CashExcludedFromRevaluation(t *testing.T) {
	e, calc := setup(t, pricing.Static{"BTC": d(110)})
	apply(t, e, "alice", "USD", model.SideBuy, 5000, 1)
	apply(t, e, "alice", "BTC", model.SideBuy, 1, 100)

	snap, err := calc.Snapshot(context.Background(), "alice")
	require.NoError(t, err)

	require.Len(t, snap.Holdings, 1)
	assert.Equal(t, "BTC", snap.Holdings[0].Asset)
	assert.True(t, snap.CashBalances["USD"].Equal(d(5000)))
	assert.True(t, snap.UnrealizedTotal.Equal(d(10)))
}

func TestSnapshot_MissingPriceDoesNotFail(t *testing.T) {
	e, calc := setup(t, pricing.Static{})
	apply(t, e, "alice", "XYZ", model.SideBuy, 3, 7)

	snap, err := calc.Snapshot(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, snap.Holdings, 1)
	assert.False(t, snap.Holdings[0].Priced)
	assert.True(t, snap.Holdings[0].UnrealizedPnL.IsZero())
	assert.True(t, snap.Holdings[0].Price.Equal(d(7)))
}

func TestSnapshot_ClosedPositionsKeepRealized(t *testing.T) {
	e, calc := setup(t, pricing.Static{})
	apply(t, e, "alice", "BTC", model.SideBuy, 1, 100)
	apply(t, e, "alice", "BTC", model.SideSell, 1, 120)

	snap, err := calc.Snapshot(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, snap.Holdings)
	assert.True(t, snap.RealizedTotal.Equal(d(20)))
	assert.True(t, snap.TotalPnL.Equal(d(20)))

	u, err := calc.UnrealizedPnL(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, u.IsZero())
}

func TestSnapshot_EmptyAccount(t *testing.T) {
	_, calc := setup(t, pricing.Static{})
	snap, err := calc.Snapshot(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, snap.Holdings)
	assert.True(t, snap.TotalPnL.IsZero())
}

func TestSnapshot_IncludesBooksRebuiltFromHistory(t *testing.T) {
	ms := store.NewMemoryStore()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ms.SeedTrades(
		model.Trade{ID: "a", AccountID: "alice", Asset: "ETH", Side: model.SideBuy,
			Quantity: d(2), Price: d(1000), Key: model.OrderKey{Timestamp: at, Seq: 1}},
		model.Trade{ID: "b", AccountID: "alice", Asset: "ETH", Side: model.SideBuy,
			Quantity: d(2), Price: d(2000), Key: model.OrderKey{Timestamp: at, Seq: 2}},
	)
	cash, err := asset.NewClassifier(nil)
	require.NoError(t, err)
	e := ledger.NewEngine(ms, ledger.Options{})
	calc := mark.NewCalculator(e, pricing.NewFallbackSource(nil, pricing.Static{"ETH": d(1600)}, cash, 0), cash)

	snap, err := calc.Snapshot(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, snap.Holdings, 1)
	assert.Equal(t, "ETH", snap.Holdings[0].Asset)
	assert.True(t, snap.UnrealizedTotal.Equal(d(400)), "unrealized=%s", snap.UnrealizedTotal)
}
