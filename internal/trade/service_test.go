package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/asset"
	"github.com/atmx/pnl-ledger/internal/ledger"
	"github.com/atmx/pnl-ledger/internal/mark"
	"github.com/atmx/pnl-ledger/internal/model"
	"github.com/atmx/pnl-ledger/internal/pricing"
	"github.com/atmx/pnl-ledger/internal/store"
	"github.com/atmx/pnl-ledger/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service over an in-memory store and chi router.
func newTestEnv(t *testing.T, hub *trade.WSHub) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	engine := ledger.NewEngine(ms, ledger.Options{})
	cash, err := asset.NewClassifier(nil)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	prices := pricing.NewFallbackSource(nil, pricing.Static{"BTC": d(90000)}, cash, 0)
	svc := trade.NewService(engine, mark.NewCalculator(engine, prices, cash), prices, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, r
}

func doTrade(t *testing.T, router chi.Router, req trade.TradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/trades", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func doGet(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func buy(qty, price float64) trade.TradeRequest {
	return trade.TradeRequest{AccountID: "alice", Asset: "BTC", Side: "buy", Quantity: d(qty), Price: d(price)}
}

func sell(qty, price float64) trade.TradeRequest {
	return trade.TradeRequest{AccountID: "alice", Asset: "BTC", Side: "sell", Quantity: d(qty), Price: d(price)}
}

// --- Trade submission tests ---

func TestApplyTrade_Buy(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := doTrade(t, router, buy(1, 40000))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.TradeID == "" {
		t.Error("expected non-empty trade_id")
	}
	if resp.Position == nil {
		t.Fatal("expected an open position")
	}
	if !resp.Position.Quantity.Equal(d(1)) || !resp.Position.AverageCost.Equal(d(40000)) {
		t.Errorf("unexpected position %+v", resp.Position)
	}
	if !resp.RealizedDelta.IsZero() {
		t.Errorf("buy should not realize PnL, got %s", resp.RealizedDelta)
	}
}

func TestApplyTrade_SellCrossesLots(t *testing.T) {
	_, router := newTestEnv(t, nil)
	doTrade(t, router, buy(1, 40000))
	doTrade(t, router, buy(1, 42000))

	w := doTrade(t, router, sell(1.5, 45000))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// 1 × (45000-40000) + 0.5 × (45000-42000)
	if !resp.RealizedDelta.Equal(d(6500)) {
		t.Errorf("expected realized delta 6500, got %s", resp.RealizedDelta)
	}
	if len(resp.Fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(resp.Fragments))
	}
	if !resp.Position.AverageCost.Equal(d(42000)) {
		t.Errorf("remaining lot should cost 42000, got %s", resp.Position.AverageCost)
	}
}

func TestApplyTrade_FullLiquidation(t *testing.T) {
	_, router := newTestEnv(t, nil)
	doTrade(t, router, buy(2, 100))

	w := doTrade(t, router, sell(2, 110))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Position != nil {
		t.Errorf("expected null position after liquidation, got %+v", resp.Position)
	}

	if w := doGet(t, router, "/api/v1/accounts/alice/positions/BTC"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for closed position, got %d", w.Code)
	}
}

func TestApplyTrade_InsufficientInventory(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	doTrade(t, router, buy(1, 100))

	w := doTrade(t, router, sell(2, 120))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	trades, _ := ms.TradesByAccount(context.Background(), "alice")
	if len(trades) != 1 {
		t.Errorf("rejected trade must not be recorded, got %d trades", len(trades))
	}
}

func TestApplyTrade_InvalidInput(t *testing.T) {
	_, router := newTestEnv(t, nil)

	tests := map[string]trade.TradeRequest{
		"bad side":      {AccountID: "alice", Asset: "BTC", Side: "hold", Quantity: d(1), Price: d(1)},
		"zero quantity": {AccountID: "alice", Asset: "BTC", Side: "buy", Quantity: decimal.Zero, Price: d(1)},
		"negative px":   {AccountID: "alice", Asset: "BTC", Side: "buy", Quantity: d(1), Price: d(-1)},
		"no account":    {Asset: "BTC", Side: "buy", Quantity: d(1), Price: d(1)},
		"bad asset":     {AccountID: "alice", Asset: "B T C", Side: "buy", Quantity: d(1), Price: d(1)},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			if w := doTrade(t, router, req); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestApplyTrade_MalformedBody(t *testing.T) {
	_, router := newTestEnv(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/trades", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestApplyTrade_StaleTimestamp(t *testing.T) {
	_, router := newTestEnv(t, nil)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	earlier := now.Add(-time.Minute)

	first := buy(1, 100)
	first.Timestamp = &now
	if w := doTrade(t, router, first); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	late := buy(1, 100)
	late.Timestamp = &earlier
	if w := doTrade(t, router, late); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-order trade, got %d", w.Code)
	}
}

func TestApplyTrade_FutureTimestamp(t *testing.T) {
	_, router := newTestEnv(t, nil)
	future := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)

	req := buy(1, 100)
	req.Timestamp = &future
	if w := doTrade(t, router, req); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for future timestamp, got %d", w.Code)
	}

	// A server-stamped trade still goes through.
	if w := doTrade(t, router, buy(1, 100)); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Query tests ---

func TestQueries_PositionsRealizedHistory(t *testing.T) {
	_, router := newTestEnv(t, nil)
	doTrade(t, router, buy(2, 100))
	doTrade(t, router, sell(1, 130))
	doTrade(t, router, trade.TradeRequest{AccountID: "alice", Asset: "eth", Side: "buy", Quantity: d(1), Price: d(10)})

	w := doGet(t, router, "/api/v1/accounts/alice/positions")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 2 || positions[0].Asset != "BTC" || positions[1].Asset != "ETH" {
		t.Fatalf("unexpected positions %+v", positions)
	}

	var realized trade.RealizedResponse
	json.Unmarshal(doGet(t, router, "/api/v1/accounts/alice/realized?asset=btc").Body.Bytes(), &realized)
	if realized.Asset != "BTC" || !realized.RealizedPnL.Equal(d(30)) {
		t.Errorf("unexpected realized %+v", realized)
	}

	var history []model.Trade
	json.Unmarshal(doGet(t, router, "/api/v1/accounts/alice/assets/BTC/trades").Body.Bytes(), &history)
	if len(history) != 2 || history[0].Side != model.SideBuy {
		t.Errorf("unexpected history %+v", history)
	}

	var lots []model.Lot
	json.Unmarshal(doGet(t, router, "/api/v1/accounts/alice/assets/BTC/lots").Body.Bytes(), &lots)
	if len(lots) != 1 || !lots[0].Quantity.Equal(d(1)) {
		t.Errorf("unexpected lots %+v", lots)
	}

	if w := doGet(t, router, "/api/v1/accounts/alice/assets/BTC/verify"); w.Code != http.StatusOK {
		t.Errorf("expected consistent book, got %d: %s", w.Code, w.Body.String())
	}
}

func TestQueries_EmptyAccount(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := doGet(t, router, "/api/v1/accounts/nobody/positions")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %d %s", w.Code, w.Body.String())
	}

	var realized trade.RealizedResponse
	json.Unmarshal(doGet(t, router, "/api/v1/accounts/nobody/realized").Body.Bytes(), &realized)
	if !realized.RealizedPnL.IsZero() {
		t.Errorf("expected zero realized, got %s", realized.RealizedPnL)
	}
}

func TestGetPnL(t *testing.T) {
	_, router := newTestEnv(t, nil)
	doTrade(t, router, buy(1, 92000))

	w := doGet(t, router, "/api/v1/accounts/alice/pnl")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap model.MarkSnapshot
	json.Unmarshal(w.Body.Bytes(), &snap)
	if !snap.UnrealizedTotal.Equal(d(-2000)) {
		t.Errorf("expected unrealized -2000, got %s", snap.UnrealizedTotal)
	}
}

func TestVerify_DetectsCorruptSnapshot(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	doTrade(t, router, buy(1, 100))

	snap, err := ms.GetBook(context.Background(), model.BookKey{AccountID: "alice", Asset: "BTC"})
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	snap.Realized = d(999)
	ms.PutBook(*snap)

	// A fresh router has no cached books, so it reads the corrupted snapshot.
	engine := ledger.NewEngine(ms, ledger.Options{})
	svc := trade.NewService(engine, mark.NewCalculator(engine, pricing.Static{}, nil), pricing.Static{}, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	if w := doGet(t, r, "/api/v1/accounts/alice/assets/BTC/verify"); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestGetPrice(t *testing.T) {
	_, router := newTestEnv(t, nil)

	if w := doGet(t, router, "/api/v1/prices/btc"); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := doGet(t, router, "/api/v1/prices/DOGE"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- WebSocket ---

func TestWebSocket_BroadcastsFills(t *testing.T) {
	hub := trade.NewWSHub()
	go hub.Run()
	defer hub.Stop()

	_, router := newTestEnv(t, hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	doTrade(t, router, buy(1, 100))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg trade.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "trade_applied" || msg.Asset != "BTC" || msg.PositionQty != "1" {
		t.Errorf("unexpected message %+v", msg)
	}
}
