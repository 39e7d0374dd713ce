// Package trade provides the HTTP handlers for submitting trade executions
// and querying positions, realized PnL and mark-to-market snapshots.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/asset"
	"github.com/atmx/pnl-ledger/internal/ledger"
	"github.com/atmx/pnl-ledger/internal/mark"
	"github.com/atmx/pnl-ledger/internal/model"
	"github.com/atmx/pnl-ledger/internal/pricing"
)

// Service exposes the ledger engine over HTTP. Serialization of trades on
// the same (account, asset) is the engine's job, not the handler's.
type Service struct {
	engine *ledger.Engine
	marker *mark.Calculator
	prices pricing.Source
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(engine *ledger.Engine, marker *mark.Calculator, prices pricing.Source, hub *WSHub) *Service {
	return &Service{
		engine: engine,
		marker: marker,
		prices: prices,
		wsHub:  hub,
	}
}

// Routes mounts the API on r.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		// WebSocket endpoint for real-time fills.
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/trades", s.ApplyTrade)
	r.Get("/prices/{symbol}", s.GetPrice)

	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/positions", s.ListPositions)
		r.Get("/positions/{asset}", s.GetPosition)
		r.Get("/pnl", s.GetPnL)
		r.Get("/realized", s.GetRealized)
		r.Get("/assets/{asset}/trades", s.GetHistory)
		r.Get("/assets/{asset}/lots", s.GetLots)
		r.Get("/assets/{asset}/verify", s.Verify)
	})
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trades.
type TradeRequest struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Side      string          `json:"side"` // "buy" or "sell"
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp *time.Time      `json:"timestamp,omitempty"` // defaults to server time
}

// TradeResponse is the JSON body returned from POST /trades.
type TradeResponse struct {
	TradeID       string           `json:"trade_id"`
	AccountID     string           `json:"account_id"`
	Asset         string           `json:"asset"`
	Side          string           `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         decimal.Decimal  `json:"price"`
	Seq           int64            `json:"seq"`
	RealizedDelta decimal.Decimal  `json:"realized_delta"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	Fragments     []model.Fragment `json:"fragments,omitempty"`
	Position      *model.Position  `json:"position"` // null once fully liquidated
}

// RealizedResponse is the JSON body of GET /accounts/{id}/realized.
type RealizedResponse struct {
	AccountID   string          `json:"account_id"`
	Asset       string          `json:"asset,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// --- HTTP Handlers ---

// ApplyTrade handles POST /api/v1/trades
func (s *Service) ApplyTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	in := ledger.TradeRequest{
		AccountID: req.AccountID,
		Asset:     req.Asset,
		Side:      model.Side(req.Side),
		Quantity:  req.Quantity,
		Price:     req.Price,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	fill, err := s.engine.ApplyTrade(r.Context(), in)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	t := fill.Trade
	resp := TradeResponse{
		TradeID:       t.ID,
		AccountID:     t.AccountID,
		Asset:         t.Asset,
		Side:          string(t.Side),
		Quantity:      t.Quantity,
		Price:         t.Price,
		Seq:           t.Key.Seq,
		RealizedDelta: fill.RealizedDelta,
		RealizedPnL:   fill.Realized,
		Fragments:     fill.Fragments,
		Position:      fill.Position,
	}

	// Broadcast fill via WebSocket.
	if s.wsHub != nil {
		msg := WSMessage{
			Type:          "trade_applied",
			TradeID:       t.ID,
			AccountID:     t.AccountID,
			Asset:         t.Asset,
			Side:          string(t.Side),
			Quantity:      t.Quantity.String(),
			Price:         t.Price.String(),
			RealizedDelta: fill.RealizedDelta.String(),
		}
		if fill.Position != nil {
			msg.PositionQty = fill.Position.Quantity.String()
			msg.AverageCost = fill.Position.AverageCost.String()
		}
		s.wsHub.Broadcast(msg)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetPosition handles GET /api/v1/accounts/{accountID}/positions/{asset}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.GetPosition(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "asset"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListPositions handles GET /api/v1/accounts/{accountID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.ListPositions(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetRealized handles GET /api/v1/accounts/{accountID}/realized?asset=
// Without asset, returns the account total.
func (s *Service) GetRealized(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	sym := r.URL.Query().Get("asset")

	total, err := s.engine.GetRealizedPnL(r.Context(), accountID, sym)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if sym != "" {
		sym, _ = asset.Normalize(sym)
	}
	writeJSON(w, http.StatusOK, RealizedResponse{AccountID: accountID, Asset: sym, RealizedPnL: total})
}

// GetPnL handles GET /api/v1/accounts/{accountID}/pnl
// Returns realized, unrealized and total PnL as of now.
func (s *Service) GetPnL(w http.ResponseWriter, r *http.Request) {
	snap, err := s.marker.Snapshot(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetHistory handles GET /api/v1/accounts/{accountID}/assets/{asset}/trades
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.History(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "asset"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetLots handles GET /api/v1/accounts/{accountID}/assets/{asset}/lots
func (s *Service) GetLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.engine.Lots(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "asset"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

// Verify handles GET /api/v1/accounts/{accountID}/assets/{asset}/verify
// Replays the book's history and compares it with the committed state.
func (s *Service) Verify(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Verify(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "asset")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "consistent"})
}

// GetPrice handles GET /api/v1/prices/{symbol}
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	sym, err := asset.Normalize(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	price, err := s.prices.Price(r.Context(), sym)
	if err != nil {
		writeError(w, "no price for "+sym, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": sym, "price": price})
}

// writeEngineError maps ledger errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientInventory), errors.Is(err, ledger.ErrLimitExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrNoPosition):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrReplayInconsistency):
		// Already logged with details by the engine.
		writeError(w, "ledger integrity check failed", http.StatusInternalServerError)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
