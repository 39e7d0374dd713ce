package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/asset"
	"github.com/atmx/pnl-ledger/internal/limits"
	"github.com/atmx/pnl-ledger/internal/metrics"
	"github.com/atmx/pnl-ledger/internal/model"
	"github.com/atmx/pnl-ledger/internal/store"
)

// TradeRequest is the input of ApplyTrade. Timestamp defaults to now.
type TradeRequest struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Side      model.Side      `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Options tune the Engine.
type Options struct {
	// VerifyOnLoad replays history whenever a book is loaded from its stored
	// snapshot and refuses to use a snapshot that disagrees.
	VerifyOnLoad bool

	// Limits, when enabled, caps the cost basis a buy may add.
	Limits *limits.Limiter

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time

	// MaxClockSkew is how far a client timestamp may run ahead of Now.
	// Defaults to DefaultMaxClockSkew.
	MaxClockSkew time.Duration
}

// DefaultMaxClockSkew bounds client timestamps when Options leaves it unset.
const DefaultMaxClockSkew = 5 * time.Second

// Engine is the sole mutating entry point of the ledger. Work on one
// (account, asset) is serialized by a per-key lock; different keys proceed
// in parallel.
//
// Books in the working set are copy-on-write: ApplyTrade mutates a clone,
// persists it, then publishes it. Readers never need the key lock.
type Engine struct {
	store store.Store
	locks *keyedMutex
	opts  Options

	mu    sync.RWMutex
	books map[model.BookKey]*Book
}

// NewEngine creates an engine over st.
func NewEngine(st store.Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	return &Engine{
		store: st,
		locks: newKeyedMutex(),
		opts:  opts,
		books: make(map[model.BookKey]*Book),
	}
}

// ApplyTrade validates, matches and persists one trade. On any error the
// book, the realized accumulator and the store are left as they were.
func (e *Engine) ApplyTrade(ctx context.Context, req TradeRequest) (*Fill, error) {
	key, err := e.validate(req)
	if err != nil {
		metrics.TradesTotal.WithLabelValues(string(req.Side), "invalid").Inc()
		return nil, err
	}

	start := time.Now()
	unlock := e.locks.Lock(key)
	defer unlock()
	defer func() {
		metrics.TradeApplyLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	}()

	book, err := e.load(ctx, key)
	if err != nil {
		metrics.TradesTotal.WithLabelValues(string(req.Side), "error").Inc()
		return nil, err
	}

	if req.Side == model.SideBuy && e.opts.Limits.Enabled() {
		if err := e.checkLimits(ctx, key, book, req); err != nil {
			if errors.Is(err, ErrLimitExceeded) {
				metrics.TradesTotal.WithLabelValues(string(req.Side), "rejected").Inc()
				slog.Info("buy rejected", "account", key.AccountID, "asset", key.Asset, "err", err)
			} else {
				metrics.TradesTotal.WithLabelValues(string(req.Side), "error").Inc()
			}
			return nil, err
		}
	}

	seq, err := e.store.NextSequence(ctx)
	if err != nil {
		metrics.TradesTotal.WithLabelValues(string(req.Side), "error").Inc()
		return nil, fmt.Errorf("assign sequence: %w", err)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = e.opts.Now()
	}
	trade := model.Trade{
		ID:        uuid.New().String(),
		AccountID: key.AccountID,
		Asset:     key.Asset,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		// Postgres keeps microseconds; truncate so stored and live keys agree.
		Key: model.OrderKey{Timestamp: ts.UTC().Truncate(time.Microsecond), Seq: seq},
	}

	next := book.Clone()
	fill, err := next.Apply(trade)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientInventory):
			metrics.TradesTotal.WithLabelValues(string(req.Side), "rejected").Inc()
			metrics.InventoryRejections.Inc()
			slog.Info("sell rejected",
				"account", key.AccountID,
				"asset", key.Asset,
				"qty", req.Quantity.String(),
				"available", book.queue.TotalQuantity().String(),
			)
		case errors.Is(err, ErrInvalidInput):
			metrics.TradesTotal.WithLabelValues(string(req.Side), "invalid").Inc()
		default:
			metrics.TradesTotal.WithLabelValues(string(req.Side), "error").Inc()
		}
		return nil, err
	}

	snap := next.Snapshot(e.opts.Now().UTC())
	if err := e.store.CommitTrade(ctx, &trade, &snap); err != nil {
		metrics.TradesTotal.WithLabelValues(string(req.Side), "error").Inc()
		if errors.Is(err, store.ErrConflict) {
			// Another writer owns a newer version; reload on next use.
			e.evict(key)
		}
		return nil, fmt.Errorf("commit trade for %s: %w", key, err)
	}
	e.publish(key, next)

	metrics.TradesTotal.WithLabelValues(string(req.Side), "applied").Inc()
	slog.Info("trade applied",
		"trade_id", trade.ID,
		"account", key.AccountID,
		"asset", key.Asset,
		"side", string(trade.Side),
		"qty", trade.Quantity.String(),
		"price", trade.Price.String(),
		"seq", trade.Key.Seq,
		"realized_delta", fill.RealizedDelta.String(),
	)
	return fill, nil
}

// checkLimits tests a buy against the exposure limits. Exposure of other
// assets is read without their key locks and may lag a concurrent trade.
func (e *Engine) checkLimits(ctx context.Context, key model.BookKey, book *Book, req TradeRequest) error {
	books, err := e.Books(ctx, key.AccountID)
	if err != nil {
		return fmt.Errorf("load exposures: %w", err)
	}
	exposures := make(map[string]decimal.Decimal, len(books)+1)
	for _, b := range books {
		exposures[b.Key().Asset] = b.queue.TotalCost()
	}
	exposures[key.Asset] = book.queue.TotalCost()
	return e.opts.Limits.CheckLimit(key.Asset, req.Quantity.Mul(req.Price), exposures)
}

func (e *Engine) validate(req TradeRequest) (model.BookKey, error) {
	if req.AccountID == "" {
		return model.BookKey{}, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	sym, err := asset.Normalize(req.Asset)
	if err != nil {
		return model.BookKey{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !req.Side.Valid() {
		return model.BookKey{}, fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidInput, req.Side)
	}
	if !req.Quantity.IsPositive() {
		return model.BookKey{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if !req.Price.IsPositive() {
		return model.BookKey{}, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	// A future key would make every later server-stamped trade stale.
	if limit := e.opts.Now().Add(e.opts.MaxClockSkew); req.Timestamp.After(limit) {
		return model.BookKey{}, fmt.Errorf("%w: timestamp %s is ahead of the server clock",
			ErrInvalidInput, req.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return model.BookKey{AccountID: req.AccountID, Asset: sym}, nil
}

// load returns the working-set book for key, pulling it from the store on
// first use: the stored snapshot when there is one, otherwise a replay of
// the stored history. Callers hold the key lock.
func (e *Engine) load(ctx context.Context, key model.BookKey) (*Book, error) {
	if b := e.cached(key); b != nil {
		return b, nil
	}

	var book *Book
	snap, err := e.store.GetBook(ctx, key)
	switch {
	case err == nil:
		book = RestoreBook(*snap)
		if e.opts.VerifyOnLoad {
			if err := e.verifyBook(ctx, book); err != nil {
				return nil, err
			}
		}
	case errors.Is(err, store.ErrNotFound):
		history, err := e.store.TradesFor(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load history for %s: %w", key, err)
		}
		if book, err = Replay(key, history); err != nil {
			e.reportInconsistency(key, err)
			return nil, err
		}
		if len(history) > 0 {
			slog.Info("book rebuilt from history", "account", key.AccountID, "asset", key.Asset, "trades", len(history))
		}
	default:
		return nil, fmt.Errorf("load book %s: %w", key, err)
	}

	// Empty books stay out of the working set; ApplyTrade publishes after
	// the first commit.
	if book.TradeCount() > 0 {
		e.publish(key, book)
	}
	return book, nil
}

func (e *Engine) cached(key model.BookKey) *Book {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.books[key]
}

func (e *Engine) publish(key model.BookKey, b *Book) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.books[key]; !ok {
		metrics.OpenBooks.Inc()
	}
	e.books[key] = b
}

func (e *Engine) evict(key model.BookKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.books[key]; ok {
		delete(e.books, key)
		metrics.OpenBooks.Dec()
	}
}

// committed returns the latest committed book without taking the key lock,
// rebuilding it from history when the store holds no snapshot. ok is false
// when nothing was ever committed for key.
func (e *Engine) committed(ctx context.Context, key model.BookKey) (*Book, bool, error) {
	if b := e.cached(key); b != nil {
		return b, true, nil
	}
	snap, err := e.store.GetBook(ctx, key)
	switch {
	case err == nil:
		return RestoreBook(*snap), true, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, false, fmt.Errorf("get book %s: %w", key, err)
	}

	history, err := e.store.TradesFor(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("load history for %s: %w", key, err)
	}
	if len(history) == 0 {
		return nil, false, nil
	}
	book, err := Replay(key, history)
	if err != nil {
		e.reportInconsistency(key, err)
		return nil, false, err
	}
	return book, true, nil
}

func (e *Engine) key(accountID, symbol string) (model.BookKey, error) {
	sym, err := asset.Normalize(symbol)
	if err != nil {
		return model.BookKey{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return model.BookKey{AccountID: accountID, Asset: sym}, nil
}

// GetPosition returns the open position, or ErrNoPosition when absent.
func (e *Engine) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	key, err := e.key(accountID, symbol)
	if err != nil {
		return nil, err
	}
	b, ok, err := e.committed(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPosition
	}
	pos, ok := b.Position()
	if !ok {
		return nil, ErrNoPosition
	}
	return &pos, nil
}

// Lots returns the open lots of a book, oldest first.
func (e *Engine) Lots(ctx context.Context, accountID, symbol string) ([]model.Lot, error) {
	key, err := e.key(accountID, symbol)
	if err != nil {
		return nil, err
	}
	b, ok, err := e.committed(ctx, key)
	if err != nil || !ok {
		return []model.Lot{}, err
	}
	return b.Lots(), nil
}

// Books returns every committed book of an account ordered by asset. Books
// in the working set take precedence over stored snapshots; assets with
// history but no snapshot are rebuilt by replay.
func (e *Engine) Books(ctx context.Context, accountID string) ([]*Book, error) {
	snaps, err := e.store.ListBooks(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list books for %s: %w", accountID, err)
	}

	books := make([]*Book, 0, len(snaps))
	seen := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		key := model.BookKey{AccountID: s.AccountID, Asset: s.Asset}
		seen[s.Asset] = true
		if b := e.cached(key); b != nil {
			books = append(books, b)
			continue
		}
		books = append(books, RestoreBook(s))
	}

	unsnapped, err := e.historyOnly(ctx, accountID, seen)
	if err != nil {
		return nil, err
	}
	for sym, history := range unsnapped {
		key := model.BookKey{AccountID: accountID, Asset: sym}
		if b := e.cached(key); b != nil {
			books = append(books, b)
			continue
		}
		b, err := Replay(key, history)
		if err != nil {
			e.reportInconsistency(key, err)
			return nil, err
		}
		books = append(books, b)
	}

	sort.Slice(books, func(i, j int) bool { return books[i].key.Asset < books[j].key.Asset })
	return books, nil
}

// historyOnly groups the account's trades by asset, oldest first, skipping
// assets in skip.
func (e *Engine) historyOnly(ctx context.Context, accountID string, skip map[string]bool) (map[string][]model.Trade, error) {
	trades, err := e.store.TradesByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list trades for %s: %w", accountID, err)
	}
	byAsset := make(map[string][]model.Trade)
	for _, t := range trades {
		if skip[t.Asset] {
			continue
		}
		byAsset[t.Asset] = append(byAsset[t.Asset], t)
	}
	return byAsset, nil
}

// ListPositions returns the non-absent positions of an account.
func (e *Engine) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	books, err := e.Books(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions := []model.Position{}
	for _, b := range books {
		if pos, ok := b.Position(); ok {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// GetRealizedPnL returns cumulative realized PnL for one asset, or for the
// whole account when symbol is empty. The account total is the sum of the
// per-asset accumulators.
func (e *Engine) GetRealizedPnL(ctx context.Context, accountID, symbol string) (decimal.Decimal, error) {
	if symbol != "" {
		key, err := e.key(accountID, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		b, ok, err := e.committed(ctx, key)
		if err != nil || !ok {
			return decimal.Zero, err
		}
		return b.Realized(), nil
	}

	books, err := e.Books(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, b := range books {
		total = total.Add(b.Realized())
	}
	return total, nil
}

// History returns the trade history of a book, oldest first.
func (e *Engine) History(ctx context.Context, accountID, symbol string) ([]model.Trade, error) {
	key, err := e.key(accountID, symbol)
	if err != nil {
		return nil, err
	}
	trades, err := e.store.TradesFor(ctx, key)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// Verify replays the full history of a book and compares it with the
// committed state. A mismatch is reported and returned as
// ErrReplayInconsistency; nothing is reconciled.
func (e *Engine) Verify(ctx context.Context, accountID, symbol string) error {
	key, err := e.key(accountID, symbol)
	if err != nil {
		return err
	}

	// Hold the key so history and state are read at the same version.
	unlock := e.locks.Lock(key)
	defer unlock()

	b, err := e.load(ctx, key)
	if err != nil {
		return err
	}
	return e.verifyBook(ctx, b)
}

// VerifyAccount runs Verify on every book of an account, including books
// that only exist as trade history.
func (e *Engine) VerifyAccount(ctx context.Context, accountID string) error {
	snaps, err := e.store.ListBooks(ctx, accountID)
	if err != nil {
		return fmt.Errorf("list books for %s: %w", accountID, err)
	}
	assets := make([]string, 0, len(snaps))
	seen := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		assets = append(assets, s.Asset)
		seen[s.Asset] = true
	}
	unsnapped, err := e.historyOnly(ctx, accountID, seen)
	if err != nil {
		return err
	}
	for sym := range unsnapped {
		assets = append(assets, sym)
	}
	sort.Strings(assets)

	var errs []error
	for _, sym := range assets {
		if err := e.Verify(ctx, accountID, sym); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) verifyBook(ctx context.Context, b *Book) error {
	history, err := e.store.TradesFor(ctx, b.key)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", b.key, err)
	}
	replayed, err := Replay(b.key, history)
	if err == nil {
		err = Compare(b, replayed)
	}
	if err != nil {
		e.reportInconsistency(b.key, err)
		return err
	}
	return nil
}

func (e *Engine) reportInconsistency(key model.BookKey, err error) {
	metrics.ReplayInconsistencies.Inc()
	slog.Error("replay inconsistency",
		"account", key.AccountID,
		"asset", key.Asset,
		"err", err,
	)
}
