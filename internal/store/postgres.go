package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-ledger/internal/model"
)

// ErrConflict is returned when another writer committed to the same book
// first. The caller should reload the book and retry or report.
var ErrConflict = errors.New("store: concurrent book update")

// Schema creates the tables used by PostgresStore. Idempotent.
const Schema = `
CREATE SEQUENCE IF NOT EXISTS trade_seq;

CREATE TABLE IF NOT EXISTS trades (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	asset      TEXT NOT NULL,
	side       TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
	quantity   NUMERIC NOT NULL CHECK (quantity > 0),
	price      NUMERIC NOT NULL CHECK (price > 0),
	ts         TIMESTAMPTZ NOT NULL,
	seq        BIGINT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS trades_book_order ON trades (account_id, asset, ts, seq);

CREATE TABLE IF NOT EXISTS books (
	account_id   TEXT NOT NULL,
	asset        TEXT NOT NULL,
	lots         JSONB NOT NULL,
	quantity     NUMERIC NOT NULL,
	cost_basis   NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	last_ts      TIMESTAMPTZ NOT NULL,
	last_seq     BIGINT NOT NULL,
	trade_count  BIGINT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, asset)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('trade_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

// CommitTrade inserts the trade and upserts the book in one transaction.
// The upsert only applies when the stored trade count is exactly one less
// than the new one, so two instances racing on the same book cannot both win.
func (s *PostgresStore) CommitTrade(ctx context.Context, t *model.Trade, b *model.BookSnapshot) error {
	lots, err := json.Marshal(b.Lots)
	if err != nil {
		return fmt.Errorf("encode lots: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, account_id, asset, side, quantity, price, ts, seq)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		t.ID, t.AccountID, t.Asset, string(t.Side),
		t.Quantity.String(), t.Price.String(),
		t.Key.Timestamp, t.Key.Seq,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO books (account_id, asset, lots, quantity, cost_basis, realized_pnl,
		                    last_ts, last_seq, trade_count, updated_at)
		 VALUES ($1, $2, $3::JSONB, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)
		 ON CONFLICT (account_id, asset) DO UPDATE
		 SET lots = EXCLUDED.lots, quantity = EXCLUDED.quantity,
		     cost_basis = EXCLUDED.cost_basis, realized_pnl = EXCLUDED.realized_pnl,
		     last_ts = EXCLUDED.last_ts, last_seq = EXCLUDED.last_seq,
		     trade_count = EXCLUDED.trade_count, updated_at = EXCLUDED.updated_at
		 WHERE books.trade_count = EXCLUDED.trade_count - 1`,
		b.AccountID, b.Asset, string(lots),
		b.Quantity.String(), b.CostBasis.String(), b.Realized.String(),
		b.LastKey.Timestamp, b.LastKey.Seq, b.TradeCount, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert book %s/%s: %w", b.AccountID, b.Asset, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	return tx.Commit(ctx)
}

const bookColumns = `account_id, asset, lots::TEXT, quantity::TEXT, cost_basis::TEXT,
		        realized_pnl::TEXT, last_ts, last_seq, trade_count, updated_at`

func (s *PostgresStore) GetBook(ctx context.Context, key model.BookKey) (*model.BookSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bookColumns+` FROM books WHERE account_id = $1 AND asset = $2`,
		key.AccountID, key.Asset)

	b, err := scanBook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book %s: %w", key, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBooks(ctx context.Context, accountID string) ([]model.BookSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bookColumns+` FROM books WHERE account_id = $1 ORDER BY asset`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []model.BookSnapshot
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

func (s *PostgresStore) TradesFor(ctx context.Context, key model.BookKey) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, asset, side, quantity::TEXT, price::TEXT, ts, seq
		 FROM trades WHERE account_id = $1 AND asset = $2 ORDER BY ts, seq`,
		key.AccountID, key.Asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) TradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, asset, side, quantity::TEXT, price::TEXT, ts, seq
		 FROM trades WHERE account_id = $1 ORDER BY ts, seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// scanBook reads one books row selected with bookColumns.
func scanBook(row pgx.Row) (*model.BookSnapshot, error) {
	var b model.BookSnapshot
	var lotsS, qtyS, costS, realizedS string

	if err := row.Scan(&b.AccountID, &b.Asset, &lotsS, &qtyS, &costS, &realizedS,
		&b.LastKey.Timestamp, &b.LastKey.Seq, &b.TradeCount, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(lotsS), &b.Lots); err != nil {
		return nil, fmt.Errorf("decode lots for %s/%s: %w", b.AccountID, b.Asset, err)
	}

	var err error
	if b.Quantity, err = decimal.NewFromString(qtyS); err != nil {
		return nil, err
	}
	if b.CostBasis, err = decimal.NewFromString(costS); err != nil {
		return nil, err
	}
	if b.Realized, err = decimal.NewFromString(realizedS); err != nil {
		return nil, err
	}
	b.LastKey.Timestamp = b.LastKey.Timestamp.UTC()
	return &b, nil
}

// pgxRows is the subset of pgx.Rows used by scanTrades.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qtyS, priceS string

		if err := rows.Scan(&t.ID, &t.AccountID, &t.Asset, &side,
			&qtyS, &priceS, &t.Key.Timestamp, &t.Key.Seq); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		t.Key.Timestamp = t.Key.Timestamp.UTC()
		var err error
		if t.Quantity, err = decimal.NewFromString(qtyS); err != nil {
			return nil, fmt.Errorf("trade %s quantity: %w", t.ID, err)
		}
		if t.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", t.ID, err)
		}

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
