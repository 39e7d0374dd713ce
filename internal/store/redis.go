package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pnl-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of book snapshots. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

// CommitTrade invalidates the cached book both before and after the primary
// commit. A reader that misses between the two deletes can only cache the
// pre-commit snapshot, which the second delete removes.
func (s *CachedStore) CommitTrade(ctx context.Context, t *model.Trade, b *model.BookSnapshot) error {
	s.invalidate(ctx, t.AccountID, t.Asset)
	if err := s.primary.CommitTrade(ctx, t, b); err != nil {
		return err
	}
	s.invalidate(ctx, t.AccountID, t.Asset)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, accountID, asset string) {
	if err := s.rdb.Del(ctx, bookKey(accountID, asset), booksKey(accountID)).Err(); err != nil {
		slog.Warn("cache invalidation failed", "account", accountID, "asset", asset, "err", err)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBook(ctx context.Context, key model.BookKey) (*model.BookSnapshot, error) {
	data, err := s.rdb.Get(ctx, bookKey(key.AccountID, key.Asset)).Bytes()
	if err == nil {
		var b model.BookSnapshot
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	// Cache miss: read from primary.
	b, err := s.primary.GetBook(ctx, key)
	if err != nil {
		return nil, err
	}

	s.set(ctx, bookKey(key.AccountID, key.Asset), b)
	return b, nil
}

func (s *CachedStore) ListBooks(ctx context.Context, accountID string) ([]model.BookSnapshot, error) {
	data, err := s.rdb.Get(ctx, booksKey(accountID)).Bytes()
	if err == nil {
		var books []model.BookSnapshot
		if json.Unmarshal(data, &books) == nil {
			return books, nil
		}
	}

	books, err := s.primary.ListBooks(ctx, accountID)
	if err != nil {
		return nil, err
	}

	s.set(ctx, booksKey(accountID), books)
	return books, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) NextSequence(ctx context.Context) (int64, error) {
	return s.primary.NextSequence(ctx)
}

func (s *CachedStore) TradesFor(ctx context.Context, key model.BookKey) ([]model.Trade, error) {
	return s.primary.TradesFor(ctx, key)
}

func (s *CachedStore) TradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	return s.primary.TradesByAccount(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func bookKey(account, asset string) string { return fmt.Sprintf("book:%s:%s", account, asset) }
func booksKey(account string) string       { return fmt.Sprintf("books:%s", account) }
