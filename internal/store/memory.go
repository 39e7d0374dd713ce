package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/pnl-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	seq    int64
	books  map[model.BookKey]model.BookSnapshot
	trades []model.Trade

	// FailCommit, when set, is returned by CommitTrade without storing
	// anything. Lets tests exercise the persistence failure path.
	FailCommit error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books: make(map[model.BookKey]model.BookSnapshot),
	}
}

func (s *MemoryStore) NextSequence(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) CommitTrade(_ context.Context, trade *model.Trade, book *model.BookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCommit != nil {
		return s.FailCommit
	}

	s.trades = append(s.trades, *trade)
	s.books[model.BookKey{AccountID: book.AccountID, Asset: book.Asset}] = cloneSnapshot(*book)
	return nil
}

// SeedTrades appends history without touching book snapshots, simulating a
// store that holds trades but has lost (or never had) the derived state.
func (s *MemoryStore) SeedTrades(trades ...model.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, trades...)
	for _, t := range trades {
		if t.Key.Seq > s.seq {
			s.seq = t.Key.Seq
		}
	}
}

// PutBook overwrites a snapshot directly. Used by tests to simulate
// corrupted derived state.
func (s *MemoryStore) PutBook(book model.BookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.books[model.BookKey{AccountID: book.AccountID, Asset: book.Asset}] = cloneSnapshot(book)
}

func (s *MemoryStore) GetBook(_ context.Context, key model.BookKey) (*model.BookSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[key]
	if !ok {
		return nil, ErrNotFound
	}
	copy := cloneSnapshot(b)
	return &copy, nil
}

func (s *MemoryStore) ListBooks(_ context.Context, accountID string) ([]model.BookSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BookSnapshot
	for k, b := range s.books {
		if k.AccountID == accountID {
			result = append(result, cloneSnapshot(b))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Asset < result[j].Asset })
	return result, nil
}

func (s *MemoryStore) TradesFor(_ context.Context, key model.BookKey) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.AccountID == key.AccountID && t.Asset == key.Asset {
			result = append(result, t)
		}
	}
	sortTrades(result)
	return result, nil
}

func (s *MemoryStore) TradesByAccount(_ context.Context, accountID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.AccountID == accountID {
			result = append(result, t)
		}
	}
	sortTrades(result)
	return result, nil
}

func sortTrades(trades []model.Trade) {
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Key.Before(trades[j].Key) })
}

// cloneSnapshot copies the lot slice so callers cannot mutate stored state.
func cloneSnapshot(b model.BookSnapshot) model.BookSnapshot {
	lots := make([]model.Lot, len(b.Lots))
	copy(lots, b.Lots)
	b.Lots = lots
	return b
}
