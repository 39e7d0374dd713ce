package ledger

import (
	"sync"

	"github.com/atmx/pnl-ledger/internal/model"
)

// keyedMutex serializes work per book key. Different keys never contend.
// Entries are reference counted and dropped once no goroutine holds or
// waits on them, so the map does not grow with every key ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[model.BookKey]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[model.BookKey]*refMutex)}
}

// Lock blocks until key is held and returns the matching unlock.
func (k *keyedMutex) Lock(key model.BookKey) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
