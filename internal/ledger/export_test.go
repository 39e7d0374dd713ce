package ledger

// WorkingSetLen reports how many books the engine holds in memory.
func (e *Engine) WorkingSetLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.books)
}
