package dedupe

import (
	"context"
	"sync"
)

type entry struct {
	runID string
	seen  int
}

// MemoryLedger is an in-process Ledger
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]*entry)}
}

// Record implements Ledger
func (l *MemoryLedger) Record(ctx context.Context, identity string, runID string) (int, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identity]
	if !ok {
		e = &entry{runID: runID}
		l.entries[identity] = e
	}
	e.seen++
	return e.seen, e.runID, nil
}

// Release implements Ledger
func (l *MemoryLedger) Release(ctx context.Context, identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, identity)
	return nil
}

// GetSeenCount returns how often identity was recorded
func (l *MemoryLedger) GetSeenCount(ctx context.Context, identity string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[identity]; ok {
		return e.seen, nil
	}
	return 0, nil
}
