package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps run history in process
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	events map[string][]Event
}

// NewMemoryStore creates an empty history store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event)}
}

// Append implements Store
func (s *MemoryStore) Append(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ev.ID = s.nextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

// Recent implements Store
func (s *MemoryStore) Recent(ctx context.Context, runID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[runID]
	out := make([]Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, events[i])
	}
	return out, nil
}
