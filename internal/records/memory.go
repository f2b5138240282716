package records

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for standalone mode and tests
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]ProcessingRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]ProcessingRecord),
		now:     time.Now,
	}
}

// Create implements Store
func (s *MemoryStore) Create(ctx context.Context, rec ProcessingRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.InterviewID]; ok {
		return false, nil
	}
	now := s.now()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.InterviewID] = rec
	return true, nil
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, interviewID string) (*ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[interviewID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.TotalScore != nil {
		score := *rec.TotalScore
		rec.TotalScore = &score
	}
	return &rec, nil
}

// CompareAndSwap implements Store
func (s *MemoryStore) CompareAndSwap(ctx context.Context, interviewID string, version int64, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[interviewID]
	if !ok {
		return ErrNotFound
	}
	if rec.Version != version {
		return ErrVersionConflict
	}
	patch.ApplyTo(&rec)
	rec.Version++
	rec.UpdatedAt = s.now()
	s.records[interviewID] = rec
	return nil
}

// Ping implements Store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
