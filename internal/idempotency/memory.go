package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It serves tests and the
// single-process HTTP intake; records do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Claim(_ context.Context, rec Record, now time.Time) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[rec.EventID]; ok && cur.Blocks(now) {
		return false, &cur, nil
	}
	s.records[rec.EventID] = rec
	return true, nil, nil
}

func (s *MemoryStore) Complete(_ context.Context, eventID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[eventID]
	if !ok || cur.Token != token {
		return ErrLeaseLost
	}
	cur.Status = StatusProcessed
	cur.ExpiresAt = expiresAt
	s.records[eventID] = cur
	return nil
}

func (s *MemoryStore) Release(_ context.Context, eventID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[eventID]; ok && cur.Token == token {
		delete(s.records, eventID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[eventID]
	if !ok {
		return nil, nil
	}
	return &cur, nil
}

// Prune deletes records past their retention.
func (s *MemoryStore) Prune(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.records {
		if !now.Before(r.ExpiresAt) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
