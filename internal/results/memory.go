package results

import (
	"context"
	"sync"

	"github.com/MeKo-Tech/tally/internal/ballot"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]ballot.ResultMessage
	order   []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]ballot.ResultMessage)}
}

func (s *MemoryStore) Save(_ context.Context, msg ballot.ResultMessage) (bool, error) {
	key := Key(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[key]
	var prev *ballot.ResultMessage
	if ok {
		prev = &existing
	}
	if !Supersedes(prev, msg) {
		return false, nil
	}
	if !ok {
		s.order = append(s.order, key)
	}
	s.records[key] = msg
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*ballot.ResultMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.records[key]
	if !ok {
		return nil, errorRegistry.New(ErrNotFound).WithDetail("key", key)
	}
	return &msg, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]ballot.ResultMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ballot.ResultMessage, 0, len(s.order))
	for _, key := range s.order {
		if msg := s.records[key]; f.Match(msg) {
			out = append(out, msg)
		}
	}
	return limit(out, f.Limit), nil
}

func (s *MemoryStore) Close() error { return nil }
