package settings

import (
	"context"
	"sync"
)

// MemoryStore keeps settings in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates a store seeded with initial
func NewMemoryStore(initial map[string]string) *MemoryStore {
	s := &MemoryStore{values: make(map[string]string, len(initial))}
	for k, v := range initial {
		s.values[k] = v
	}
	return s
}

// GetAll returns a copy of every setting
func (s *MemoryStore) GetAll(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

// Put writes a single setting
func (s *MemoryStore) Put(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Clear removes every setting
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	return nil
}

// ReplaceAll swaps the whole map under one lock
func (s *MemoryStore) ReplaceAll(ctx context.Context, values map[string]string) error {
	next := make(map[string]string, len(values))
	for k, v := range values {
		next[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = next
	return nil
}
