// Package securestore keeps small secrets such as OAuth tokens in an
// encrypted key-value file.
package securestore

import (
	"sync"
)

// Store is a string key-value store for credential material
type Store interface {
	// Get returns the value for key or an empty string when absent
	Get(key string) (string, error)

	// Put writes key
	Put(key, value string) error

	// Remove deletes keys; missing keys are ignored
	Remove(keys ...string) error
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the value for key
func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key], nil
}

// Put writes key
func (s *MemoryStore) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Remove deletes keys
func (s *MemoryStore) Remove(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// Prefixed scopes every key of an underlying store under prefix + "."
type Prefixed struct {
	store  Store
	prefix string
}

// WithPrefix wraps store so all keys are namespaced
func WithPrefix(store Store, prefix string) *Prefixed {
	return &Prefixed{store: store, prefix: prefix}
}

func (p *Prefixed) key(k string) string {
	return p.prefix + "." + k
}

// Get returns the namespaced value
func (p *Prefixed) Get(key string) (string, error) {
	return p.store.Get(p.key(key))
}

// Put writes the namespaced key
func (p *Prefixed) Put(key, value string) error {
	return p.store.Put(p.key(key), value)
}

// Remove deletes namespaced keys
func (p *Prefixed) Remove(keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.key(k)
	}
	return p.store.Remove(full...)
}
