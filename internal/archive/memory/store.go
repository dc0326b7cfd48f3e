// Package memory stores archived payloads in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Store keeps payloads in a map and returns pseudo URIs.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStore creates an empty in-memory archive.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Save copies data under key and returns a memory:// URI.
func (s *Store) Save(_ context.Context, key string, data []byte) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", key), nil
}

// Get returns a copy of the stored payload. It exists for tests and tooling.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len reports the number of archived payloads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
