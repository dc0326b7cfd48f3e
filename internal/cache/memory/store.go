// Package memory provides a process-local cache store, useful for tests and
// single-run deployments that do not need persistence.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nyimbi/fetchkit/internal/cache"
)

// Store keeps entries in a map. Payloads are copied on the way in and out so
// callers cannot alias stored bytes.
type Store struct {
	mu      sync.RWMutex
	entries map[string]cache.Entry
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{entries: make(map[string]cache.Entry)}
}

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return cache.Entry{}, cache.ErrNotFound
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	return entry, nil
}

func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

func (s *Store) Touch(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return cache.ErrNotFound
	}
	entry.AccessCount++
	entry.LastAccess = at
	s.entries[key] = entry
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *Store) List(ctx context.Context) ([]cache.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas := make([]cache.Meta, 0, len(s.entries))
	for key, entry := range s.entries {
		metas = append(metas, cache.Meta{Key: key, Size: entry.Size, LastAccess: entry.LastAccess})
	}
	return metas, nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]cache.Entry)
	return nil
}

func (s *Store) Close() error { return nil }
