// Package cache persists validated fetch results with TTL expiry,
// size-bounded eviction, and transparent compression.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a key has no stored entry. Store implementations
// return it verbatim so the manager can tell absence from storage faults.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one persisted fetch result. Payload holds the stored bytes,
// compressed when the Compressed flag is set; Hash is the hex digest of the
// logical (uncompressed) payload.
type Entry struct {
	Key         string
	Payload     []byte
	Hash        string
	Size        int64
	CreatedAt   time.Time
	TTL         time.Duration
	AccessCount int64
	LastAccess  time.Time
	Compressed  bool
}

// Expired reports whether the entry is logically absent at now. Entries with
// a zero TTL never expire.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// Meta is the eviction-relevant slice of an entry, used to rebuild the
// in-memory index when a store opens.
type Meta struct {
	Key        string
	Size       int64
	LastAccess time.Time
}

// Store is the persistence contract behind the Manager. Implementations must
// tolerate concurrent readers with serialized writers; the Manager serializes
// all writes itself.
type Store interface {
	// Get loads one entry or returns ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)
	// Put inserts or replaces an entry.
	Put(ctx context.Context, entry Entry) error
	// Touch bumps the access count and last-access time of an entry.
	Touch(ctx context.Context, key string, at time.Time) error
	// Delete removes an entry; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns metadata for every stored entry.
	List(ctx context.Context) ([]Meta, error)
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Close releases the underlying resources.
	Close() error
}

// Clock supplies the time used for TTL and access bookkeeping.
type Clock interface {
	Now() time.Time
}

// Hasher digests payloads for integrity checks.
type Hasher interface {
	Hash(data []byte) string
}
