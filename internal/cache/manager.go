package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/nyimbi/fetchkit/internal/telemetry"
)

// Options tunes the manager. The zero value is not usable; MaxSize must be
// positive.
type Options struct {
	// MaxSize caps the total logical stored bytes.
	MaxSize int64
	// DefaultTTL applies to entries stored without an explicit TTL.
	DefaultTTL time.Duration
	// CompressionThreshold is the payload size, in bytes, at or above which
	// payloads are snappy-compressed before storage. Zero disables
	// compression.
	CompressionThreshold int
}

// Stats is a point-in-time summary of cache effectiveness.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	StoreErrors int64   `json:"store_errors"`
	Entries     int     `json:"entries"`
	SizeBytes   int64   `json:"size_bytes"`
	HitRatio    float64 `json:"hit_ratio"`
}

type indexEntry struct {
	size       int64
	lastAccess time.Time
}

// Manager fronts a Store with an in-memory size index, TTL enforcement,
// least-recently-accessed eviction, and transparent compression. Storage
// faults never escape: a failing read degrades to a miss and a failing write
// is dropped, so callers see a smaller cache rather than an error.
type Manager struct {
	store  Store
	opts   Options
	clock  Clock
	hasher Hasher
	logger *zap.Logger

	mu        sync.Mutex
	index     map[string]indexEntry
	totalSize int64

	hits        int64
	misses      int64
	evictions   int64
	storeErrors int64
}

// NewManager wraps store and rebuilds the size index from its contents.
// Entries already over budget are evicted immediately in last-access order.
func NewManager(ctx context.Context, store Store, opts Options, clock Clock, hasher Hasher, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("cache: store is required")
	}
	if opts.MaxSize <= 0 {
		return nil, fmt.Errorf("cache: max size must be positive, got %d", opts.MaxSize)
	}
	if clock == nil {
		return nil, fmt.Errorf("cache: clock is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("cache: hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		store:  store,
		opts:   opts,
		clock:  clock,
		hasher: hasher,
		logger: logger,
		index:  make(map[string]indexEntry),
	}

	metas, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: load index: %w", err)
	}
	for _, meta := range metas {
		m.index[meta.Key] = indexEntry{size: meta.Size, lastAccess: meta.LastAccess}
		m.totalSize += meta.Size
	}

	m.mu.Lock()
	evicted := m.evictLocked(ctx, 0)
	m.publishSizeLocked()
	m.mu.Unlock()
	if evicted > 0 {
		logger.Info("evicted entries over budget at startup",
			zap.Int("evicted", evicted),
			zap.Int64("size_bytes", m.totalSize))
	}
	return m, nil
}

// Get returns the payload stored under key, or ok=false on a miss. Expired
// and corrupted entries are removed and reported as misses, as are storage
// faults.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, err := m.store.Get(ctx, key)
	if err != nil {
		if err != ErrNotFound {
			m.storeFault("get", key, err)
		}
		m.miss()
		return nil, false
	}

	now := m.clock.Now()
	if entry.Expired(now) {
		m.remove(ctx, key)
		m.miss()
		return nil, false
	}

	payload := entry.Payload
	if entry.Compressed {
		payload, err = snappy.Decode(nil, entry.Payload)
		if err != nil {
			m.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
			m.remove(ctx, key)
			m.miss()
			return nil, false
		}
	}
	if got := m.hasher.Hash(payload); got != entry.Hash {
		m.logger.Warn("dropping corrupted cache entry",
			zap.String("key", key),
			zap.String("want_hash", entry.Hash),
			zap.String("got_hash", got))
		m.remove(ctx, key)
		m.miss()
		return nil, false
	}

	m.mu.Lock()
	if idx, ok := m.index[key]; ok {
		idx.lastAccess = now
		m.index[key] = idx
	}
	if err := m.store.Touch(ctx, key, now); err != nil {
		m.storeFaultLocked("touch", key, err)
	}
	m.hits++
	m.mu.Unlock()
	telemetry.ObserveCacheHit()
	return payload, true
}

// Set stores payload under key. A non-positive ttl falls back to the default
// TTL. Payloads larger than the cache budget are refused and storage faults
// are swallowed, so Set never reports failure to the caller.
func (m *Manager) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	size := int64(len(payload))
	if size > m.opts.MaxSize {
		m.logger.Warn("payload exceeds cache budget, not storing",
			zap.String("key", key),
			zap.Int64("size_bytes", size),
			zap.Int64("max_bytes", m.opts.MaxSize))
		return
	}
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}

	now := m.clock.Now()
	entry := Entry{
		Key:         key,
		Payload:     payload,
		Hash:        m.hasher.Hash(payload),
		Size:        size,
		CreatedAt:   now,
		TTL:         ttl,
		AccessCount: 0,
		LastAccess:  now,
	}
	if m.opts.CompressionThreshold > 0 && len(payload) >= m.opts.CompressionThreshold {
		compressed := snappy.Encode(nil, payload)
		if len(compressed) < len(payload) {
			entry.Payload = compressed
			entry.Compressed = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.index[key]; ok {
		m.totalSize -= old.size
		delete(m.index, key)
	}
	m.evictLocked(ctx, size)

	if err := m.store.Put(ctx, entry); err != nil {
		m.storeFaultLocked("put", key, err)
		// The previous value may or may not survive a failed replace, so
		// drop it from the store as well to keep the index honest.
		if err := m.store.Delete(ctx, key); err != nil && err != ErrNotFound {
			m.storeFaultLocked("delete", key, err)
		}
		m.publishSizeLocked()
		return
	}
	m.index[key] = indexEntry{size: size, lastAccess: now}
	m.totalSize += size
	m.publishSizeLocked()
}

// Invalidate removes one entry. It reports whether the key was present.
func (m *Manager) Invalidate(ctx context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[key]
	if !ok {
		return false
	}
	m.deleteLocked(ctx, key)
	m.publishSizeLocked()
	return true
}

// InvalidatePattern removes every entry whose key matches the glob pattern
// and returns how many were removed.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("cache: compile pattern %q: %w", pattern, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []string
	for key := range m.index {
		if g.Match(key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		m.deleteLocked(ctx, key)
	}
	m.publishSizeLocked()
	return len(matched), nil
}

// InvalidateAll empties the cache and returns the number of removed entries.
func (m *Manager) InvalidateAll(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := len(m.index)
	if err := m.store.Clear(ctx); err != nil {
		m.storeFaultLocked("clear", "*", err)
	}
	m.index = make(map[string]indexEntry)
	m.totalSize = 0
	m.publishSizeLocked()
	return removed
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Hits:        m.hits,
		Misses:      m.misses,
		Evictions:   m.evictions,
		StoreErrors: m.storeErrors,
		Entries:     len(m.index),
		SizeBytes:   m.totalSize,
	}
	if lookups := s.Hits + s.Misses; lookups > 0 {
		s.HitRatio = float64(s.Hits) / float64(lookups)
	}
	return s
}

// Close releases the backing store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// evictLocked removes entries in ascending last-access order until incoming
// extra bytes fit inside the budget. It returns the number of evictions.
func (m *Manager) evictLocked(ctx context.Context, incoming int64) int {
	if m.totalSize+incoming <= m.opts.MaxSize {
		return 0
	}
	victims := make([]Meta, 0, len(m.index))
	for key, idx := range m.index {
		victims = append(victims, Meta{Key: key, Size: idx.size, LastAccess: idx.lastAccess})
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].LastAccess.Before(victims[j].LastAccess)
	})

	evicted := 0
	for _, victim := range victims {
		if m.totalSize+incoming <= m.opts.MaxSize {
			break
		}
		m.deleteLocked(ctx, victim.Key)
		m.evictions++
		evicted++
		telemetry.ObserveCacheEvictions(1)
		m.logger.Debug("evicted cache entry",
			zap.String("key", victim.Key),
			zap.Int64("size_bytes", victim.Size))
	}
	return evicted
}

func (m *Manager) deleteLocked(ctx context.Context, key string) {
	if idx, ok := m.index[key]; ok {
		delete(m.index, key)
		m.totalSize -= idx.size
	}
	if err := m.store.Delete(ctx, key); err != nil && err != ErrNotFound {
		m.storeFaultLocked("delete", key, err)
	}
}

// remove drops an entry outside the usual write paths, for expired or
// corrupted reads.
func (m *Manager) remove(ctx context.Context, key string) {
	m.mu.Lock()
	m.deleteLocked(ctx, key)
	m.publishSizeLocked()
	m.mu.Unlock()
}

func (m *Manager) miss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
	telemetry.ObserveCacheMiss()
}

func (m *Manager) storeFault(op, key string, err error) {
	m.mu.Lock()
	m.storeFaultLocked(op, key, err)
	m.mu.Unlock()
}

func (m *Manager) storeFaultLocked(op, key string, err error) {
	m.storeErrors++
	telemetry.ObserveCacheError()
	m.logger.Error("cache store fault",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
}

func (m *Manager) publishSizeLocked() {
	telemetry.SetCacheSize(m.totalSize, len(m.index))
}
