package leveldb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyimbi/fetchkit/internal/cache"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache")
	s, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, cache.ErrNotFound)

	entry := cache.Entry{
		Key:         "example.com/a",
		Payload:     []byte("hello"),
		Hash:        "abc",
		Size:        5,
		CreatedAt:   created,
		TTL:         time.Hour,
		AccessCount: 2,
		LastAccess:  created.Add(time.Minute),
		Compressed:  true,
	}
	require.NoError(t, s.Put(ctx, entry))

	got, err := s.Get(ctx, "example.com/a")
	require.NoError(t, err)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.Equal(t, entry.Hash, got.Hash)
	assert.Equal(t, entry.TTL, got.TTL)
	assert.Equal(t, entry.AccessCount, got.AccessCount)
	assert.True(t, entry.LastAccess.Equal(got.LastAccess))
	assert.True(t, got.Compressed)
}

func TestStoreTouch(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.ErrorIs(t, s.Touch(ctx, "missing", created), cache.ErrNotFound)

	require.NoError(t, s.Put(ctx, cache.Entry{Key: "k", Payload: []byte("v"), Size: 1, CreatedAt: created, LastAccess: created}))
	later := created.Add(time.Minute)
	require.NoError(t, s.Touch(ctx, "k", later))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
	assert.True(t, later.Equal(got.LastAccess))
}

func TestStoreDeleteAndClear(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, key := range []string{"a", "b"} {
		require.NoError(t, s.Put(ctx, cache.Entry{Key: key, Payload: []byte(key), Size: 1, CreatedAt: now, LastAccess: now}))
	}
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))
	_, err := s.Get(ctx, "a")
	require.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, s.Clear(ctx))
	metas, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestStoreListSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache")
	s, err := NewStore(path)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, key := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, cache.Entry{
			Key:        key,
			Payload:    []byte("payload-" + key),
			Size:       int64(9),
			CreatedAt:  now,
			LastAccess: now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	metas, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 3)
	byKey := make(map[string]cache.Meta, len(metas))
	for _, meta := range metas {
		byKey[meta.Key] = meta
	}
	assert.Equal(t, int64(9), byKey["a"].Size)
	assert.True(t, now.Add(2*time.Second).Equal(byKey["c"].LastAccess))

	got, err := reopened.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-b"), got.Payload)
}
