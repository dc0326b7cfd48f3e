// Package leveldb persists cache entries in an embedded LevelDB database.
//
// Each logical entry occupies two rows: "e:"+key holds the payload record and
// "m:"+key a small access record, so the startup index scan never loads
// payloads.
package leveldb

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/nyimbi/fetchkit/internal/cache"
)

const (
	entryPrefix = "e:"
	metaPrefix  = "m:"
)

type entryRecord struct {
	Payload    []byte
	Hash       string
	Size       int64
	CreatedAt  time.Time
	TTL        time.Duration
	Compressed bool
}

type metaRecord struct {
	Size        int64
	AccessCount int64
	LastAccess  time.Time
}

// Store is a cache.Store backed by a LevelDB directory.
type Store struct {
	db *leveldb.DB
}

// NewStore opens (or creates) the database at path.
func NewStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	raw, err := s.db.Get([]byte(entryPrefix+key), nil)
	if err == leveldb.ErrNotFound {
		return cache.Entry{}, cache.ErrNotFound
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("leveldb: get %s: %w", key, err)
	}
	var rec entryRecord
	if err := decodeGob(raw, &rec); err != nil {
		return cache.Entry{}, fmt.Errorf("leveldb: decode %s: %w", key, err)
	}

	entry := cache.Entry{
		Key:        key,
		Payload:    rec.Payload,
		Hash:       rec.Hash,
		Size:       rec.Size,
		CreatedAt:  rec.CreatedAt,
		TTL:        rec.TTL,
		LastAccess: rec.CreatedAt,
		Compressed: rec.Compressed,
	}
	if mraw, err := s.db.Get([]byte(metaPrefix+key), nil); err == nil {
		var meta metaRecord
		if err := decodeGob(mraw, &meta); err == nil {
			entry.AccessCount = meta.AccessCount
			entry.LastAccess = meta.LastAccess
		}
	}
	return entry, nil
}

func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	rec, err := encodeGob(entryRecord{
		Payload:    entry.Payload,
		Hash:       entry.Hash,
		Size:       entry.Size,
		CreatedAt:  entry.CreatedAt,
		TTL:        entry.TTL,
		Compressed: entry.Compressed,
	})
	if err != nil {
		return fmt.Errorf("leveldb: encode %s: %w", entry.Key, err)
	}
	meta, err := encodeGob(metaRecord{
		Size:        entry.Size,
		AccessCount: entry.AccessCount,
		LastAccess:  entry.LastAccess,
	})
	if err != nil {
		return fmt.Errorf("leveldb: encode meta %s: %w", entry.Key, err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(entryPrefix+entry.Key), rec)
	batch.Put([]byte(metaPrefix+entry.Key), meta)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb: put %s: %w", entry.Key, err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, key string, at time.Time) error {
	raw, err := s.db.Get([]byte(metaPrefix+key), nil)
	if err == leveldb.ErrNotFound {
		return cache.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("leveldb: touch %s: %w", key, err)
	}
	var meta metaRecord
	if err := decodeGob(raw, &meta); err != nil {
		return fmt.Errorf("leveldb: decode meta %s: %w", key, err)
	}
	meta.AccessCount++
	meta.LastAccess = at
	encoded, err := encodeGob(meta)
	if err != nil {
		return fmt.Errorf("leveldb: encode meta %s: %w", key, err)
	}
	if err := s.db.Put([]byte(metaPrefix+key), encoded, nil); err != nil {
		return fmt.Errorf("leveldb: touch %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + key))
	batch.Delete([]byte(metaPrefix + key))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]cache.Meta, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var metas []cache.Meta
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var meta metaRecord
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		metas = append(metas, cache.Meta{Key: key, Size: meta.Size, LastAccess: meta.LastAccess})
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: list: %w", err)
	}
	return metas, nil
}

func (s *Store) Clear(ctx context.Context) error {
	it := s.db.NewIterator(nil, nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("leveldb: clear: %w", err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb: clear: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
