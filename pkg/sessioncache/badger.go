package sessioncache

import (
	"context"
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore backs the session cache with an embedded Badger database,
// the single-node default. Sessions survive process restarts, which
// lets resumable uploads outlive a deploy.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) setTTL(key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) getValue(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// CreateSession stores a session with SessionTTL.
func (s *BadgerStore) CreateSession(ctx context.Context, session *UploadSession) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	return s.setTTL(sessionKey(session.ID), data, SessionTTL)
}

// GetSession returns a live session.
func (s *BadgerStore) GetSession(ctx context.Context, id string) (*UploadSession, error) {
	data, err := s.getValue(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(data)
}

// TouchSession rewrites the session entry to refresh its TTL.
func (s *BadgerStore) TouchSession(ctx context.Context, id string) error {
	data, err := s.getValue(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	return s.setTTL(sessionKey(id), data, SessionTTL)
}

// DeleteSession drops the session and its chunk records.
func (s *BadgerStore) DeleteSession(ctx context.Context, session *UploadSession) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(sessionKey(session.ID))); err != nil {
			return err
		}
		for i := 0; i < session.TotalChunks; i++ {
			if err := txn.Delete([]byte(chunkKey(session.ID, i))); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutChunkIfAbsent records a chunk inside one transaction, checking for
// an existing record first.
func (s *BadgerStore) PutChunkIfAbsent(ctx context.Context, sessionID string, rec *ChunkRecord) (bool, error) {
	data, err := encodeChunk(rec)
	if err != nil {
		return false, err
	}
	key := []byte(chunkKey(sessionID, rec.Index))
	written := false
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		written = true
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(SessionTTL))
	})
	return written, err
}

// Chunks returns the recorded chunks in index order.
func (s *BadgerStore) Chunks(ctx context.Context, sessionID string, totalChunks int) ([]ChunkRecord, error) {
	var chunks []ChunkRecord
	err := s.db.View(func(txn *badger.Txn) error {
		for i := 0; i < totalChunks; i++ {
			item, err := txn.Get([]byte(chunkKey(sessionID, i)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeChunk(data)
			if err != nil {
				return err
			}
			chunks = append(chunks, *rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// CachePut stores a value with a TTL.
func (s *BadgerStore) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.setTTL(key, value, ttl)
}

// CacheGet returns a cached value.
func (s *BadgerStore) CacheGet(ctx context.Context, key string) ([]byte, error) {
	data, err := s.getValue(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrCacheMiss
	}
	return data, err
}

// CacheDelete drops a value.
func (s *BadgerStore) CacheDelete(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
