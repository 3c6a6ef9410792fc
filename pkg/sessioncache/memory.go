package sessioncache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-binary
// development setups.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) get(key string) ([]byte, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
}

// CreateSession stores a session with SessionTTL.
func (s *MemoryStore) CreateSession(ctx context.Context, session *UploadSession) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(sessionKey(session.ID), data, SessionTTL)
	return nil
}

// GetSession returns a live session.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.get(sessionKey(id))
	if !ok {
		return nil, ErrSessionNotFound
	}
	return decodeSession(data)
}

// TouchSession refreshes the TTL.
func (s *MemoryStore) TouchSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.get(sessionKey(id))
	if !ok {
		return ErrSessionNotFound
	}
	s.put(sessionKey(id), data, SessionTTL)
	return nil
}

// DeleteSession drops the session and its chunk records.
func (s *MemoryStore) DeleteSession(ctx context.Context, session *UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionKey(session.ID))
	for i := 0; i < session.TotalChunks; i++ {
		delete(s.entries, chunkKey(session.ID, i))
	}
	return nil
}

// PutChunkIfAbsent records a chunk once.
func (s *MemoryStore) PutChunkIfAbsent(ctx context.Context, sessionID string, rec *ChunkRecord) (bool, error) {
	data, err := encodeChunk(rec)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chunkKey(sessionID, rec.Index)
	if _, ok := s.get(key); ok {
		return false, nil
	}
	s.put(key, data, SessionTTL)
	return true, nil
}

// Chunks returns the recorded chunks in index order.
func (s *MemoryStore) Chunks(ctx context.Context, sessionID string, totalChunks int) ([]ChunkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chunks []ChunkRecord
	for i := 0; i < totalChunks; i++ {
		data, ok := s.get(chunkKey(sessionID, i))
		if !ok {
			continue
		}
		rec, err := decodeChunk(data)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *rec)
	}
	return chunks, nil
}

// CachePut stores a value with a TTL.
func (s *MemoryStore) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, append([]byte(nil), value...), ttl)
	return nil
}

// CacheGet returns a cached value.
func (s *MemoryStore) CacheGet(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), data...), nil
}

// CacheDelete drops a value.
func (s *MemoryStore) CacheDelete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
