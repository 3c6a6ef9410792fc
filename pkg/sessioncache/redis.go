package sessioncache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore backs the session cache with Redis, for deployments where
// several nodes share upload sessions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis using a redis:// URL and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// CreateSession stores a session with SessionTTL.
func (s *RedisStore) CreateSession(ctx context.Context, session *UploadSession) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(session.ID), data, SessionTTL).Err()
}

// GetSession returns a live session.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*UploadSession, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(data)
}

// TouchSession refreshes the TTL.
func (s *RedisStore) TouchSession(ctx context.Context, id string) error {
	ok, err := s.client.Expire(ctx, sessionKey(id), SessionTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession drops the session and its chunk records.
func (s *RedisStore) DeleteSession(ctx context.Context, session *UploadSession) error {
	keys := make([]string, 0, session.TotalChunks+1)
	keys = append(keys, sessionKey(session.ID))
	for i := 0; i < session.TotalChunks; i++ {
		keys = append(keys, chunkKey(session.ID, i))
	}
	return s.client.Del(ctx, keys...).Err()
}

// PutChunkIfAbsent records a chunk with SET NX, so concurrent retries
// of the same index agree on a single record.
func (s *RedisStore) PutChunkIfAbsent(ctx context.Context, sessionID string, rec *ChunkRecord) (bool, error) {
	data, err := encodeChunk(rec)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, chunkKey(sessionID, rec.Index), data, SessionTTL).Result()
}

// Chunks returns the recorded chunks in index order.
func (s *RedisStore) Chunks(ctx context.Context, sessionID string, totalChunks int) ([]ChunkRecord, error) {
	keys := make([]string, totalChunks)
	for i := range keys {
		keys[i] = chunkKey(sessionID, i)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var chunks []ChunkRecord
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeChunk([]byte(str))
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *rec)
	}
	return chunks, nil
}

// CachePut stores a value with a TTL.
func (s *RedisStore) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// CacheGet returns a cached value.
func (s *RedisStore) CacheGet(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	return data, err
}

// CacheDelete drops a value.
func (s *RedisStore) CacheDelete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Close closes the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
