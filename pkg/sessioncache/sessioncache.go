// Package sessioncache tracks in-flight upload sessions and small
// hot-path cache entries. Sessions are transient: losing the cache
// aborts resumable uploads but never loses committed data, so the
// backends trade durability for speed. Redis serves multi-node
// deployments, Badger a single node, and the memory backend is for
// tests and development.
package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SessionTTL is how long an idle upload session survives. Every
// accepted chunk refreshes it.
const SessionTTL = time.Hour

var (
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrCacheMiss is returned when a cache key has no entry.
	ErrCacheMiss = errors.New("cache miss")
)

// UploadSession is the transient state of one resumable upload.
type UploadSession struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	MimeType    string    `json:"mime_type"`
	FolderID    string    `json:"folder_id,omitempty"`
	Strategy    string    `json:"strategy"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	WrappedKey  string    `json:"wrapped_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChunkRecord marks one received chunk of a session. TempPath points at
// the sealed frame on the staging disk; Hash is the SHA-256 of the
// chunk plaintext, used to verify client retries.
type ChunkRecord struct {
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	TempPath string `json:"temp_path"`
}

// Store is the backend interface for session and cache state.
type Store interface {
	// CreateSession stores a new session under its ID with SessionTTL.
	CreateSession(ctx context.Context, session *UploadSession) error

	// GetSession returns a session, or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*UploadSession, error)

	// TouchSession refreshes a session's TTL.
	TouchSession(ctx context.Context, id string) error

	// DeleteSession drops a session and all of its chunk records.
	DeleteSession(ctx context.Context, session *UploadSession) error

	// PutChunkIfAbsent records a chunk unless the index was already
	// recorded. It reports whether the record was written, making
	// chunk retries idempotent.
	PutChunkIfAbsent(ctx context.Context, sessionID string, rec *ChunkRecord) (bool, error)

	// Chunks returns the recorded chunks of a session in index order.
	// Missing indexes are simply absent.
	Chunks(ctx context.Context, sessionID string, totalChunks int) ([]ChunkRecord, error)

	// CachePut stores a small value with a TTL.
	CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CacheGet returns a cached value, or ErrCacheMiss.
	CacheGet(ctx context.Context, key string) ([]byte, error)

	// CacheDelete drops a cached value. Unknown keys are not an error.
	CacheDelete(ctx context.Context, key string) error

	Close() error
}

// Key layout shared by all backends.
func sessionKey(id string) string {
	return "up:" + id
}

func chunkKey(sessionID string, index int) string {
	return fmt.Sprintf("up:%s:chunk:%d", sessionID, index)
}

// InlineKey is the cache key of a user's inline payload, used for
// write-through caching of inline uploads.
func InlineKey(userID, contentHash string) string {
	return fmt.Sprintf("inline:%s:%s", userID, contentHash)
}
