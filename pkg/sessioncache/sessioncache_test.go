package sessioncache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs a subtest against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("badger", func(t *testing.T) {
		store, err := NewBadgerStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})

	t.Run("redis", func(t *testing.T) {
		srv := miniredis.RunT(t)
		store, err := NewRedisStore(context.Background(), "redis://"+srv.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func testSession() *UploadSession {
	return &UploadSession{
		ID:          "sess-1",
		UserID:      "user-1",
		FileName:    "video.mp4",
		FileSize:    96 << 20,
		MimeType:    "video/mp4",
		Strategy:    "chunked",
		ChunkSize:   32 << 20,
		TotalChunks: 3,
		WrappedKey:  "d3JhcHBlZA==",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestSessionLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session := testSession()

		require.NoError(t, store.CreateSession(ctx, session))

		got, err := store.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.FileName, got.FileName)
		assert.Equal(t, session.TotalChunks, got.TotalChunks)
		assert.Equal(t, session.WrappedKey, got.WrappedKey)

		require.NoError(t, store.TouchSession(ctx, session.ID))

		require.NoError(t, store.DeleteSession(ctx, session))
		_, err = store.GetSession(ctx, session.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		err = store.TouchSession(ctx, session.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestPutChunkIfAbsent_Idempotent(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session := testSession()
		require.NoError(t, store.CreateSession(ctx, session))

		rec := &ChunkRecord{Index: 1, Size: 32 << 20, Hash: "h1", TempPath: "/tmp/x"}
		written, err := store.PutChunkIfAbsent(ctx, session.ID, rec)
		require.NoError(t, err)
		assert.True(t, written)

		// A retry of the same index changes nothing.
		retry := &ChunkRecord{Index: 1, Size: 1, Hash: "other", TempPath: "/tmp/y"}
		written, err = store.PutChunkIfAbsent(ctx, session.ID, retry)
		require.NoError(t, err)
		assert.False(t, written)

		chunks, err := store.Chunks(ctx, session.ID, session.TotalChunks)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "h1", chunks[0].Hash)
	})
}

func TestChunks_OrderedWithGaps(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session := testSession()
		require.NoError(t, store.CreateSession(ctx, session))

		// Receive out of order, leaving index 1 missing.
		for _, idx := range []int{2, 0} {
			_, err := store.PutChunkIfAbsent(ctx, session.ID, &ChunkRecord{Index: idx, Size: 10})
			require.NoError(t, err)
		}

		chunks, err := store.Chunks(ctx, session.ID, session.TotalChunks)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, 0, chunks[0].Index)
		assert.Equal(t, 2, chunks[1].Index)
	})
}

func TestCache(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := InlineKey("user-1", "abcd")

		_, err := store.CacheGet(ctx, key)
		assert.ErrorIs(t, err, ErrCacheMiss)

		require.NoError(t, store.CachePut(ctx, key, []byte("sealed inline payload"), time.Minute))
		got, err := store.CacheGet(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("sealed inline payload"), got)

		require.NoError(t, store.CacheDelete(ctx, key))
		_, err = store.CacheGet(ctx, key)
		assert.ErrorIs(t, err, ErrCacheMiss)

		// Deleting a missing key is fine.
		assert.NoError(t, store.CacheDelete(ctx, "inline:user-1:missing"))
	})
}
