package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/compress"
	"github.com/edgecloud/edgestore/pkg/dedup"
	"github.com/edgecloud/edgestore/pkg/envelope"
	"github.com/edgecloud/edgestore/pkg/manifest"
	"github.com/edgecloud/edgestore/pkg/metadata"
	"github.com/edgecloud/edgestore/pkg/sessioncache"
)

type fixture struct {
	mgr    *Manager
	meta   *metadata.Store
	blocks *cas.Store
	env    *envelope.Service
	user   *metadata.User
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	meta, err := metadata.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blocks, err := cas.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { blocks.Close() })

	env, err := envelope.NewService("", "test-secret")
	require.NoError(t, err)

	cfg := Config{
		InlineThreshold:       512 << 10,
		SingleObjectThreshold: 50 << 20,
		ChunkSize:             4 << 20,
		TempPath:              t.TempDir(),
		DedupEnabled:          true,
		VersioningEnabled:     true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	pipeline := dedup.New(meta, blocks, cas.NewBlockFilter(10000, 0.01), cfg.CrossUserDedup)
	user := &metadata.User{Username: "alice", StorageQuota: 10 << 30}
	require.NoError(t, meta.CreateUser(context.Background(), user))

	return &fixture{
		mgr:    NewManager(cfg, meta, blocks, sessioncache.NewMemoryStore(), env, pipeline),
		meta:   meta,
		blocks: blocks,
		env:    env,
		user:   user,
	}
}

func randomData(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

func TestSelectStrategy_Thresholds(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		size int64
		want string
	}{
		{0, StrategyInline},
		{512<<10 - 1, StrategyInline},
		{512 << 10, StrategySingle}, // bound is strict
		{50<<20 - 1, StrategySingle},
		{50 << 20, StrategyChunked},
		{1 << 30, StrategyChunked},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.mgr.SelectStrategy(tt.size), "size %d", tt.size)
	}
}

func TestInit_QuotaPreflight(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.mgr.Init(context.Background(), f.user.ID, "huge.bin", 11<<30, "", "")
	assert.ErrorIs(t, err, metadata.ErrQuotaExceeded)
}

func TestDirectUpload_Inline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := []byte("small inline payload")

	session, err := f.mgr.Init(ctx, f.user.ID, "note.bin", int64(len(data)), "", "")
	require.NoError(t, err)
	assert.Equal(t, StrategyInline, session.Strategy)

	file, err := f.mgr.AcceptDirect(ctx, f.user.ID, session.ID, data)
	require.NoError(t, err)
	assert.Equal(t, metadata.StorageInline, file.StorageType)

	// The inline payload decrypts from the manifest alone.
	m, err := manifest.Decode(file.Manifest)
	require.NoError(t, err)
	frame, err := base64.StdEncoding.DecodeString(m.EncryptedData)
	require.NoError(t, err)
	key, err := f.env.UnwrapKey(file.EncryptedKey)
	require.NoError(t, err)
	plain, err := envelope.OpenData(key, frame)
	require.NoError(t, err)
	assert.Equal(t, data, plain)

	// Session is gone after commit.
	_, err = f.mgr.AcceptDirect(ctx, f.user.ID, session.ID, data)
	assert.ErrorIs(t, err, sessioncache.ErrSessionNotFound)
}

func TestDirectUpload_SizeMismatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, err := f.mgr.Init(ctx, f.user.ID, "note.bin", 100, "", "")
	require.NoError(t, err)

	_, err = f.mgr.AcceptDirect(ctx, f.user.ID, session.ID, []byte("short"))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestDirectUpload_Single(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := randomData(t, 1, 1<<20) // 1 MiB: single strategy, below block minimum

	session, err := f.mgr.Init(ctx, f.user.ID, "photo.raw", int64(len(data)), "image/x-raw", "")
	require.NoError(t, err)
	assert.Equal(t, StrategySingle, session.Strategy)

	file, err := f.mgr.AcceptDirect(ctx, f.user.ID, session.ID, data)
	require.NoError(t, err)
	assert.Equal(t, metadata.StorageSingle, file.StorageType)
	assert.Equal(t, "image/x-raw", file.MimeType)

	// The sealed object is on disk and decrypts back.
	frame, _, err := f.blocks.ReadObject(ctx, file.ContentHash)
	require.NoError(t, err)
	key, err := f.env.UnwrapKey(file.EncryptedKey)
	require.NoError(t, err)
	plain, err := envelope.OpenData(key, frame)
	require.NoError(t, err)
	assert.Equal(t, data, plain)
}

func TestChunkedUpload_EndToEnd(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		// Shrink thresholds so a small payload exercises the chunked path.
		cfg.SingleObjectThreshold = 4 << 20
		cfg.ChunkSize = 4 << 20
	})
	ctx := context.Background()
	data := randomData(t, 2, 10<<20)

	session, err := f.mgr.Init(ctx, f.user.ID, "video.dat", int64(len(data)), "", "")
	require.NoError(t, err)
	require.Equal(t, StrategyChunked, session.Strategy)
	require.Equal(t, 3, session.TotalChunks)

	// Upload out of order; completing early fails with the gap reported.
	chunk := func(i int) []byte {
		start := int64(i) * session.ChunkSize
		end := start + session.ChunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		return data[start:end]
	}
	_, _, err = f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, 2, chunk(2))
	require.NoError(t, err)
	_, _, err = f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, 0, chunk(0))
	require.NoError(t, err)

	_, err = f.mgr.Complete(ctx, f.user.ID, session.ID)
	require.ErrorIs(t, err, ErrSessionIncomplete)
	assert.Contains(t, err.Error(), "[1]")

	_, missing, err := f.mgr.Resume(ctx, f.user.ID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, missing)

	_, _, err = f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, 1, chunk(1))
	require.NoError(t, err)

	file, err := f.mgr.Complete(ctx, f.user.ID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.StorageContentAddressed, file.StorageType)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), file.ContentHash)

	m, err := manifest.Decode(file.Manifest)
	require.NoError(t, err)
	assert.True(t, m.Convergent)
	assert.Equal(t, int64(len(data)), m.LogicalSize())
}

func TestAcceptChunk_RetryIgnored(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.SingleObjectThreshold = 4 << 20
		cfg.ChunkSize = 4 << 20
	})
	ctx := context.Background()
	data := randomData(t, 3, 8<<20)

	session, err := f.mgr.Init(ctx, f.user.ID, "a.dat", int64(len(data)), "", "")
	require.NoError(t, err)

	first := data[:4<<20]
	_, already, err := f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, 0, first)
	require.NoError(t, err)
	assert.False(t, already)
	// Retrying the same index succeeds without effect and is reported.
	_, already, err = f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, 0, first)
	require.NoError(t, err)
	assert.True(t, already)

	_, missing, err := f.mgr.Resume(ctx, f.user.ID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, missing)
}

func TestAcceptChunk_Validation(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.SingleObjectThreshold = 4 << 20
		cfg.ChunkSize = 4 << 20
	})
	ctx := context.Background()

	session, err := f.mgr.Init(ctx, f.user.ID, "a.dat", 8<<20, "", "")
	require.NoError(t, err)

	_, _, err = f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, 5, make([]byte, 4<<20))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, _, err = f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, 0, []byte("tiny"))
	assert.ErrorIs(t, err, ErrSizeMismatch)

	// Another user cannot touch the session.
	other := &metadata.User{Username: "mallory", StorageQuota: 1 << 30}
	require.NoError(t, f.meta.CreateUser(ctx, other))
	_, _, err = f.mgr.AcceptChunk(ctx, other.ID, session.ID, 0, make([]byte, 4<<20))
	assert.ErrorIs(t, err, sessioncache.ErrSessionNotFound)
}

func TestUpload_FullFileDuplicateBecomesReference(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := randomData(t, 4, 1<<20)

	s1, err := f.mgr.Init(ctx, f.user.ID, "a.bin", int64(len(data)), "", "")
	require.NoError(t, err)
	original, err := f.mgr.AcceptDirect(ctx, f.user.ID, s1.ID, data)
	require.NoError(t, err)

	s2, err := f.mgr.Init(ctx, f.user.ID, "b.bin", int64(len(data)), "", "")
	require.NoError(t, err)
	dup, err := f.mgr.AcceptDirect(ctx, f.user.ID, s2.ID, data)
	require.NoError(t, err)

	assert.Equal(t, metadata.StorageReference, dup.StorageType)
	assert.Equal(t, original.ID, dup.RefTarget)
	assert.Empty(t, dup.EncryptedKey)

	// Quota still counts both logical copies.
	user, err := f.meta.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2*len(data)), user.StorageUsed)
}

func TestUpload_ChunkedFallbackWithoutDedup(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.DedupEnabled = false
		cfg.SingleObjectThreshold = 4 << 20
		cfg.ChunkSize = 4 << 20
	})
	ctx := context.Background()
	data := randomData(t, 5, 9<<20)

	session, err := f.mgr.Init(ctx, f.user.ID, "a.dat", int64(len(data)), "", "")
	require.NoError(t, err)
	for i := 0; i < session.TotalChunks; i++ {
		start := int64(i) * session.ChunkSize
		end := start + session.ChunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		_, _, err = f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, i, data[start:end])
		require.NoError(t, err)
	}

	file, err := f.mgr.Complete(ctx, f.user.ID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.StorageChunked, file.StorageType)

	m, err := manifest.Decode(file.Manifest)
	require.NoError(t, err)
	assert.False(t, m.Convergent)
	require.Len(t, m.Blocks, 3)

	// Blocks are sealed with the file key and index-bound.
	key, err := f.env.UnwrapKey(file.EncryptedKey)
	require.NoError(t, err)
	frame, _, err := f.blocks.ReadBlock(ctx, m.Blocks[0].Hash)
	require.NoError(t, err)
	plain, err := envelope.OpenBlockKeyed(key, 0, frame)
	require.NoError(t, err)
	assert.Equal(t, data[:4<<20], plain)
	_, err = envelope.OpenBlockKeyed(key, 1, frame)
	assert.ErrorIs(t, err, envelope.ErrIntegrity)
}

func TestUpload_ReplaceSnapshotsVersion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v1 := []byte("first contents")
	s1, err := f.mgr.Init(ctx, f.user.ID, "doc.txt", int64(len(v1)), "", "")
	require.NoError(t, err)
	orig, err := f.mgr.AcceptDirect(ctx, f.user.ID, s1.ID, v1)
	require.NoError(t, err)

	v2 := []byte("second contents, longer than before")
	s2, err := f.mgr.Init(ctx, f.user.ID, "doc.txt", int64(len(v2)), "", "")
	require.NoError(t, err)
	replaced, err := f.mgr.AcceptDirect(ctx, f.user.ID, s2.ID, v2)
	require.NoError(t, err)

	// The row keeps its identity across the replace.
	assert.Equal(t, orig.ID, replaced.ID)

	versions, err := f.meta.ListVersions(ctx, orig.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, orig.ContentHash, versions[0].ContentHash)

	// Quota reflects only the current content.
	user, err := f.meta.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(v2)), user.StorageUsed)
}

func TestUpload_ReplaceWithIdenticalContent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := randomData(t, 9, 4<<20)

	s1, err := f.mgr.Init(ctx, f.user.ID, "report.bin", int64(len(data)), "", "")
	require.NoError(t, err)
	first, err := f.mgr.AcceptDirect(ctx, f.user.ID, s1.ID, data)
	require.NoError(t, err)
	assert.Equal(t, metadata.StorageContentAddressed, first.StorageType)

	s2, err := f.mgr.Init(ctx, f.user.ID, "report.bin", int64(len(data)), "", "")
	require.NoError(t, err)
	second, err := f.mgr.AcceptDirect(ctx, f.user.ID, s2.ID, data)
	require.NoError(t, err)

	// The dedup target is the row being replaced, and the new row
	// inherits its ID. The payload is carried forward, never turned
	// into a reference that would point at itself.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, metadata.StorageContentAddressed, second.StorageType)
	assert.Empty(t, second.RefTarget)
	assert.Equal(t, first.EncryptedKey, second.EncryptedKey)

	versions, err := f.meta.ListVersions(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	// The carried-forward manifest still resolves to readable blocks.
	m, err := manifest.Decode(second.Manifest)
	require.NoError(t, err)
	require.True(t, m.Convergent)
	require.NotEmpty(t, m.Blocks)
	frame, _, err := f.blocks.ReadBlock(ctx, m.Blocks[0].Hash)
	require.NoError(t, err)
	raw, err := hex.DecodeString(m.Blocks[0].Hash)
	require.NoError(t, err)
	plain, err := envelope.OpenBlock(raw, frame)
	require.NoError(t, err)
	assert.Equal(t, data[:int(m.Blocks[0].Size)], plain)
}

func TestUpload_ChunkedFallbackCompressesText(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.DedupEnabled = false
		cfg.SingleObjectThreshold = 1 << 20
		cfg.ChunkSize = 1 << 20
	})
	ctx := context.Background()
	line := []byte("level=info msg=\"request served\" path=/files status=200\n")
	data := bytes.Repeat(line, (3<<20)/len(line))

	session, err := f.mgr.Init(ctx, f.user.ID, "server.log", int64(len(data)), "", "")
	require.NoError(t, err)
	for i := 0; i < session.TotalChunks; i++ {
		start := int64(i) * session.ChunkSize
		end := start + session.ChunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		_, _, err = f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, i, data[start:end])
		require.NoError(t, err)
	}
	file, err := f.mgr.Complete(ctx, f.user.ID, session.ID)
	require.NoError(t, err)

	m, err := manifest.Decode(file.Manifest)
	require.NoError(t, err)
	assert.True(t, m.Compressed)
	assert.False(t, m.Convergent)

	// The stored frame is smaller than the plaintext chunk and
	// round-trips through decrypt and decompress.
	frame, _, err := f.blocks.ReadBlock(ctx, m.Blocks[0].Hash)
	require.NoError(t, err)
	assert.Less(t, len(frame), int(m.Blocks[0].Size))
	key, err := f.env.UnwrapKey(file.EncryptedKey)
	require.NoError(t, err)
	sealed, err := envelope.OpenBlockKeyed(key, 0, frame)
	require.NoError(t, err)
	plain, err := compress.Decompress(sealed)
	require.NoError(t, err)
	assert.Equal(t, data[:int(m.Blocks[0].Size)], plain)
}

func TestUpload_ChunkedFallbackRepeatedChunks(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.DedupEnabled = false
		cfg.SingleObjectThreshold = 1 << 20
		cfg.ChunkSize = 1 << 20
	})
	ctx := context.Background()
	pattern := randomData(t, 10, 64)
	data := bytes.Repeat(pattern, (2<<20)/64) // two identical chunks

	session, err := f.mgr.Init(ctx, f.user.ID, "twins.dat", int64(len(data)), "", "")
	require.NoError(t, err)
	for i := 0; i < session.TotalChunks; i++ {
		start := int64(i) * session.ChunkSize
		_, _, err = f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, i, data[start:start+session.ChunkSize])
		require.NoError(t, err)
	}
	file, err := f.mgr.Complete(ctx, f.user.ID, session.ID)
	require.NoError(t, err)

	// Identical plaintext chunks get distinct frames; each one is
	// bound to its own index and decrypts in place.
	m, err := manifest.Decode(file.Manifest)
	require.NoError(t, err)
	require.Len(t, m.Blocks, 2)
	assert.NotEqual(t, m.Blocks[0].Hash, m.Blocks[1].Hash)

	key, err := f.env.UnwrapKey(file.EncryptedKey)
	require.NoError(t, err)
	for index, ref := range m.Blocks {
		frame, _, err := f.blocks.ReadBlock(ctx, ref.Hash)
		require.NoError(t, err)
		plain, err := envelope.OpenBlockKeyed(key, index, frame)
		require.NoError(t, err)
		assert.Equal(t, data[:1<<20], plain)
	}
}

func TestSweepStaging_ReclaimsExpiredSessions(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.SingleObjectThreshold = 4 << 20
	})
	ctx := context.Background()
	data := randomData(t, 11, 9<<20)

	stale, err := f.mgr.Init(ctx, f.user.ID, "stale.dat", int64(len(data)), "", "")
	require.NoError(t, err)
	_, _, err = f.mgr.AcceptChunk(ctx, f.user.ID, stale.ID, 0, data[:4<<20])
	require.NoError(t, err)

	live, err := f.mgr.Init(ctx, f.user.ID, "live.dat", int64(len(data)), "", "")
	require.NoError(t, err)
	_, _, err = f.mgr.AcceptChunk(ctx, f.user.ID, live.ID, 0, data[:4<<20])
	require.NoError(t, err)

	// Abandoned session: the record expires through the cache TTL, the
	// staged chunks stay behind until the sweep.
	old := time.Now().Add(-2 * sessioncache.SessionTTL)
	require.NoError(t, os.Chtimes(f.mgr.sessionDir(stale.ID), old, old))

	removed, err := f.mgr.SweepStaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(f.mgr.sessionDir(stale.ID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.mgr.sessionDir(live.ID))
	assert.NoError(t, err)
}
