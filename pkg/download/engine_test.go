package download

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/dedup"
	"github.com/edgecloud/edgestore/pkg/envelope"
	"github.com/edgecloud/edgestore/pkg/metadata"
	"github.com/edgecloud/edgestore/pkg/sessioncache"
	"github.com/edgecloud/edgestore/pkg/upload"
)

type fixture struct {
	engine *Engine
	mgr    *upload.Manager
	meta   *metadata.Store
	blocks *cas.Store
	user   *metadata.User
}

// newFixture wires the write path too, so reads exercise real layouts.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	meta, err := metadata.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blocks, err := cas.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { blocks.Close() })

	env, err := envelope.NewService("", "test-secret")
	require.NoError(t, err)

	sessions := sessioncache.NewMemoryStore()
	pipeline := dedup.New(meta, blocks, cas.NewBlockFilter(10000, 0.01), false)
	mgr := upload.NewManager(upload.Config{
		InlineThreshold:       512 << 10,
		SingleObjectThreshold: 4 << 20,
		ChunkSize:             4 << 20,
		TempPath:              t.TempDir(),
		DedupEnabled:          true,
	}, meta, blocks, sessions, env, pipeline)

	user := &metadata.User{Username: "alice", StorageQuota: 10 << 30}
	require.NoError(t, meta.CreateUser(context.Background(), user))

	return &fixture{
		engine: NewEngine(meta, blocks, sessions, env),
		mgr:    mgr,
		meta:   meta,
		blocks: blocks,
		user:   user,
	}
}

func (f *fixture) upload(t *testing.T, name string, data []byte) *metadata.File {
	t.Helper()
	ctx := context.Background()
	session, err := f.mgr.Init(ctx, f.user.ID, name, int64(len(data)), "", "")
	require.NoError(t, err)

	if session.Strategy == upload.StrategyChunked {
		for i := 0; i < session.TotalChunks; i++ {
			start := int64(i) * session.ChunkSize
			end := start + session.ChunkSize
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			_, _, err := f.mgr.AcceptChunk(ctx, f.user.ID, session.ID, i, data[start:end])
			require.NoError(t, err)
		}
		file, err := f.mgr.Complete(ctx, f.user.ID, session.ID)
		require.NoError(t, err)
		return file
	}
	file, err := f.mgr.AcceptDirect(ctx, f.user.ID, session.ID, data)
	require.NoError(t, err)
	return file
}

func randomData(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		size    int64
		want    *Range
		wantErr error
	}{
		{"empty means whole file", "", 1000, nil, nil},
		{"bounded", "bytes=0-499", 1000, &Range{0, 499}, nil},
		{"open ended", "bytes=500-", 1000, &Range{500, 999}, nil},
		{"suffix", "bytes=-200", 1000, &Range{800, 999}, nil},
		{"suffix larger than file", "bytes=-5000", 1000, &Range{0, 999}, nil},
		{"end clamped", "bytes=900-5000", 1000, &Range{900, 999}, nil},
		{"start past end of file", "bytes=1000-", 1000, nil, ErrUnsatisfiableRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.header, tt.size)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("malformed", func(t *testing.T) {
		for _, h := range []string{"bytes=", "bytes=a-b", "items=0-5", "bytes=5-2", "bytes=0-1,5-9"} {
			_, err := ParseRange(h, 1000)
			assert.Error(t, err, "header %q", h)
		}
	})
}

func TestRead_AllLayoutsRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		data []byte
		want metadata.StorageType
	}{
		{"inline.bin", []byte("tiny payload"), metadata.StorageInline},
		{"single.bin", randomData(t, 1, 1 << 20), metadata.StorageSingle},
		{"blocks.bin", randomData(t, 2, 9 << 20), metadata.StorageContentAddressed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := f.upload(t, tt.name, tt.data)
			require.Equal(t, tt.want, file.StorageType)

			got, _, err := f.engine.Read(ctx, f.user.ID, file.ID, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.data, got)
		})
	}
}

func TestRead_ReferenceFollowsTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := randomData(t, 3, 1<<20)

	f.upload(t, "original.bin", data)
	ref := f.upload(t, "copy.bin", data)
	require.Equal(t, metadata.StorageReference, ref.StorageType)

	got, _, err := f.engine.Read(ctx, f.user.ID, ref.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRead_RangeAcrossBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := randomData(t, 4, 9<<20)

	file := f.upload(t, "blocks.bin", data)
	require.Equal(t, metadata.StorageContentAddressed, file.StorageType)

	tests := []struct{ start, end int64 }{
		{0, 99},                                   // head
		{int64(len(data)) - 100, int64(len(data)) - 1}, // tail
		{3<<20 - 50, 3<<20 + 50},                  // straddles a likely boundary
		{0, int64(len(data)) - 1},                 // explicit whole file
	}
	for _, tt := range tests {
		rng := &Range{Start: tt.start, End: tt.end}
		got, _, err := f.engine.Read(ctx, f.user.ID, file.ID, rng)
		require.NoError(t, err)
		assert.Equal(t, data[tt.start:tt.end+1], got, "range %d-%d", tt.start, tt.end)
	}
}

func TestRead_UpdatesLastAccessedButStatDoesNot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	file := f.upload(t, "a.bin", []byte("payload"))

	stat, err := f.engine.Stat(ctx, f.user.ID, file.ID)
	require.NoError(t, err)
	assert.Nil(t, stat.LastAccessed)

	_, _, err = f.engine.Read(ctx, f.user.ID, file.ID, nil)
	require.NoError(t, err)

	after, err := f.engine.Stat(ctx, f.user.ID, file.ID)
	require.NoError(t, err)
	assert.NotNil(t, after.LastAccessed)
}

func TestRead_CorruptBlockQuarantined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := randomData(t, 5, 5<<20)

	file := f.upload(t, "blocks.bin", data)
	require.Equal(t, metadata.StorageContentAddressed, file.StorageType)

	// Flip a byte in one stored frame. Any block failing authentication
	// aborts a whole-file read.
	var firstHash string
	entriesDir := filepath.Join(f.blocks.BasePath(), "cache", "blocks")
	var framePath string
	err := filepath.Walk(entriesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if framePath == "" {
			framePath = path
			firstHash = info.Name()
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, framePath)

	frame, err := os.ReadFile(framePath)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(framePath, frame, 0644))

	_, _, err = f.engine.Read(ctx, f.user.ID, file.ID, nil)
	require.ErrorIs(t, err, ErrIntegrityFailure)

	// The frame left the read path and an alert was logged.
	assert.False(t, f.blocks.HasBlock(ctx, firstHash))
	entries, _, err := f.meta.ListActivity(ctx, f.user.ID, 10, 0)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Action == "integrity_failure" && e.Severity == metadata.SeverityHigh {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRead_WrongUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	file := f.upload(t, "a.bin", []byte("payload"))

	bob := &metadata.User{Username: "bob", StorageQuota: 1 << 30}
	require.NoError(t, f.meta.CreateUser(ctx, bob))

	_, _, err := f.engine.Read(ctx, bob.ID, file.ID, nil)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}
