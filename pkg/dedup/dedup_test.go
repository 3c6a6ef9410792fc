package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/envelope"
	"github.com/edgecloud/edgestore/pkg/manifest"
	"github.com/edgecloud/edgestore/pkg/metadata"
)

type fixture struct {
	meta     *metadata.Store
	blocks   *cas.Store
	pipeline *Pipeline
	user     *metadata.User
}

func newFixture(t *testing.T, crossUser bool) *fixture {
	t.Helper()

	meta, err := metadata.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blocks, err := cas.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { blocks.Close() })

	user := &metadata.User{Username: "alice", StorageQuota: 10 << 30}
	require.NoError(t, meta.CreateUser(context.Background(), user))

	return &fixture{
		meta:     meta,
		blocks:   blocks,
		pipeline: New(meta, blocks, cas.NewBlockFilter(10000, 0.01), crossUser),
		user:     user,
	}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func randomData(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

// commit persists a pipeline result the way the upload manager does.
func commit(t *testing.T, f *fixture, name string, data []byte, res *Result) *metadata.File {
	t.Helper()
	encoded, err := res.Manifest.Encode()
	require.NoError(t, err)

	file := &metadata.File{
		UserID:      f.user.ID,
		FileName:    name,
		FileSize:    int64(len(data)),
		ContentHash: hashOf(data),
		StorageType: res.StorageType,
		Manifest:    encoded,
	}
	if res.ReferenceTarget != nil {
		file.RefTarget = res.ReferenceTarget.ID
	}
	require.NoError(t, f.meta.CreateFileWithBlocks(context.Background(), file, res.Blocks))
	return file
}

func TestProcess_SmallPayloadStaysSingle(t *testing.T) {
	f := newFixture(t, false)
	data := randomData(t, 1, 1<<20) // below the 2 MiB block minimum

	res, err := f.pipeline.Process(context.Background(), f.user.ID, data, hashOf(data))
	require.NoError(t, err)
	assert.Equal(t, metadata.StorageSingle, res.StorageType)
	assert.Nil(t, res.Manifest)
}

func TestProcess_ContentAddressedRoundTrip(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	data := randomData(t, 2, 12<<20)

	res, err := f.pipeline.Process(ctx, f.user.ID, data, hashOf(data))
	require.NoError(t, err)
	require.Equal(t, metadata.StorageContentAddressed, res.StorageType)
	require.NotNil(t, res.Manifest)
	assert.Zero(t, res.DupBlocks)
	assert.Equal(t, int64(len(data)), res.Manifest.LogicalSize())

	// Every block decrypts back and reassembles the payload.
	var rebuilt []byte
	for _, ref := range res.Manifest.Blocks {
		frame, _, err := f.blocks.ReadBlock(ctx, ref.Hash)
		require.NoError(t, err)
		raw, err := hex.DecodeString(ref.Hash)
		require.NoError(t, err)
		plain, err := envelope.OpenBlock(raw, frame)
		require.NoError(t, err)
		rebuilt = append(rebuilt, plain...)
	}
	assert.True(t, bytes.Equal(data, rebuilt))
}

func TestProcess_FullFileDuplicate(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	data := randomData(t, 3, 6<<20)

	first, err := f.pipeline.Process(ctx, f.user.ID, data, hashOf(data))
	require.NoError(t, err)
	original := commit(t, f, "a.bin", data, first)

	second, err := f.pipeline.Process(ctx, f.user.ID, data, hashOf(data))
	require.NoError(t, err)
	assert.Equal(t, metadata.StorageReference, second.StorageType)
	require.NotNil(t, second.ReferenceTarget)
	assert.Equal(t, original.ID, second.ReferenceTarget.ID)
	assert.Equal(t, manifest.TypeReference, second.Manifest.Type)
	assert.Equal(t, int64(len(data)), second.SavedBytes)
	assert.Empty(t, second.Blocks)
}

func TestProcess_FullFileDuplicate_UserScoped(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	data := randomData(t, 4, 6<<20)

	first, err := f.pipeline.Process(ctx, f.user.ID, data, hashOf(data))
	require.NoError(t, err)
	commit(t, f, "a.bin", data, first)

	bob := &metadata.User{Username: "bob", StorageQuota: 10 << 30}
	require.NoError(t, f.meta.CreateUser(ctx, bob))

	// Bob's identical upload must not reference Alice's file, but its
	// blocks still dedup at the CAS level.
	res, err := f.pipeline.Process(ctx, bob.ID, data, hashOf(data))
	require.NoError(t, err)
	assert.Equal(t, metadata.StorageContentAddressed, res.StorageType)
	assert.Equal(t, res.TotalBlocks, res.DupBlocks)
	assert.Equal(t, int64(len(data)), res.SavedBytes)
}

func TestProcess_PartialOverlapReusesBlocks(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	base := randomData(t, 5, 16<<20)
	first, err := f.pipeline.Process(ctx, f.user.ID, base, hashOf(base))
	require.NoError(t, err)
	commit(t, f, "base.bin", base, first)

	// Prepend a kilobyte: cut points resync, so most blocks dedup.
	edited := append(randomData(t, 6, 1<<10), base...)
	second, err := f.pipeline.Process(ctx, f.user.ID, edited, hashOf(edited))
	require.NoError(t, err)
	require.Equal(t, metadata.StorageContentAddressed, second.StorageType)

	assert.Greater(t, second.DupBlocks, second.TotalBlocks/2,
		"expected most blocks deduplicated, got %d of %d", second.DupBlocks, second.TotalBlocks)
	assert.Greater(t, second.SavedBytes, int64(len(edited))/2)
}

func TestProcess_IntraFileDuplicateBlocks(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// Two identical halves: the second half's blocks repeat the first.
	half := randomData(t, 7, 8<<20)
	data := append(append([]byte(nil), half...), half...)

	res, err := f.pipeline.Process(ctx, f.user.ID, data, hashOf(data))
	require.NoError(t, err)
	assert.Greater(t, res.DupBlocks, 0)
	// Distinct hashes only appear once in the reference-count inputs.
	seen := map[string]bool{}
	for _, b := range res.Blocks {
		assert.False(t, seen[b.Hash], "hash %s repeated in block inputs", b.Hash)
		seen[b.Hash] = true
	}
}

func TestProcess_RematerializesMissingFrame(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	data := randomData(t, 9, 6<<20)

	res, err := f.pipeline.Process(ctx, f.user.ID, data, hashOf(data))
	require.NoError(t, err)
	commit(t, f, "a.bin", data, res)

	// Lose one frame from disk while its row survives.
	lost := res.Manifest.Blocks[0].Hash
	require.NoError(t, f.blocks.DeleteBlock(ctx, lost))
	require.False(t, f.blocks.HasBlock(ctx, lost))

	// Bob can't full-file match, so the block path runs and restores
	// the frame from the plaintext in hand.
	bob := &metadata.User{Username: "bob", StorageQuota: 10 << 30}
	require.NoError(t, f.meta.CreateUser(ctx, bob))
	second, err := f.pipeline.Process(ctx, bob.ID, data, hashOf(data))
	require.NoError(t, err)
	assert.Equal(t, second.TotalBlocks, second.DupBlocks)
	assert.True(t, f.blocks.HasBlock(ctx, lost))
}

func TestWarmFilter(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	data := randomData(t, 8, 6<<20)

	res, err := f.pipeline.Process(ctx, f.user.ID, data, hashOf(data))
	require.NoError(t, err)
	commit(t, f, "a.bin", data, res)

	// A fresh pipeline with a cold filter still finds the duplicates
	// after warming.
	fresh := New(f.meta, f.blocks, cas.NewBlockFilter(10000, 0.01), false)
	require.NoError(t, fresh.WarmFilter(ctx))
	for _, b := range res.Blocks {
		assert.True(t, fresh.filter.MayContain(b.Hash))
	}
}
