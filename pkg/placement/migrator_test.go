package placement

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/manifest"
	"github.com/edgecloud/edgestore/pkg/metadata"
)

type fixture struct {
	migrator *Migrator
	meta     *metadata.Store
	blocks   *cas.Store
	user     *metadata.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	meta, err := metadata.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blocks, err := cas.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { blocks.Close() })

	user := &metadata.User{Username: "alice", StorageQuota: 1 << 30}
	require.NoError(t, meta.CreateUser(context.Background(), user))

	cfg := Config{WarmAfter: 30 * 24 * time.Hour, ColdAfter: 90 * 24 * time.Hour}
	return &fixture{
		migrator: NewMigrator(cfg, meta, blocks),
		meta:     meta,
		blocks:   blocks,
		user:     user,
	}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// addSingle stores a single-object file whose last access is age ago.
func (f *fixture) addSingle(t *testing.T, name string, data []byte, age time.Duration) *metadata.File {
	t.Helper()
	ctx := context.Background()
	hash := hashOf(data)

	path, err := f.blocks.WriteObject(ctx, hash, data)
	require.NoError(t, err)

	m := manifest.Single(path, false)
	blob, err := m.Encode()
	require.NoError(t, err)

	file := &metadata.File{
		UserID:      f.user.ID,
		FileName:    name,
		FileSize:    int64(len(data)),
		ContentHash: hash,
		StorageType: metadata.StorageSingle,
		Manifest:    blob,
	}
	require.NoError(t, f.meta.CreateFile(ctx, file))
	f.backdate(t, file.ID, age)
	return file
}

// addBlocks stores a content-addressed file from the given blocks.
func (f *fixture) addBlocks(t *testing.T, name string, parts [][]byte, age time.Duration) *metadata.File {
	t.Helper()
	ctx := context.Background()

	var (
		refs   []manifest.BlockRef
		inputs []metadata.BlockInput
		offset int64
		total  int64
	)
	for _, part := range parts {
		hash := hashOf(part)
		_, err := f.blocks.WriteBlock(ctx, hash, part)
		require.NoError(t, err)
		refs = append(refs, manifest.BlockRef{Hash: hash, Size: int64(len(part)), Offset: offset})
		inputs = append(inputs, metadata.BlockInput{Hash: hash, Size: int64(len(part)), Offset: offset})
		offset += int64(len(part))
		total += int64(len(part))
	}
	m := manifest.Chunked(refs, true)
	blob, err := m.Encode()
	require.NoError(t, err)

	file := &metadata.File{
		UserID:      f.user.ID,
		FileName:    name,
		FileSize:    total,
		ContentHash: hashOf(bytes.Join(parts, nil)),
		StorageType: metadata.StorageContentAddressed,
		Manifest:    blob,
	}
	require.NoError(t, f.meta.CreateFileWithBlocks(ctx, file, inputs))
	f.backdate(t, file.ID, age)
	return file
}

func (f *fixture) backdate(t *testing.T, fileID string, age time.Duration) {
	t.Helper()
	past := time.Now().Add(-age)
	err := f.meta.DB().Model(&metadata.File{}).Where("id = ?", fileID).
		Update("last_accessed", &past).Error
	require.NoError(t, err)
}

func (f *fixture) tierOf(t *testing.T, fileID string) string {
	t.Helper()
	file, err := f.meta.GetFile(context.Background(), f.user.ID, fileID)
	require.NoError(t, err)
	return file.Tier
}

func TestRun_AgeRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fresh := f.addSingle(t, "fresh.bin", []byte("fresh"), time.Hour)
	stale := f.addSingle(t, "stale.bin", []byte("stale"), 45*24*time.Hour)

	stats, err := f.migrator.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Demoted)
	assert.Zero(t, stats.Errors)

	assert.Equal(t, "cache", f.tierOf(t, fresh.ID))
	assert.Equal(t, "warm", f.tierOf(t, stale.ID))

	// The object frame actually moved.
	_, tier, err := f.blocks.ReadObject(ctx, stale.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, cas.TierWarm, tier)
}

func TestRun_WarmToColdAfterSecondThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	file := f.addSingle(t, "old.bin", []byte("ancient"), 120*24*time.Hour)

	// First pass: cache -> warm. The row is now warm but still past the
	// cold cutoff, so the next pass takes it cold.
	_, err := f.migrator.Run(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "warm", f.tierOf(t, file.ID))

	_, err = f.migrator.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "cold", f.tierOf(t, file.ID))

	_, tier, err := f.blocks.ReadObject(ctx, file.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, cas.TierCold, tier)
}

func TestRun_MovesEveryManifestBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parts := [][]byte{[]byte("block-one"), []byte("block-two")}
	file := f.addBlocks(t, "blocks.bin", parts, 60*24*time.Hour)

	_, err := f.migrator.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "warm", f.tierOf(t, file.ID))

	for _, part := range parts {
		_, tier, err := f.blocks.ReadBlock(ctx, hashOf(part))
		require.NoError(t, err)
		assert.Equal(t, cas.TierWarm, tier)
	}
}

func TestRun_SharedBlockAlreadyMovedIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shared := []byte("shared-block")
	a := f.addBlocks(t, "a.bin", [][]byte{shared, []byte("only-a")}, 60*24*time.Hour)
	b := f.addBlocks(t, "b.bin", [][]byte{shared, []byte("only-b")}, 60*24*time.Hour)

	stats, err := f.migrator.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Demoted)
	assert.Zero(t, stats.Errors)

	assert.Equal(t, "warm", f.tierOf(t, a.ID))
	assert.Equal(t, "warm", f.tierOf(t, b.ID))
}

func TestRun_ScopedToUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bob := &metadata.User{Username: "bob", StorageQuota: 1 << 30}
	require.NoError(t, f.meta.CreateUser(ctx, bob))

	mine := f.addSingle(t, "mine.bin", []byte("mine"), 45*24*time.Hour)

	theirs := &metadata.File{
		UserID:      bob.ID,
		FileName:    "theirs.bin",
		FileSize:    6,
		ContentHash: hashOf([]byte("theirs")),
		StorageType: metadata.StorageSingle,
	}
	m := manifest.Single("objects/xx/x.obj", false)
	theirs.Manifest, _ = m.Encode()
	require.NoError(t, f.meta.CreateFile(ctx, theirs))
	f.backdate(t, theirs.ID, 45*24*time.Hour)

	stats, err := f.migrator.Run(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, "warm", f.tierOf(t, mine.ID))

	got, err := f.meta.GetFile(ctx, bob.ID, theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, "cache", got.Tier)
}
