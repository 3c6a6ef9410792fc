// Package upload implements the upload session manager: strategy
// selection, resumable chunked transfers, and the commit path that
// turns received bytes into encrypted, deduplicated storage.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/compress"
	"github.com/edgecloud/edgestore/pkg/dedup"
	"github.com/edgecloud/edgestore/pkg/envelope"
	"github.com/edgecloud/edgestore/pkg/manifest"
	"github.com/edgecloud/edgestore/pkg/metadata"
	"github.com/edgecloud/edgestore/pkg/sessioncache"
)

// Upload strategies.
const (
	StrategyInline  = "inline"
	StrategySingle  = "single"
	StrategyChunked = "chunked"
)

var (
	// ErrSessionIncomplete is returned by Complete when chunks are
	// still missing.
	ErrSessionIncomplete = errors.New("upload session incomplete")

	// ErrChunkOutOfRange is returned for a chunk index outside the
	// session's declared range.
	ErrChunkOutOfRange = errors.New("chunk index out of range")

	// ErrSizeMismatch is returned when received bytes do not match the
	// declared file size.
	ErrSizeMismatch = errors.New("payload size does not match declaration")

	// ErrWrongStrategy is returned when a request uses the wrong
	// transfer style for its session.
	ErrWrongStrategy = errors.New("operation does not match session strategy")
)

// inlineCacheTTL bounds the write-through cache entry for inline
// payloads.
const inlineCacheTTL = 24 * time.Hour

// Config holds the tunables of the upload path.
type Config struct {
	// InlineThreshold and SingleObjectThreshold are strict upper
	// bounds for the respective strategies.
	InlineThreshold       int64
	SingleObjectThreshold int64

	// ChunkSize is the fixed transfer chunk size; only the final chunk
	// may be smaller.
	ChunkSize int64

	// TempPath stages sealed chunks of in-flight sessions.
	TempPath string

	// DedupEnabled selects between the content-addressed layout and
	// the chunked fallback for large files.
	DedupEnabled bool

	// CrossUserDedup widens full-file matching beyond the uploader.
	CrossUserDedup bool

	// VersioningEnabled snapshots the previous content when an upload
	// replaces a file of the same name.
	VersioningEnabled bool
}

// Manager coordinates upload sessions end to end.
type Manager struct {
	cfg      Config
	meta     *metadata.Store
	blocks   *cas.Store
	sessions sessioncache.Store
	env      *envelope.Service
	pipeline *dedup.Pipeline
	pool     *cpuPool
}

// NewManager wires the upload path together.
func NewManager(cfg Config, meta *metadata.Store, blocks *cas.Store, sessions sessioncache.Store, env *envelope.Service, pipeline *dedup.Pipeline) *Manager {
	return &Manager{
		cfg:      cfg,
		meta:     meta,
		blocks:   blocks,
		sessions: sessions,
		env:      env,
		pipeline: pipeline,
		pool:     newCPUPool(),
	}
}

// SelectStrategy maps a declared size to an upload strategy. The
// thresholds are strict: a payload exactly at a bound takes the next
// strategy up.
func (m *Manager) SelectStrategy(size int64) string {
	switch {
	case size < m.cfg.InlineThreshold:
		return StrategyInline
	case size < m.cfg.SingleObjectThreshold:
		return StrategySingle
	default:
		return StrategyChunked
	}
}

// Init starts an upload session: quota pre-flight, strategy selection,
// envelope key generation. The wrapped key travels with the session so
// chunks can be sealed before the file row exists.
func (m *Manager) Init(ctx context.Context, userID, fileName string, fileSize int64, mimeType, folderID string) (*sessioncache.UploadSession, error) {
	if fileSize < 0 {
		return nil, fmt.Errorf("negative file size %d", fileSize)
	}
	if err := m.meta.CheckQuota(ctx, userID, fileSize); err != nil {
		return nil, err
	}

	strategy := m.SelectStrategy(fileSize)
	session := &sessioncache.UploadSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		FileName:  fileName,
		FileSize:  fileSize,
		MimeType:  mimeType,
		FolderID:  folderID,
		Strategy:  strategy,
		CreatedAt: time.Now().UTC(),
	}

	fileKey, err := m.env.GenerateFileKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := m.env.WrapKey(fileKey)
	if err != nil {
		return nil, err
	}
	session.WrappedKey = wrapped

	if strategy == StrategyChunked {
		session.ChunkSize = m.cfg.ChunkSize
		session.TotalChunks = int((fileSize + m.cfg.ChunkSize - 1) / m.cfg.ChunkSize)
	} else {
		session.TotalChunks = 1
	}

	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	logger.Info("upload session started",
		logger.KeySessionID, session.ID,
		logger.KeyUserID, userID,
		logger.KeyStrategy, strategy,
		logger.KeySize, fileSize)
	return session, nil
}

// session loads and authorizes a session.
func (m *Manager) session(ctx context.Context, userID, sessionID string) (*sessioncache.UploadSession, error) {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		// Do not leak that the session exists.
		return nil, sessioncache.ErrSessionNotFound
	}
	return session, nil
}

// AcceptChunk receives one chunk of a chunked session. The chunk is
// sealed with the session's envelope key, bound to its index, and
// staged on disk. Retries of an already-received index are accepted
// and ignored; the second return reports whether the index had been
// received before.
func (m *Manager) AcceptChunk(ctx context.Context, userID, sessionID string, index int, data []byte) (*sessioncache.UploadSession, bool, error) {
	session, err := m.session(ctx, userID, sessionID)
	if err != nil {
		return nil, false, err
	}
	if session.Strategy != StrategyChunked {
		return nil, false, ErrWrongStrategy
	}
	if index < 0 || index >= session.TotalChunks {
		return nil, false, fmt.Errorf("%w: index %d of %d", ErrChunkOutOfRange, index, session.TotalChunks)
	}
	if err := m.validateChunkSize(session, index, int64(len(data))); err != nil {
		return nil, false, err
	}

	fileKey, err := m.env.UnwrapKey(session.WrappedKey)
	if err != nil {
		return nil, false, err
	}

	var frame []byte
	sum := sha256.Sum256(data)
	err = m.pool.do(ctx, func() error {
		var sealErr error
		frame, sealErr = envelope.SealChunk(fileKey, index, data)
		return sealErr
	})
	if err != nil {
		return nil, false, err
	}

	path := m.chunkPath(session.ID, index)
	if err := writeAtomic(path, frame); err != nil {
		return nil, false, err
	}

	written, err := m.sessions.PutChunkIfAbsent(ctx, session.ID, &sessioncache.ChunkRecord{
		Index:    index,
		Size:     int64(len(data)),
		Hash:     hex.EncodeToString(sum[:]),
		TempPath: path,
	})
	if err != nil {
		return nil, false, err
	}
	if !written {
		logger.Debug("duplicate chunk ignored",
			logger.KeySessionID, session.ID, logger.KeyIndex, index)
	}
	if err := m.sessions.TouchSession(ctx, session.ID); err != nil {
		return nil, false, err
	}
	return session, !written, nil
}

func (m *Manager) validateChunkSize(session *sessioncache.UploadSession, index int, size int64) error {
	last := index == session.TotalChunks-1
	if !last && size != session.ChunkSize {
		return fmt.Errorf("%w: chunk %d is %d bytes, want %d",
			ErrSizeMismatch, index, size, session.ChunkSize)
	}
	if last {
		want := session.FileSize - int64(session.TotalChunks-1)*session.ChunkSize
		if size != want {
			return fmt.Errorf("%w: final chunk is %d bytes, want %d",
				ErrSizeMismatch, size, want)
		}
	}
	return nil
}

// Resume reports which chunk indexes a session still needs.
func (m *Manager) Resume(ctx context.Context, userID, sessionID string) (*sessioncache.UploadSession, []int, error) {
	session, err := m.session(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := m.sessions.Chunks(ctx, sessionID, session.TotalChunks)
	if err != nil {
		return nil, nil, err
	}
	have := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		have[c.Index] = true
	}
	var missing []int
	for i := 0; i < session.TotalChunks; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return session, missing, nil
}

// AcceptDirect receives the whole payload of an inline or single
// session in one request and commits it immediately.
func (m *Manager) AcceptDirect(ctx context.Context, userID, sessionID string, data []byte) (*metadata.File, error) {
	session, err := m.session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Strategy == StrategyChunked {
		return nil, ErrWrongStrategy
	}
	if int64(len(data)) != session.FileSize {
		return nil, fmt.Errorf("%w: got %d bytes, declared %d",
			ErrSizeMismatch, len(data), session.FileSize)
	}
	return m.commit(ctx, session, data)
}

// Complete assembles a chunked session and commits it. All chunks must
// be present; otherwise ErrSessionIncomplete names the missing indexes
// and the session stays open.
func (m *Manager) Complete(ctx context.Context, userID, sessionID string) (*metadata.File, error) {
	session, err := m.session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Strategy != StrategyChunked {
		return nil, ErrWrongStrategy
	}

	chunks, err := m.sessions.Chunks(ctx, sessionID, session.TotalChunks)
	if err != nil {
		return nil, err
	}
	if len(chunks) != session.TotalChunks {
		have := make(map[int]bool, len(chunks))
		for _, c := range chunks {
			have[c.Index] = true
		}
		var missing []int
		for i := 0; i < session.TotalChunks; i++ {
			if !have[i] {
				missing = append(missing, i)
			}
		}
		return nil, fmt.Errorf("%w: missing chunks %v", ErrSessionIncomplete, missing)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	fileKey, err := m.env.UnwrapKey(session.WrappedKey)
	if err != nil {
		return nil, err
	}

	data, err := m.assemble(ctx, fileKey, session, chunks)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != session.FileSize {
		return nil, fmt.Errorf("%w: assembled %d bytes, declared %d",
			ErrSizeMismatch, len(data), session.FileSize)
	}
	return m.commit(ctx, session, data)
}

// assemble decrypts the staged chunk frames concurrently and joins them
// in index order.
func (m *Manager) assemble(ctx context.Context, fileKey []byte, session *sessioncache.UploadSession, chunks []sessioncache.ChunkRecord) ([]byte, error) {
	plain := make([][]byte, len(chunks))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, rec := range chunks {
		wg.Add(1)
		go func(i int, rec sessioncache.ChunkRecord) {
			defer wg.Done()
			err := m.pool.do(ctx, func() error {
				frame, err := os.ReadFile(rec.TempPath)
				if err != nil {
					return fmt.Errorf("read staged chunk %d: %w", rec.Index, err)
				}
				plain[i], err = envelope.OpenChunk(fileKey, rec.Index, frame)
				if err != nil {
					return fmt.Errorf("open staged chunk %d: %w", rec.Index, err)
				}
				return nil
			})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i, rec)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	data := make([]byte, 0, session.FileSize)
	for _, p := range plain {
		data = append(data, p...)
	}
	return data, nil
}

// commit runs the dedup pipeline and persists the payload under the
// layout it selects, then tears the session down.
func (m *Manager) commit(ctx context.Context, session *sessioncache.UploadSession, data []byte) (*metadata.File, error) {
	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	mimeType := session.MimeType
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}

	file := &metadata.File{
		UserID:      session.UserID,
		FolderID:    session.FolderID,
		FileName:    session.FileName,
		FileSize:    session.FileSize,
		ContentHash: contentHash,
		MimeType:    mimeType,
		Tier:        string(cas.TierCache),
	}

	// Resolve the row this upload replaces before the dedup decision:
	// the pipeline may pick it as the full-file duplicate target, and a
	// reference to a row about to be retired would dangle.
	replaced, err := m.replacedFile(ctx, session)
	if err != nil {
		return nil, err
	}

	var blocks []metadata.BlockInput
	switch {
	case session.Strategy == StrategyInline:
		if err := m.commitInline(ctx, session, file, data); err != nil {
			return nil, err
		}

	case m.cfg.DedupEnabled:
		res, err := m.pipeline.Process(ctx, session.UserID, data, contentHash)
		if err != nil {
			return nil, err
		}
		switch res.StorageType {
		case metadata.StorageReference:
			if replaced != nil && res.ReferenceTarget.ID == replaced.ID {
				// Same name, identical content. The new row inherits
				// the replaced row's ID, so a reference here would
				// point at itself. Carry the payload identity forward
				// instead; the retained version keeps the block
				// references alive.
				file.StorageType = replaced.StorageType
				file.EncryptedKey = replaced.EncryptedKey
				file.Manifest = append([]byte(nil), replaced.Manifest...)
				file.RefTarget = replaced.RefTarget
				break
			}
			file.StorageType = metadata.StorageReference
			file.RefTarget = res.ReferenceTarget.ID
			if err := setManifest(file, res.Manifest); err != nil {
				return nil, err
			}
		case metadata.StorageSingle:
			if err := m.commitSingle(ctx, session, file, data, contentHash); err != nil {
				return nil, err
			}
		default:
			file.StorageType = metadata.StorageContentAddressed
			blocks = res.Blocks
			if err := setManifest(file, res.Manifest); err != nil {
				return nil, err
			}
		}

	case session.Strategy == StrategySingle:
		if err := m.commitSingle(ctx, session, file, data, contentHash); err != nil {
			return nil, err
		}

	default:
		var err error
		blocks, err = m.commitChunkedFallback(ctx, session, file, data)
		if err != nil {
			return nil, err
		}
	}

	if file.EncryptedKey == "" && file.StorageType != metadata.StorageReference {
		file.EncryptedKey = session.WrappedKey
	}

	if err := m.snapshotReplaced(ctx, replaced, file); err != nil {
		return nil, err
	}
	if err := m.meta.CreateFileWithBlocks(ctx, file, blocks); err != nil {
		return nil, err
	}

	m.cleanup(ctx, session)
	logger.Info("upload committed",
		logger.KeyFileID, file.ID,
		logger.KeyUserID, file.UserID,
		logger.KeyStrategy, string(file.StorageType),
		logger.KeySize, file.FileSize,
		logger.KeyHash, contentHash)
	return file, nil
}

// replacedFile looks up the file row this upload overwrites, if
// versioning is on and one exists.
func (m *Manager) replacedFile(ctx context.Context, session *sessioncache.UploadSession) (*metadata.File, error) {
	if !m.cfg.VersioningEnabled {
		return nil, nil
	}
	old, err := m.meta.FindFileByName(ctx, session.UserID, session.FileName)
	if err == metadata.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return old, nil
}

// snapshotReplaced versions the previous content when this upload
// replaces an existing file of the same name. The version keeps the old
// block references alive; the replaced row is retired without touching
// them, and the new row inherits its ID so the version chain stays
// attached. A replaced row with dependents goes through the regular
// delete path instead, so its payload is promoted onto a dependent.
func (m *Manager) snapshotReplaced(ctx context.Context, old *metadata.File, file *metadata.File) error {
	if old == nil {
		return nil
	}

	if _, err := m.meta.SnapshotVersion(ctx, old); err != nil {
		return err
	}

	if old.StorageType != metadata.StorageReference {
		var refs int64
		err := m.meta.DB().WithContext(ctx).Model(&metadata.File{}).
			Where("ref_target = ?", old.ID).Count(&refs).Error
		if err != nil {
			return err
		}
		if refs > 0 {
			_, err := m.meta.DeleteFile(ctx, old.UserID, old.ID)
			return err
		}
	}
	if err := m.meta.RetireFileForVersion(ctx, old.ID); err != nil {
		return err
	}
	file.ID = old.ID
	return nil
}

// commitInline seals the payload into the file row itself and caches it
// write-through for fast reads.
func (m *Manager) commitInline(ctx context.Context, session *sessioncache.UploadSession, file *metadata.File, data []byte) error {
	fileKey, err := m.env.UnwrapKey(session.WrappedKey)
	if err != nil {
		return err
	}
	payload := data
	compressed := compress.ShouldCompress(session.FileName, int64(len(data)))
	if compressed {
		payload = compress.Compress(data)
	}
	frame, err := envelope.SealData(fileKey, payload)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(frame)

	file.StorageType = metadata.StorageInline
	if err := setManifest(file, manifest.Inline(encoded, compressed)); err != nil {
		return err
	}

	cacheKey := sessioncache.InlineKey(session.UserID, file.ContentHash)
	if err := m.sessions.CachePut(ctx, cacheKey, frame, inlineCacheTTL); err != nil {
		logger.Warn("inline cache write failed", logger.KeyError, err)
	}
	return nil
}

// commitSingle stores the payload as one sealed object file.
func (m *Manager) commitSingle(ctx context.Context, session *sessioncache.UploadSession, file *metadata.File, data []byte, contentHash string) error {
	fileKey, err := m.env.UnwrapKey(session.WrappedKey)
	if err != nil {
		return err
	}
	payload := data
	compressed := compress.ShouldCompress(session.FileName, int64(len(data)))
	if compressed {
		payload = compress.Compress(data)
	}

	var frame []byte
	err = m.pool.do(ctx, func() error {
		var sealErr error
		frame, sealErr = envelope.SealData(fileKey, payload)
		return sealErr
	})
	if err != nil {
		return err
	}

	path, err := m.blocks.WriteObject(ctx, contentHash, frame)
	if err != nil {
		return err
	}
	file.StorageType = metadata.StorageSingle
	return setManifest(file, manifest.Single(path, compressed))
}

// commitChunkedFallback stores fixed-size blocks sealed with the file's
// envelope key. The frames cannot dedup, so each block is addressed by
// the hash of its sealed frame; identical plaintext in two files never
// resolves to a frame sealed under the other file's key. Compressible
// payloads are compressed per block before sealing.
func (m *Manager) commitChunkedFallback(ctx context.Context, session *sessioncache.UploadSession, file *metadata.File, data []byte) ([]metadata.BlockInput, error) {
	fileKey, err := m.env.UnwrapKey(session.WrappedKey)
	if err != nil {
		return nil, err
	}
	compressed := compress.ShouldCompress(session.FileName, session.FileSize)

	var (
		refs   []manifest.BlockRef
		blocks []metadata.BlockInput
		offset int64
	)
	for index := 0; offset < int64(len(data)); index++ {
		end := offset + m.cfg.ChunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		block := data[offset:end]
		payload := block
		if compressed {
			payload = compress.Compress(block)
		}

		var frame []byte
		err := m.pool.do(ctx, func() error {
			var sealErr error
			frame, sealErr = envelope.SealBlockKeyed(fileKey, index, payload)
			return sealErr
		})
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(frame)
		hexHash := hex.EncodeToString(sum[:])
		if _, err := m.blocks.WriteBlock(ctx, hexHash, frame); err != nil {
			return nil, err
		}

		refs = append(refs, manifest.BlockRef{Hash: hexHash, Size: int64(len(block)), Offset: offset})
		blocks = append(blocks, metadata.BlockInput{Hash: hexHash, Size: int64(len(block)), Offset: offset})
		offset = end
	}

	file.StorageType = metadata.StorageChunked
	mf := manifest.Chunked(refs, false)
	mf.Compressed = compressed
	return blocks, setManifest(file, mf)
}

// Abort drops a session and its staged chunks without committing.
func (m *Manager) Abort(ctx context.Context, userID, sessionID string) error {
	session, err := m.session(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	m.cleanup(ctx, session)
	return nil
}

// cleanup removes the session record and its staging directory.
func (m *Manager) cleanup(ctx context.Context, session *sessioncache.UploadSession) {
	if err := m.sessions.DeleteSession(ctx, session); err != nil {
		logger.Warn("session cleanup failed",
			logger.KeySessionID, session.ID, logger.KeyError, err)
	}
	if session.Strategy == StrategyChunked {
		if err := os.RemoveAll(m.sessionDir(session.ID)); err != nil {
			logger.Warn("staging cleanup failed",
				logger.KeySessionID, session.ID, logger.KeyError, err)
		}
	}
}

// SweepStaging removes staging directories left by sessions that
// expired without a commit or abort. The session record evicts itself
// through the cache TTL; the staged chunks on disk need this sweep. A
// directory is reclaimed once it has gone unwritten for the session
// TTL, so chunk writes on a live session keep it safe.
func (m *Manager) SweepStaging(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-sessioncache.SessionTTL)
	shards, err := os.ReadDir(m.cfg.TempPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(m.cfg.TempPath, shard.Name())
		entries, err := os.ReadDir(shardPath)
		if err != nil {
			logger.Warn("staging shard unreadable", "path", shardPath, logger.KeyError, err)
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			dir := filepath.Join(shardPath, entry.Name())
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("staging sweep failed", "path", dir, logger.KeyError, err)
				continue
			}
			logger.Info("expired staging directory removed",
				logger.KeySessionID, entry.Name())
			removed++
		}
	}
	return removed, nil
}

// sessionDir shards staging directories by the first two characters of
// the session id so a busy temp path never holds one flat directory of
// thousands of entries.
func (m *Manager) sessionDir(sessionID string) string {
	return filepath.Join(m.cfg.TempPath, sessionID[:2], sessionID)
}

func (m *Manager) chunkPath(sessionID string, index int) string {
	return filepath.Join(m.sessionDir(sessionID), fmt.Sprintf("%06d.chk", index))
}

func setManifest(file *metadata.File, m *manifest.Manifest) error {
	encoded, err := m.Encode()
	if err != nil {
		return err
	}
	file.Manifest = encoded
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
