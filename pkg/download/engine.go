// Package download reconstructs plaintext from any storage layout and
// serves byte ranges without decrypting more than the range needs.
package download

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/compress"
	"github.com/edgecloud/edgestore/pkg/envelope"
	"github.com/edgecloud/edgestore/pkg/manifest"
	"github.com/edgecloud/edgestore/pkg/metadata"
	"github.com/edgecloud/edgestore/pkg/sessioncache"
)

// ErrIntegrityFailure is returned when stored ciphertext fails
// authentication. The offending frame is quarantined before the error
// is returned.
var ErrIntegrityFailure = errors.New("stored data failed integrity check")

// inlineCacheTTL matches the upload path's write-through TTL.
const inlineCacheTTL = 24 * time.Hour

// Engine reconstructs file plaintext.
type Engine struct {
	meta     *metadata.Store
	blocks   *cas.Store
	sessions sessioncache.Store
	env      *envelope.Service
}

// NewEngine builds a download engine.
func NewEngine(meta *metadata.Store, blocks *cas.Store, sessions sessioncache.Store, env *envelope.Service) *Engine {
	return &Engine{meta: meta, blocks: blocks, sessions: sessions, env: env}
}

// Stat returns a file's metadata without marking it accessed. HEAD
// requests go through here so probing does not keep payloads hot.
func (e *Engine) Stat(ctx context.Context, userID, fileID string) (*metadata.File, error) {
	return e.meta.GetFile(ctx, userID, fileID)
}

// Read returns the plaintext of a file, or just the requested range of
// it. Successful reads stamp the file's last access time, which drives
// tiering.
func (e *Engine) Read(ctx context.Context, userID, fileID string, rng *Range) ([]byte, *metadata.File, error) {
	file, err := e.meta.GetFile(ctx, userID, fileID)
	if err != nil {
		return nil, nil, err
	}

	data, err := e.readFile(ctx, file, rng)
	if err != nil {
		return nil, nil, err
	}

	if err := e.meta.TouchLastAccessed(ctx, file.ID); err != nil {
		logger.Warn("last access update failed",
			logger.KeyFileID, file.ID, logger.KeyError, err)
	}
	return data, file, nil
}

// readFile dispatches on the storage layout, following reference rows
// to their target.
func (e *Engine) readFile(ctx context.Context, file *metadata.File, rng *Range) ([]byte, error) {
	m, err := manifest.Decode(file.Manifest)
	if err != nil {
		return nil, fmt.Errorf("manifest of %s: %w", file.ID, err)
	}

	switch m.Type {
	case manifest.TypeReference:
		target, err := e.meta.GetFileAny(ctx, m.TargetFileID)
		if err != nil {
			return nil, fmt.Errorf("reference target %s: %w", m.TargetFileID, err)
		}
		return e.readFile(ctx, target, rng)

	case manifest.TypeInline:
		return e.readInline(ctx, file, m, rng)

	case manifest.TypeSingle:
		return e.readSingle(ctx, file, m, rng)

	case manifest.TypeChunked:
		return e.readBlocks(ctx, file, m, rng)

	default:
		return nil, fmt.Errorf("unknown manifest type %q", m.Type)
	}
}

// readInline serves an inline payload, preferring the cached sealed
// frame over the manifest copy.
func (e *Engine) readInline(ctx context.Context, file *metadata.File, m *manifest.Manifest, rng *Range) ([]byte, error) {
	cacheKey := sessioncache.InlineKey(file.UserID, file.ContentHash)
	frame, err := e.sessions.CacheGet(ctx, cacheKey)
	if err != nil {
		frame, err = base64.StdEncoding.DecodeString(m.EncryptedData)
		if err != nil {
			return nil, fmt.Errorf("inline payload of %s: %w", file.ID, err)
		}
		// Repopulate for the next read.
		if cerr := e.sessions.CachePut(ctx, cacheKey, frame, inlineCacheTTL); cerr != nil {
			logger.Debug("inline cache repopulate failed", logger.KeyError, cerr)
		}
	}

	key, err := e.env.UnwrapKey(file.EncryptedKey)
	if err != nil {
		return nil, err
	}
	plain, err := envelope.OpenData(key, frame)
	if err != nil {
		// The cached frame may be stale; drop it so the next read
		// falls back to the manifest copy.
		if cerr := e.sessions.CacheDelete(ctx, cacheKey); cerr != nil {
			logger.Debug("inline cache invalidate failed", logger.KeyError, cerr)
		}
		return nil, e.integrityFailure(ctx, file, file.ContentHash, err, frameNone)
	}
	return finish(plain, m.Compressed, rng)
}

// readSingle serves a single sealed object.
func (e *Engine) readSingle(ctx context.Context, file *metadata.File, m *manifest.Manifest, rng *Range) ([]byte, error) {
	frame, _, err := e.blocks.ReadObject(ctx, file.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("object of %s: %w", file.ID, err)
	}
	key, err := e.env.UnwrapKey(file.EncryptedKey)
	if err != nil {
		return nil, err
	}
	plain, err := envelope.OpenData(key, frame)
	if err != nil {
		return nil, e.integrityFailure(ctx, file, file.ContentHash, err, frameObject)
	}
	return finish(plain, m.Compressed, rng)
}

// readBlocks walks the manifest in order, decrypting only blocks that
// overlap the requested range. Block offsets are plaintext offsets, so
// pre-range blocks are skipped without touching disk.
func (e *Engine) readBlocks(ctx context.Context, file *metadata.File, m *manifest.Manifest, rng *Range) ([]byte, error) {
	size := m.LogicalSize()
	want := rng
	if want == nil {
		want = &Range{Start: 0, End: size - 1}
	}

	var fileKey []byte
	if !m.Convergent {
		var err error
		fileKey, err = e.env.UnwrapKey(file.EncryptedKey)
		if err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, want.Length())
	for index, ref := range m.Blocks {
		blockEnd := ref.Offset + ref.Size - 1
		if blockEnd < want.Start {
			continue
		}
		if ref.Offset > want.End {
			break
		}

		frame, _, err := e.blocks.ReadBlock(ctx, ref.Hash)
		if err != nil {
			return nil, fmt.Errorf("block %s of %s: %w", ref.Hash, file.ID, err)
		}

		var plain []byte
		if m.Convergent {
			raw, err := hex.DecodeString(ref.Hash)
			if err != nil {
				return nil, fmt.Errorf("block hash %q: %w", ref.Hash, err)
			}
			plain, err = envelope.OpenBlock(raw, frame)
			if err != nil {
				return nil, e.integrityFailure(ctx, file, ref.Hash, err, frameBlock)
			}
		} else {
			plain, err = envelope.OpenBlockKeyed(fileKey, index, frame)
			if err != nil {
				return nil, e.integrityFailure(ctx, file, ref.Hash, err, frameBlock)
			}
		}

		if m.Compressed {
			plain, err = compress.Decompress(plain)
			if err != nil {
				return nil, fmt.Errorf("block %s of %s: %w", ref.Hash, file.ID, err)
			}
		}

		// Trim the first and last blocks to the range.
		lo := int64(0)
		if want.Start > ref.Offset {
			lo = want.Start - ref.Offset
		}
		hi := int64(len(plain))
		if blockEnd > want.End {
			hi = want.End - ref.Offset + 1
		}
		out = append(out, plain[lo:hi]...)
	}
	return out, nil
}

// frameKind selects which disk frame to quarantine on an integrity
// failure. Inline payloads have no disk frame.
type frameKind int

const (
	frameNone frameKind = iota
	frameBlock
	frameObject
)

// integrityFailure quarantines the corrupt frame, records a
// high-severity activity event, and wraps the error.
func (e *Engine) integrityFailure(ctx context.Context, file *metadata.File, hash string, cause error, kind frameKind) error {
	logger.Error("integrity failure",
		logger.KeyFileID, file.ID, logger.KeyHash, hash, logger.KeyError, cause)

	var qerr error
	switch kind {
	case frameBlock:
		qerr = e.blocks.Quarantine(ctx, hash)
	case frameObject:
		qerr = e.blocks.QuarantineObject(ctx, hash)
	}
	if qerr != nil {
		logger.Error("quarantine failed", logger.KeyHash, hash, logger.KeyError, qerr)
	}
	if err := e.meta.LogActivity(ctx, &metadata.ActivityLog{
		UserID:   file.UserID,
		Action:   "integrity_failure",
		FileID:   file.ID,
		Detail:   fmt.Sprintf("frame %s failed authentication", hash),
		Severity: metadata.SeverityHigh,
	}); err != nil {
		logger.Error("activity log failed", logger.KeyError, err)
	}
	return fmt.Errorf("%w: %s", ErrIntegrityFailure, hash)
}

// finish decompresses whole-payload layouts and applies the range.
func finish(plain []byte, compressed bool, rng *Range) ([]byte, error) {
	if compressed {
		var err error
		plain, err = compress.Decompress(plain)
		if err != nil {
			return nil, err
		}
	}
	if rng == nil {
		return plain, nil
	}
	if rng.Start >= int64(len(plain)) {
		return nil, ErrUnsatisfiableRange
	}
	end := rng.End + 1
	if end > int64(len(plain)) {
		end = int64(len(plain))
	}
	return plain[rng.Start:end], nil
}
