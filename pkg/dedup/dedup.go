// Package dedup implements the deduplication pipeline that runs when an
// upload completes.
//
// Two levels are attempted in order:
//
//  1. Full-file: a file whose content hash and size match an existing
//     non-reference file becomes a reference row sharing the target's
//     payload. No bytes are written.
//  2. Block-level: the plaintext is split with content-defined
//     chunking, each block is convergently encrypted and stored once
//     per distinct hash across the whole store.
//
// Payloads smaller than the minimum block size gain nothing from
// chunking and stay in the single-object layout.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/envelope"
	"github.com/edgecloud/edgestore/pkg/manifest"
	"github.com/edgecloud/edgestore/pkg/metadata"
)

// Pipeline holds the shared state of the dedup write path.
type Pipeline struct {
	meta      *metadata.Store
	blocks    *cas.Store
	filter    *cas.BlockFilter
	crossUser bool
}

// New builds a pipeline. The bloom filter fronts the block existence
// query; crossUser widens full-file matching beyond the uploader.
func New(meta *metadata.Store, blocks *cas.Store, filter *cas.BlockFilter, crossUser bool) *Pipeline {
	return &Pipeline{meta: meta, blocks: blocks, filter: filter, crossUser: crossUser}
}

// Result describes what the pipeline decided for one payload.
type Result struct {
	// StorageType is the layout the file row should use.
	StorageType metadata.StorageType

	// Manifest reconstructs the payload. Nil when StorageType is
	// single: the caller stores the object itself.
	Manifest *manifest.Manifest

	// Blocks are the reference-count inputs for the metadata
	// transaction (content-addressed results only).
	Blocks []metadata.BlockInput

	// ReferenceTarget is the matched file for full-file duplicates.
	ReferenceTarget *metadata.File

	// TotalBlocks and DupBlocks count manifest entries.
	TotalBlocks int
	DupBlocks   int

	// SavedBytes is how much of the payload was not newly stored.
	SavedBytes int64
}

// Process decides the layout for a completed upload's plaintext.
// contentHash is the hex SHA-256 of data, already computed by the
// upload path.
func (p *Pipeline) Process(ctx context.Context, userID string, data []byte, contentHash string) (*Result, error) {
	size := int64(len(data))

	target, err := p.meta.FindDuplicateFile(ctx, userID, contentHash, size, p.crossUser)
	if err != nil && err != metadata.ErrNotFound {
		return nil, fmt.Errorf("full-file dedup lookup: %w", err)
	}
	if err == nil {
		logger.Debug("full-file duplicate detected",
			logger.KeyHash, contentHash, "target_file", target.ID)
		return &Result{
			StorageType:     metadata.StorageReference,
			Manifest:        manifest.Reference(target.ID, size),
			ReferenceTarget: target,
			SavedBytes:      size,
		}, nil
	}

	// Below the minimum block size chunking cannot produce more than
	// one block; keep the single-object layout.
	if size < cas.MinBlockSize {
		return &Result{StorageType: metadata.StorageSingle}, nil
	}

	return p.processBlocks(ctx, data)
}

// processBlocks runs content-defined chunking with convergent
// encryption and per-block dedup.
func (p *Pipeline) processBlocks(ctx context.Context, data []byte) (*Result, error) {
	result := &Result{StorageType: metadata.StorageContentAddressed}

	var (
		refs     []manifest.BlockRef
		offset   int64
		seenHere = make(map[string]bool)
	)
	err := cas.SplitBytes(data, func(block []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum := sha256.Sum256(block)
		hexHash := hex.EncodeToString(sum[:])
		blockSize := int64(len(block))

		dup, err := p.isKnown(ctx, hexHash, seenHere)
		if err != nil {
			return err
		}
		if !dup {
			frame, err := envelope.SealBlock(sum[:], hexHash, block)
			if err != nil {
				return fmt.Errorf("seal block %s: %w", hexHash, err)
			}
			if _, err := p.blocks.WriteBlock(ctx, hexHash, frame); err != nil {
				return fmt.Errorf("store block %s: %w", hexHash, err)
			}
			p.filter.Add(hexHash)
		} else {
			// A row with no frame means a prior writer crashed between
			// the metadata commit and the flush, or the frame was
			// quarantined. Convergent encryption makes the rewrite
			// byte-identical, so re-materialize it here.
			if !seenHere[hexHash] && !p.blocks.HasBlock(ctx, hexHash) {
				frame, err := envelope.SealBlock(sum[:], hexHash, block)
				if err != nil {
					return fmt.Errorf("seal block %s: %w", hexHash, err)
				}
				if _, err := p.blocks.WriteBlock(ctx, hexHash, frame); err != nil {
					return fmt.Errorf("restore block %s: %w", hexHash, err)
				}
				logger.Warn("re-materialized missing block frame", logger.KeyHash, hexHash)
			}
			result.DupBlocks++
			result.SavedBytes += blockSize
		}

		refs = append(refs, manifest.BlockRef{
			Hash:      hexHash,
			Size:      blockSize,
			Offset:    offset,
			Duplicate: dup,
		})
		if !seenHere[hexHash] {
			seenHere[hexHash] = true
			result.Blocks = append(result.Blocks, metadata.BlockInput{
				Hash:      hexHash,
				Size:      blockSize,
				Offset:    offset,
				Duplicate: dup,
			})
		}
		offset += blockSize
		result.TotalBlocks++
		return nil
	})
	if err != nil {
		return nil, err
	}

	m := manifest.Chunked(refs, true)
	m.SavedSize = result.SavedBytes
	if len(data) > 0 {
		m.DedupRatio = float64(result.SavedBytes) / float64(len(data)) * 100
	}
	result.Manifest = m
	return result, nil
}

// isKnown reports whether a hash already exists, checking this payload
// first, then the bloom filter, then the authoritative block table.
// A fresh filter misses hashes recorded before process start, so a
// filter miss still falls through to the store when the frame exists
// on disk.
func (p *Pipeline) isKnown(ctx context.Context, hexHash string, seenHere map[string]bool) (bool, error) {
	if seenHere[hexHash] {
		return true, nil
	}
	if !p.filter.MayContain(hexHash) && !p.blocks.HasBlock(ctx, hexHash) {
		return false, nil
	}
	exists, err := p.meta.BlockExists(ctx, hexHash)
	if err != nil {
		return false, fmt.Errorf("block lookup %s: %w", hexHash, err)
	}
	if exists {
		p.filter.Add(hexHash)
	}
	return exists, nil
}

// WarmFilter seeds the bloom filter from the block table, typically at
// startup.
func (p *Pipeline) WarmFilter(ctx context.Context) error {
	var hashes []string
	err := p.meta.DB().WithContext(ctx).Model(&metadata.Block{}).
		Distinct("block_hash").Pluck("block_hash", &hashes).Error
	if err != nil {
		return err
	}
	for _, h := range hashes {
		p.filter.Add(h)
	}
	logger.Debug("bloom filter warmed", "hashes", len(hashes))
	return nil
}
