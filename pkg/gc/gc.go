// Package gc removes block frames that no live manifest references.
//
// Reference counts are the fast signal: a hash whose rows sum to zero
// is a deletion candidate. Counts can drift under crashes, so every
// candidate is re-verified against the manifests of live files and
// retained versions before its frame is touched. A candidate that
// turns out to still be referenced has its count rebuilt instead.
package gc

import (
	"context"
	"time"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/metadata"
)

// Stats holds statistics about one garbage collection run.
type Stats struct {
	Candidates     int   `json:"candidates"`      // zero-count hashes examined
	Deleted        int   `json:"deleted"`         // frames removed from disk
	Repaired       int   `json:"repaired"`        // counts rebuilt from live manifests
	VersionsPruned int   `json:"versions_pruned"` // version rows expired by retention
	Orphans        int   `json:"orphans"`         // on-disk frames no row names
	BytesReclaimed int64 `json:"bytes_reclaimed"` // plaintext bytes freed
	Errors         int   `json:"errors"`          // non-fatal errors encountered
}

// Options configures a garbage collection run.
type Options struct {
	// BatchSize caps the number of candidates per run. 0 means no cap.
	BatchSize int

	// DryRun reports what would be deleted without touching anything.
	DryRun bool

	// Retention expires versions older than this before the sweep, so
	// the refs they held become candidates in the same run. Zero skips
	// version pruning entirely.
	Retention time.Duration

	// MaxVersionsPerFile keeps at most this many versions per file
	// regardless of age. 0 means no cap.
	MaxVersionsPerFile int

	// ScanOrphans walks the read tiers after the sweep and logs block
	// frames that no row names. Orphans are never deleted here; they
	// are left for an operator.
	ScanOrphans bool
}

// Collector wires the metadata store and block store for GC runs.
type Collector struct {
	meta   *metadata.Store
	blocks *cas.Store
	filter *cas.BlockFilter
}

// NewCollector builds a collector. filter may be nil; when set it is
// reset after a run that deleted frames, shedding stale positives.
func NewCollector(meta *metadata.Store, blocks *cas.Store, filter *cas.BlockFilter) *Collector {
	return &Collector{meta: meta, blocks: blocks, filter: filter}
}

// CollectGarbage prunes expired versions, then sweeps zero-count
// hashes. Per-candidate errors are counted and skipped; the run always
// returns a summary.
func (c *Collector) CollectGarbage(ctx context.Context, options *Options) *Stats {
	stats := &Stats{}
	if options == nil {
		options = &Options{}
	}

	if options.Retention > 0 {
		c.pruneVersions(ctx, options, stats)
	}

	hashes, err := c.meta.ZeroRefHashes(ctx, options.BatchSize)
	if err != nil {
		logger.Error("gc: candidate scan failed", logger.KeyError, err)
		stats.Errors++
		return stats
	}

	for _, hash := range hashes {
		if ctx.Err() != nil {
			logger.Info("gc: cancelled", "deleted", stats.Deleted)
			return stats
		}
		stats.Candidates++
		c.sweep(ctx, hash, options, stats)
	}

	if c.filter != nil && stats.Deleted > 0 && !options.DryRun {
		c.filter.Reset()
	}

	if options.ScanOrphans {
		c.scanOrphans(ctx, stats)
	}

	logger.Info("gc: complete",
		"candidates", stats.Candidates,
		"deleted", stats.Deleted,
		"repaired", stats.Repaired,
		"versionsPruned", stats.VersionsPruned,
		"orphans", stats.Orphans,
		"bytesReclaimed", stats.BytesReclaimed,
		"dryRun", options.DryRun,
		"errors", stats.Errors)
	return stats
}

// sweep handles one zero-count candidate: re-verify, then repair or
// delete.
func (c *Collector) sweep(ctx context.Context, hash string, options *Options, stats *Stats) {
	holders, err := c.meta.ManifestsReferencing(ctx, hash)
	if err != nil {
		logger.Error("gc: re-verify failed", logger.KeyHash, hash, logger.KeyError, err)
		stats.Errors++
		return
	}

	if len(holders) > 0 {
		// The count drifted low while manifests still name the hash.
		// Each holder contributes one reference.
		if options.DryRun {
			stats.Repaired++
			return
		}
		if err := c.meta.RepairBlockRef(ctx, hash, len(holders)); err != nil {
			logger.Error("gc: repair failed", logger.KeyHash, hash, logger.KeyError, err)
			stats.Errors++
			return
		}
		stats.Repaired++
		logger.Warn("gc: rebuilt reference count",
			logger.KeyHash, hash, "holders", len(holders))
		return
	}

	size, err := c.meta.BlockSize(ctx, hash)
	if err != nil && err != metadata.ErrNotFound {
		logger.Error("gc: size lookup failed", logger.KeyHash, hash, logger.KeyError, err)
		stats.Errors++
		return
	}

	if options.DryRun {
		stats.Deleted++
		stats.BytesReclaimed += size
		return
	}

	// Disk first, rows second: a crash between the two leaves rows
	// pointing at a missing frame, which the next run deletes cleanly.
	// The reverse order would leak the frame forever.
	if err := c.blocks.DeleteBlock(ctx, hash); err != nil {
		logger.Error("gc: frame delete failed", logger.KeyHash, hash, logger.KeyError, err)
		stats.Errors++
		return
	}
	if err := c.meta.DeleteBlockRows(ctx, hash); err != nil {
		logger.Error("gc: row delete failed", logger.KeyHash, hash, logger.KeyError, err)
		stats.Errors++
		return
	}
	if err := c.meta.DeleteBackupRecord(ctx, hash); err != nil {
		logger.Warn("gc: backup record delete failed", logger.KeyHash, hash, logger.KeyError, err)
		stats.Errors++
	}

	stats.Deleted++
	stats.BytesReclaimed += size
	logger.Debug("gc: deleted block", logger.KeyHash, hash, logger.KeySize, size)
}

// scanOrphans logs block frames no row names. A frame can outlive its
// rows when a row delete lands but a later crash loses the audit trail,
// or when frames are copied in by hand; either way deletion is an
// operator call, not ours.
func (c *Collector) scanOrphans(ctx context.Context, stats *Stats) {
	for _, tier := range []cas.Tier{cas.TierCache, cas.TierWarm, cas.TierCold} {
		err := c.blocks.WalkTier(ctx, tier, func(e cas.Entry) error {
			if e.Object {
				return nil
			}
			exists, err := c.meta.BlockExists(ctx, e.Hash)
			if err != nil {
				return err
			}
			if !exists {
				stats.Orphans++
				logger.Warn("gc: orphan frame",
					logger.KeyHash, e.Hash, logger.KeyTier, tier, logger.KeySize, e.Size)
			}
			return nil
		})
		if err != nil {
			logger.Error("gc: orphan scan failed", logger.KeyTier, tier, logger.KeyError, err)
			stats.Errors++
		}
	}
}

// pruneVersions expires retained versions and releases the block refs
// they held.
func (c *Collector) pruneVersions(ctx context.Context, options *Options, stats *Stats) {
	if options.DryRun {
		return
	}
	pruned, err := c.meta.PruneVersions(ctx, options.Retention, options.MaxVersionsPerFile)
	if err != nil {
		logger.Error("gc: version prune failed", logger.KeyError, err)
		stats.Errors++
		return
	}
	for _, v := range pruned {
		if _, err := c.meta.ReleaseManifestRefs(ctx, v.Manifest); err != nil {
			logger.Error("gc: version ref release failed",
				"version", v.ID, logger.KeyError, err)
			stats.Errors++
			continue
		}
		stats.VersionsPruned++
	}
}
