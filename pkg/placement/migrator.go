// Package placement demotes cold payloads down the tier ladder. Reads
// probe every tier, so a demotion never breaks access; it only changes
// where the bytes wait.
package placement

import (
	"context"
	"time"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/manifest"
	"github.com/edgecloud/edgestore/pkg/metadata"
	"github.com/edgecloud/edgestore/pkg/metrics"
)

// Config holds the access-age thresholds for demotion.
type Config struct {
	// WarmAfter demotes cache frames untouched for this long.
	WarmAfter time.Duration
	// ColdAfter demotes warm frames untouched for this long.
	ColdAfter time.Duration
}

// Stats summarises one migration pass.
type Stats struct {
	Scanned int `json:"scanned"`
	Demoted int `json:"demoted"`
	Errors  int `json:"errors"`
}

// Migrator walks file rows by access age and moves their frames colder.
type Migrator struct {
	cfg     Config
	meta    *metadata.Store
	blocks  *cas.Store
	metrics *metrics.StorageMetrics
}

// NewMigrator builds a tier migrator.
func NewMigrator(cfg Config, meta *metadata.Store, blocks *cas.Store) *Migrator {
	return &Migrator{cfg: cfg, meta: meta, blocks: blocks}
}

// WithMetrics attaches a demotion counter. A nil recorder is fine.
func (m *Migrator) WithMetrics(rec *metrics.StorageMetrics) *Migrator {
	m.metrics = rec
	return m
}

// Run performs one full migration pass: cache frames past WarmAfter go
// warm, warm frames past ColdAfter go cold. An empty userID covers all
// users; the optimize endpoint passes the caller's ID. Per-file errors
// are counted and skipped so one bad row cannot stall the walk.
func (m *Migrator) Run(ctx context.Context, userID string) (Stats, error) {
	var stats Stats
	now := time.Now()
	passes := []struct {
		from, to cas.Tier
		cutoff   time.Time
	}{
		{cas.TierCache, cas.TierWarm, now.Add(-m.cfg.WarmAfter)},
		{cas.TierWarm, cas.TierCold, now.Add(-m.cfg.ColdAfter)},
	}

	for _, p := range passes {
		files, err := m.meta.FilesColderThan(ctx, userID, string(p.from), p.cutoff)
		if err != nil {
			return stats, err
		}
		for i := range files {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			file := &files[i]
			stats.Scanned++
			if err := m.demote(ctx, file, p.from, p.to); err != nil {
				stats.Errors++
				logger.Warn("tier demotion failed",
					logger.KeyFileID, file.ID,
					logger.KeyTier, string(p.to),
					logger.KeyError, err)
				continue
			}
			stats.Demoted++
			m.metrics.RecordDemotion(string(p.to))
			logger.Debug("demoted",
				logger.KeyFileID, file.ID, logger.KeyTier, string(p.to))
		}
	}
	return stats, nil
}

// demote moves a file's backing frames, then records the new tier.
// Metadata is updated only after every frame move succeeded, so a
// partial failure leaves the row eligible for the next pass. Frames
// shared with other files may already sit in another tier; those moves
// are no-ops.
func (m *Migrator) demote(ctx context.Context, file *metadata.File, from, to cas.Tier) error {
	switch file.StorageType {
	case metadata.StorageInline, metadata.StorageReference:
		// No disk frames of their own; only the row's tier advances.

	case metadata.StorageSingle:
		if err := m.blocks.MoveObject(ctx, file.ContentHash, from, to); err != nil {
			return err
		}

	default:
		man, err := manifest.Decode(file.Manifest)
		if err != nil {
			return err
		}
		for _, hash := range man.DistinctHashes() {
			if err := m.blocks.MoveBlock(ctx, hash, from, to); err != nil {
				return err
			}
		}
	}
	return m.meta.UpdateTier(ctx, file.ID, string(to))
}
