package metadata

import (
	"context"

	"github.com/edgecloud/edgestore/pkg/manifest"
)

// UserStats summarizes one user's storage.
type UserStats struct {
	FileCount    int64                 `json:"file_count"`
	LogicalBytes int64                 `json:"logical_bytes"`
	StorageQuota int64                 `json:"storage_quota"`
	StorageUsed  int64                 `json:"storage_used"`
	SavedBytes   int64                 `json:"saved_bytes"`
	ByType       map[StorageType]int64 `json:"by_type"`
}

// DedupStats summarizes block-level deduplication across the store.
type DedupStats struct {
	UniqueBlocks    int64   `json:"unique_blocks"`
	TotalReferences int64   `json:"total_references"`
	UniqueBytes     int64   `json:"unique_bytes"`
	ReferencedBytes int64   `json:"referenced_bytes"`
	SavedBytes      int64   `json:"saved_bytes"`
	DedupRatio      float64 `json:"dedup_ratio"`
}

// StorageStats returns a user's usage summary. Saved bytes are summed
// from manifests, which record what each upload deduplicated away.
func (s *Store) StorageStats(ctx context.Context, userID string) (*UserStats, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &UserStats{
		StorageQuota: user.StorageQuota,
		StorageUsed:  user.StorageUsed,
		ByType:       make(map[StorageType]int64),
	}

	var files []File
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&files).Error; err != nil {
		return nil, err
	}
	for _, f := range files {
		stats.FileCount++
		stats.LogicalBytes += f.FileSize
		stats.ByType[f.StorageType]++
		if m, err := manifest.Decode(f.Manifest); err == nil {
			stats.SavedBytes += m.SavedSize
		}
	}
	return stats, nil
}

// TierDistribution counts a user's files per placement tier.
func (s *Store) TierDistribution(ctx context.Context, userID string) (map[string]int64, error) {
	type row struct {
		Tier  string
		Count int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&File{}).
		Select("tier, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Group("tier").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	dist := make(map[string]int64, len(rows))
	for _, r := range rows {
		dist[r.Tier] = r.Count
	}
	return dist, nil
}

// GlobalDedupStats aggregates the block table. Referenced bytes weight
// each hash's size by its effective reference count; the ratio is the
// share of referenced bytes dedup avoided storing.
func (s *Store) GlobalDedupStats(ctx context.Context) (*DedupStats, error) {
	type row struct {
		BlockHash string
		Size      int64
		Refs      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Block{}).
		Select("block_hash, MAX(size) AS size, SUM(reference_count) AS refs").
		Group("block_hash").Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &DedupStats{}
	for _, r := range rows {
		if r.Refs <= 0 {
			continue
		}
		stats.UniqueBlocks++
		stats.TotalReferences += r.Refs
		stats.UniqueBytes += r.Size
		stats.ReferencedBytes += r.Size * r.Refs
	}
	stats.SavedBytes = stats.ReferencedBytes - stats.UniqueBytes
	if stats.ReferencedBytes > 0 {
		stats.DedupRatio = float64(stats.SavedBytes) / float64(stats.ReferencedBytes) * 100
	}
	return stats, nil
}
