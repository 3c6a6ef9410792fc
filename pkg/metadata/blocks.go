package metadata

import (
	"context"

	"gorm.io/gorm"
)

// BlockExists reports whether any reference row exists for the hash.
// It is a read-only probe used behind the bloom filter; the
// authoritative increment happens transactionally when the owning file
// row is created.
func (s *Store) BlockExists(ctx context.Context, hash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Block{}).
		Where("block_hash = ?", hash).Count(&count).Error
	return count > 0, err
}

// BlockRefCount returns the effective reference count of a hash: the
// sum over all of its rows.
func (s *Store) BlockRefCount(ctx context.Context, hash string) (int, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Block{}).
		Where("block_hash = ?", hash).
		Select("COALESCE(SUM(reference_count), 0)").Scan(&total).Error
	return int(total), err
}

// incrementBlockRef bumps the reference count of a hash inside tx. The
// oldest row for the hash takes the increment; when no row exists yet
// (bloom false positive or a raced delete) a fresh row is inserted.
func incrementBlockRef(tx *gorm.DB, hash, fileID string, size, offset int64) error {
	var block Block
	err := tx.Where("block_hash = ?", hash).Order("id").First(&block).Error
	if err == gorm.ErrRecordNotFound {
		return tx.Create(&Block{
			BlockHash:      hash,
			FileID:         fileID,
			Size:           size,
			Offset:         offset,
			ReferenceCount: 1,
		}).Error
	}
	if err != nil {
		return err
	}
	return tx.Model(&Block{}).Where("id = ?", block.ID).
		Update("reference_count", gorm.Expr("reference_count + 1")).Error
}

// decrementBlockRef lowers the reference count of a hash inside tx.
// The newest positive row takes the decrement; counts may go to zero
// but never below.
func decrementBlockRef(tx *gorm.DB, hash string) error {
	var block Block
	err := tx.Where("block_hash = ? AND reference_count > 0", hash).
		Order("id DESC").First(&block).Error
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return tx.Model(&Block{}).Where("id = ?", block.ID).
		Update("reference_count", gorm.Expr("reference_count - 1")).Error
}

// ZeroRefHashes returns hashes whose effective reference count has
// dropped to zero or below. The garbage collector re-verifies each one
// against live manifests before touching disk.
func (s *Store) ZeroRefHashes(ctx context.Context, limit int) ([]string, error) {
	var hashes []string
	q := s.db.WithContext(ctx).Model(&Block{}).
		Select("block_hash").
		Group("block_hash").
		Having("SUM(reference_count) <= 0")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Scan(&hashes).Error
	return hashes, err
}

// BlockSize returns the plaintext size recorded for a hash.
func (s *Store) BlockSize(ctx context.Context, hash string) (int64, error) {
	var block Block
	err := s.db.WithContext(ctx).Where("block_hash = ?", hash).
		Order("id").First(&block).Error
	if err != nil {
		return 0, convertNotFoundError(err)
	}
	return block.Size, nil
}

// DeleteBlockRows removes every reference row of a hash. Called by the
// garbage collector after the frame is gone from disk.
func (s *Store) DeleteBlockRows(ctx context.Context, hash string) error {
	return s.db.WithContext(ctx).Where("block_hash = ?", hash).Delete(&Block{}).Error
}

// RepairBlockRef resets a hash to a single row with the given count.
// Used when GC finds live manifests still naming a zero-count hash.
func (s *Store) RepairBlockRef(ctx context.Context, hash string, count int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var block Block
		err := tx.Where("block_hash = ?", hash).Order("id").First(&block).Error
		if err != nil {
			return convertNotFoundError(err)
		}
		if err := tx.Where("block_hash = ? AND id <> ?", hash, block.ID).
			Delete(&Block{}).Error; err != nil {
			return err
		}
		return tx.Model(&Block{}).Where("id = ?", block.ID).
			Update("reference_count", count).Error
	})
}
