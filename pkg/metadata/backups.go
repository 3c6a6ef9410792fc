package metadata

import "context"

// RecordBackup marks a block frame as offloaded. Re-recording the same
// hash updates the existing row.
func (s *Store) RecordBackup(ctx context.Context, rec *BackupRecord) error {
	err := s.db.WithContext(ctx).Create(rec).Error
	if isUniqueConstraintError(err) {
		return s.db.WithContext(ctx).Model(&BackupRecord{}).
			Where("block_hash = ?", rec.BlockHash).
			Updates(map[string]any{
				"bucket":      rec.Bucket,
				"key":         rec.Key,
				"size":        rec.Size,
				"uploaded_at": rec.UploadedAt,
			}).Error
	}
	return err
}

// BackupForHash returns the backup record of a hash, if any.
func (s *Store) BackupForHash(ctx context.Context, hash string) (*BackupRecord, error) {
	var rec BackupRecord
	if err := s.db.WithContext(ctx).First(&rec, "block_hash = ?", hash).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &rec, nil
}

// DeleteBackupRecord forgets a hash's backup entry. Called after GC
// removes the remote object.
func (s *Store) DeleteBackupRecord(ctx context.Context, hash string) error {
	return s.db.WithContext(ctx).Where("block_hash = ?", hash).Delete(&BackupRecord{}).Error
}
