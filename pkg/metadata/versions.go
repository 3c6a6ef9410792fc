package metadata

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SnapshotVersion copies a file row into the version history. Called
// before the row is overwritten by a re-upload of the same name. The
// version keeps the old manifest and wrapped key, so the previous
// content stays reconstructable; block references are not re-counted
// here — the caller keeps them alive until the version is pruned.
func (s *Store) SnapshotVersion(ctx context.Context, file *File) (*FileVersion, error) {
	version := &FileVersion{
		ID:           uuid.NewString(),
		FileID:       file.ID,
		FileName:     file.FileName,
		FileSize:     file.FileSize,
		ContentHash:  file.ContentHash,
		StorageType:  file.StorageType,
		EncryptedKey: file.EncryptedKey,
		Manifest:     file.Manifest,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest FileVersion
		err := tx.Where("file_id = ?", file.ID).
			Order("version_number DESC").First(&latest).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			version.VersionNumber = 1
		case err != nil:
			return err
		default:
			version.VersionNumber = latest.VersionNumber + 1
		}
		return tx.Create(version).Error
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// RetireFileForVersion removes a file row that was just snapshotted,
// releasing its quota but leaving block reference counts untouched:
// the snapshot keeps the old payload alive until retention prunes it.
func (s *Store) RetireFileForVersion(ctx context.Context, fileID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file File
		if err := tx.First(&file, "id = ?", fileID).Error; err != nil {
			return convertNotFoundError(err)
		}
		if err := tx.Delete(&File{}, "id = ?", file.ID).Error; err != nil {
			return err
		}
		return reserveQuota(tx, file.UserID, -file.FileSize)
	})
}

// ListVersions returns a file's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, fileID string) ([]FileVersion, error) {
	var versions []FileVersion
	err := s.db.WithContext(ctx).Where("file_id = ?", fileID).
		Order("version_number DESC").Find(&versions).Error
	return versions, err
}

// GetVersion returns one version of a file.
func (s *Store) GetVersion(ctx context.Context, fileID string, number int) (*FileVersion, error) {
	var version FileVersion
	err := s.db.WithContext(ctx).
		First(&version, "file_id = ? AND version_number = ?", fileID, number).Error
	if err != nil {
		return nil, convertNotFoundError(err)
	}
	return &version, nil
}

// RestoreVersion makes a version the current content of its file: the
// current row is snapshotted first, then the version's identity fields
// are copied back.
func (s *Store) RestoreVersion(ctx context.Context, userID, fileID string, number int) (*File, error) {
	var restored File
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file File
		if err := tx.First(&file, "id = ? AND user_id = ?", fileID, userID).Error; err != nil {
			return convertNotFoundError(err)
		}
		var version FileVersion
		if err := tx.First(&version, "file_id = ? AND version_number = ?", fileID, number).Error; err != nil {
			return convertNotFoundError(err)
		}

		var latest FileVersion
		next := 1
		err := tx.Where("file_id = ?", fileID).
			Order("version_number DESC").First(&latest).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		if err == nil {
			next = latest.VersionNumber + 1
		}
		snapshot := &FileVersion{
			ID:            uuid.NewString(),
			FileID:        file.ID,
			VersionNumber: next,
			FileName:      file.FileName,
			FileSize:      file.FileSize,
			ContentHash:   file.ContentHash,
			StorageType:   file.StorageType,
			EncryptedKey:  file.EncryptedKey,
			Manifest:      file.Manifest,
		}
		if err := tx.Create(snapshot).Error; err != nil {
			return err
		}

		delta := version.FileSize - file.FileSize
		if delta != 0 {
			if err := reserveQuota(tx, file.UserID, delta); err != nil {
				return err
			}
		}
		if err := tx.Model(&File{}).Where("id = ?", file.ID).Updates(map[string]any{
			"file_name":     version.FileName,
			"file_size":     version.FileSize,
			"content_hash":  version.ContentHash,
			"storage_type":  version.StorageType,
			"encrypted_key": version.EncryptedKey,
			"manifest":      version.Manifest,
			"updated_at":    time.Now(),
		}).Error; err != nil {
			return err
		}
		return tx.First(&restored, "id = ?", file.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &restored, nil
}

// PruneVersions deletes versions older than retention, and the oldest
// versions beyond maxPerFile, returning the pruned rows so the caller
// can drop the block references they held.
func (s *Store) PruneVersions(ctx context.Context, retention time.Duration, maxPerFile int) ([]FileVersion, error) {
	var pruned []FileVersion
	cutoff := time.Now().Add(-retention)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []FileVersion
		if err := tx.Where("created_at < ?", cutoff).Find(&expired).Error; err != nil {
			return err
		}
		pruned = append(pruned, expired...)

		if maxPerFile > 0 {
			var fileIDs []string
			if err := tx.Model(&FileVersion{}).
				Distinct("file_id").Pluck("file_id", &fileIDs).Error; err != nil {
				return err
			}
			for _, id := range fileIDs {
				var overflow []FileVersion
				if err := tx.Where("file_id = ? AND created_at >= ?", id, cutoff).
					Order("version_number DESC").
					Offset(maxPerFile).Find(&overflow).Error; err != nil {
					return err
				}
				pruned = append(pruned, overflow...)
			}
		}

		for _, v := range pruned {
			if err := tx.Delete(&FileVersion{}, "id = ?", v.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pruned, nil
}
