package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/edgecloud/edgestore/pkg/manifest"
)

// BlockInput describes one distinct block of a new file for reference
// counting. Duplicate marks hashes that already existed in the store.
type BlockInput struct {
	Hash      string
	Size      int64
	Offset    int64
	Duplicate bool
}

// CreateFile inserts a file row that references no CAS blocks (inline,
// single or reference layouts), reserving quota in the same
// transaction.
func (s *Store) CreateFile(ctx context.Context, file *File) error {
	return s.CreateFileWithBlocks(ctx, file, nil)
}

// CreateFileWithBlocks atomically inserts a file row, records its block
// references and reserves the user's quota. Each distinct hash gains
// exactly one reference: new hashes get a fresh row, duplicate hashes
// increment an existing one. A quota failure rolls everything back.
func (s *Store) CreateFileWithBlocks(ctx context.Context, file *File, blocks []BlockInput) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := reserveQuota(tx, file.UserID, file.FileSize); err != nil {
			return err
		}
		if err := tx.Create(file).Error; err != nil {
			return err
		}

		seen := make(map[string]bool, len(blocks))
		for _, b := range blocks {
			if seen[b.Hash] {
				continue
			}
			seen[b.Hash] = true
			if b.Duplicate {
				if err := incrementBlockRef(tx, b.Hash, file.ID, b.Size, b.Offset); err != nil {
					return err
				}
				continue
			}
			if err := tx.Create(&Block{
				BlockHash:      b.Hash,
				FileID:         file.ID,
				Size:           b.Size,
				Offset:         b.Offset,
				ReferenceCount: 1,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetFile returns a file row scoped to its owner.
func (s *Store) GetFile(ctx context.Context, userID, fileID string) (*File, error) {
	var file File
	err := s.db.WithContext(ctx).
		First(&file, "id = ? AND user_id = ?", fileID, userID).Error
	if err != nil {
		return nil, convertNotFoundError(err)
	}
	return &file, nil
}

// GetFileAny returns a file row regardless of owner. Used to resolve
// reference targets, which may belong to another user when cross-user
// deduplication is enabled.
func (s *Store) GetFileAny(ctx context.Context, fileID string) (*File, error) {
	var file File
	if err := s.db.WithContext(ctx).First(&file, "id = ?", fileID).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &file, nil
}

// ListFiles returns a page of a user's files, newest first.
func (s *Store) ListFiles(ctx context.Context, userID, folderID string, limit, offset int) ([]File, int64, error) {
	var total int64
	q := s.db.WithContext(ctx).Model(&File{}).Where("user_id = ?", userID)
	if folderID != "" {
		q = q.Where("folder_id = ?", folderID)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var files []File
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&files).Error
	return files, total, err
}

// FindFileByName returns a user's file by name. Names are unique per
// user from the API's point of view; re-uploads replace.
func (s *Store) FindFileByName(ctx context.Context, userID, fileName string) (*File, error) {
	var file File
	err := s.db.WithContext(ctx).
		First(&file, "user_id = ? AND file_name = ?", userID, fileName).Error
	if err != nil {
		return nil, convertNotFoundError(err)
	}
	return &file, nil
}

// FindDuplicateFile returns the oldest non-reference file with the same
// content hash and size, for full-file deduplication. The search is
// scoped to the uploading user unless crossUser is set.
func (s *Store) FindDuplicateFile(ctx context.Context, userID, contentHash string, size int64, crossUser bool) (*File, error) {
	q := s.db.WithContext(ctx).
		Where("content_hash = ? AND file_size = ?", contentHash, size).
		Where("storage_type <> ?", StorageReference)
	if !crossUser {
		q = q.Where("user_id = ?", userID)
	}
	var file File
	if err := q.Order("created_at").First(&file).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &file, nil
}

// TouchLastAccessed stamps a file's last access time. Downloads call
// this; HEAD requests do not.
func (s *Store) TouchLastAccessed(ctx context.Context, fileID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&File{}).Where("id = ?", fileID).
		Update("last_accessed", &now).Error
}

// UpdateTier records the tier a file's payload currently lives in.
func (s *Store) UpdateTier(ctx context.Context, fileID, tier string) error {
	return s.db.WithContext(ctx).Model(&File{}).Where("id = ?", fileID).
		Update("tier", tier).Error
}

// FilesColderThan returns files whose payload sits in the given tier
// and has not been accessed since the cutoff. Files never accessed fall
// back to their creation time. An empty userID matches all users.
func (s *Store) FilesColderThan(ctx context.Context, userID, tier string, cutoff time.Time) ([]File, error) {
	q := s.db.WithContext(ctx).
		Where("tier = ?", tier).
		Where("COALESCE(last_accessed, created_at) < ?", cutoff)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var files []File
	err := q.Find(&files).Error
	return files, err
}

// DeleteResult reports what a file deletion changed, so callers can
// clean up disk state.
type DeleteResult struct {
	// File is the deleted row.
	File *File

	// PromotedFileID is the reference row that inherited the payload
	// when dependents existed, empty otherwise.
	PromotedFileID string

	// DecrementedHashes are the distinct block hashes whose reference
	// count was lowered. The garbage collector deletes the frames that
	// reached zero.
	DecrementedHashes []string

	// RemoveObjectHash is set when the single-object frame for this
	// content hash can be removed from disk immediately.
	RemoveObjectHash string
}

// DeleteFile removes a file row, releases its quota and adjusts block
// reference counts.
//
// When other rows reference the deleted file, the oldest reference is
// promoted: it inherits the payload's manifest, envelope key and
// content identity, and remaining references are re-pointed at it. The
// stored data never becomes orphaned while a dependent exists.
func (s *Store) DeleteFile(ctx context.Context, userID, fileID string) (*DeleteResult, error) {
	result := &DeleteResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file File
		if err := tx.First(&file, "id = ? AND user_id = ?", fileID, userID).Error; err != nil {
			return convertNotFoundError(err)
		}
		result.File = &file

		if err := tx.Delete(&File{}, "id = ?", file.ID).Error; err != nil {
			return err
		}
		if err := reserveQuota(tx, file.UserID, -file.FileSize); err != nil {
			return err
		}

		if file.StorageType == StorageReference {
			return nil
		}

		var refs []File
		if err := tx.Where("ref_target = ?", file.ID).Order("created_at").Find(&refs).Error; err != nil {
			return err
		}
		if len(refs) > 0 {
			return promoteReference(tx, &file, refs, result)
		}

		switch file.StorageType {
		case StorageChunked, StorageContentAddressed:
			m, err := manifest.Decode(file.Manifest)
			if err != nil {
				return fmt.Errorf("manifest of %s: %w", file.ID, err)
			}
			for _, hash := range m.DistinctHashes() {
				if err := decrementBlockRef(tx, hash); err != nil {
					return err
				}
				result.DecrementedHashes = append(result.DecrementedHashes, hash)
			}
		case StorageSingle:
			shared, err := singleObjectInUse(tx, file.ContentHash)
			if err != nil {
				return err
			}
			if !shared {
				result.RemoveObjectHash = file.ContentHash
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// singleObjectInUse reports whether any live file or retained version
// still reads the single-object frame for hash. Single frames are
// addressed by content hash alone, so rows of any user can share one.
func singleObjectInUse(tx *gorm.DB, hash string) (bool, error) {
	var n int64
	err := tx.Model(&File{}).
		Where("content_hash = ? AND storage_type = ?", hash, StorageSingle).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	err = tx.Model(&FileVersion{}).
		Where("content_hash = ? AND storage_type = ?", hash, StorageSingle).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// promoteReference migrates a deleted file's payload identity onto its
// oldest dependent and re-points the remaining dependents at it.
func promoteReference(tx *gorm.DB, file *File, refs []File, result *DeleteResult) error {
	promoted := refs[0]
	if err := tx.Model(&File{}).Where("id = ?", promoted.ID).Updates(map[string]any{
		"storage_type":  file.StorageType,
		"content_hash":  file.ContentHash,
		"encrypted_key": file.EncryptedKey,
		"manifest":      file.Manifest,
		"ref_target":    "",
		"tier":          file.Tier,
		"updated_at":    time.Now(),
	}).Error; err != nil {
		return err
	}
	result.PromotedFileID = promoted.ID

	for _, ref := range refs[1:] {
		m, err := manifest.Decode(ref.Manifest)
		if err != nil {
			return fmt.Errorf("manifest of %s: %w", ref.ID, err)
		}
		m.TargetFileID = promoted.ID
		encoded, err := m.Encode()
		if err != nil {
			return err
		}
		if err := tx.Model(&File{}).Where("id = ?", ref.ID).Updates(map[string]any{
			"ref_target": promoted.ID,
			"manifest":   encoded,
			"updated_at": time.Now(),
		}).Error; err != nil {
			return err
		}
	}
	return nil
}

// ReleaseManifestRefs decrements the reference count of every distinct
// block hash a stored manifest names. Used when a pruned version stops
// keeping its payload alive. Returns the decremented hashes.
func (s *Store) ReleaseManifestRefs(ctx context.Context, manifestData []byte) ([]string, error) {
	m, err := manifest.Decode(manifestData)
	if err != nil {
		return nil, err
	}
	if m.Type != manifest.TypeChunked {
		return nil, nil
	}
	hashes := m.DistinctHashes()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, hash := range hashes {
			if err := decrementBlockRef(tx, hash); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

// ManifestsReferencing returns the IDs of live files and retained
// versions whose manifest names the given block hash. GC uses it to
// re-verify a zero count before deleting a frame.
func (s *Store) ManifestsReferencing(ctx context.Context, hash string) ([]string, error) {
	blockTypes := []StorageType{StorageChunked, StorageContentAddressed}

	var files []File
	err := s.db.WithContext(ctx).
		Where("storage_type IN ?", blockTypes).Find(&files).Error
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, f := range files {
		m, err := manifest.Decode(f.Manifest)
		if err != nil {
			continue
		}
		if m.ContainsHash(hash) {
			ids = append(ids, f.ID)
		}
	}

	var versions []FileVersion
	err = s.db.WithContext(ctx).
		Where("storage_type IN ?", blockTypes).Find(&versions).Error
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		m, err := manifest.Decode(v.Manifest)
		if err != nil {
			continue
		}
		if m.ContainsHash(hash) {
			ids = append(ids, "version:"+v.ID)
		}
	}
	return ids, nil
}
