// Package metadata provides the relational metadata store: users and
// quotas, file rows with their manifests, block reference counts,
// versions and the activity log. It runs on SQLite for single-node
// deployments and PostgreSQL when HA is needed, through the same GORM
// codebase.
package metadata

import (
	"time"
)

// StorageType records which layout a file row uses.
type StorageType string

const (
	StorageInline           StorageType = "inline"
	StorageSingle           StorageType = "single"
	StorageChunked          StorageType = "chunked"
	StorageContentAddressed StorageType = "content_addressed"
	StorageReference        StorageType = "deduplicated_reference"
)

// User is an account with a storage quota. StorageUsed counts logical
// plaintext bytes; dedup savings do not reduce it. Email is optional;
// it stays NULL when unset so the unique index only binds accounts
// that have one.
type User struct {
	ID           string  `gorm:"primaryKey;size:36"`
	Username     string  `gorm:"uniqueIndex;size:64;not null"`
	Email        *string `gorm:"uniqueIndex;size:255"`
	PasswordHash string `gorm:"size:255;not null"`
	IsAdmin      bool   `gorm:"default:false"`
	StorageQuota int64  `gorm:"not null"`
	StorageUsed  int64  `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// File is the metadata row for one stored object. Manifest holds the
// serialized reconstruction manifest; EncryptedKey is the wrapped
// envelope key, empty for reference rows which share the target's.
type File struct {
	ID           string      `gorm:"primaryKey;size:36"`
	UserID       string      `gorm:"index;size:36;not null"`
	FolderID     string      `gorm:"index;size:36"`
	FileName     string      `gorm:"size:512;not null"`
	FileSize     int64       `gorm:"not null"`
	ContentHash  string      `gorm:"index;size:64;not null"`
	MimeType     string      `gorm:"size:128"`
	StorageType  StorageType `gorm:"size:32;not null"`
	EncryptedKey string      `gorm:"size:128"`
	Manifest     []byte      `gorm:"type:blob"`
	// RefTarget mirrors the manifest's target_file_id for reference
	// rows, so dependents of a file can be found with an index scan.
	RefTarget    string     `gorm:"index;size:36"`
	Tier         string     `gorm:"size:16;default:cache"`
	LastAccessed *time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Block is one reference-count row for a CAS block. Several rows may
// exist for the same hash when blocks were recorded by different
// pipelines; the effective reference count of a hash is the sum over
// its rows. FileID and Offset record the upload that first produced
// the row, for repair and audit.
type Block struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	BlockHash      string `gorm:"index;size:64;not null"`
	FileID         string `gorm:"index;size:36"`
	Size           int64  `gorm:"not null"`
	Offset         int64  `gorm:"not null;default:0"`
	ReferenceCount int    `gorm:"not null;default:1"`
	CreatedAt      time.Time
}

// FileVersion snapshots a file row before it is overwritten, so earlier
// content can be listed and restored until retention prunes it.
type FileVersion struct {
	ID            string      `gorm:"primaryKey;size:36"`
	FileID        string      `gorm:"index;size:36;not null"`
	VersionNumber int         `gorm:"not null"`
	FileName      string      `gorm:"size:512;not null"`
	FileSize      int64       `gorm:"not null"`
	ContentHash   string      `gorm:"size:64;not null"`
	StorageType   StorageType `gorm:"size:32;not null"`
	EncryptedKey  string      `gorm:"size:128"`
	Manifest      []byte      `gorm:"type:blob"`
	CreatedAt     time.Time
}

// ActivityLog records a user-visible event. Severity is "info",
// "warning" or "high"; integrity failures log at high.
type ActivityLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"index;size:36"`
	Action    string    `gorm:"size:64;not null"`
	FileID    string    `gorm:"size:36"`
	Detail    string    `gorm:"size:1024"`
	Severity  string    `gorm:"size:16;default:info"`
	CreatedAt time.Time `gorm:"index"`
}

// BackupRecord tracks a block frame offloaded to the S3 backup bucket.
type BackupRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	BlockHash  string `gorm:"uniqueIndex;size:64;not null"`
	Bucket     string `gorm:"size:255;not null"`
	Key        string `gorm:"size:512;not null"`
	Size       int64  `gorm:"not null"`
	UploadedAt time.Time
}

// AllModels returns every model for AutoMigrate.
func AllModels() []any {
	return []any{
		&User{},
		&File{},
		&Block{},
		&FileVersion{},
		&ActivityLog{},
		&BackupRecord{},
	}
}
