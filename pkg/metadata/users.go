package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultQuota is the storage quota assigned to new users: 10 GiB of
// logical bytes. Dedup savings do not stretch it.
const DefaultQuota int64 = 10 << 30

// CreateUser inserts a new user. A zero quota gets the default.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.StorageQuota == 0 {
		user.StorageQuota = DefaultQuota
	}
	err := s.db.WithContext(ctx).Create(user).Error
	if isUniqueConstraintError(err) {
		return fmt.Errorf("username %q: %w", user.Username, ErrDuplicate)
	}
	return err
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &user, nil
}

// GetUserByUsername returns a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &user, nil
}

// CheckQuota reports whether a user can store size more logical bytes.
// This is the cheap pre-flight check; CreateFileWithBlocks re-checks
// inside its transaction before committing.
func (s *Store) CheckQuota(ctx context.Context, userID string, size int64) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.StorageUsed+size > user.StorageQuota {
		return fmt.Errorf("%w: used %d + %d > quota %d",
			ErrQuotaExceeded, user.StorageUsed, size, user.StorageQuota)
	}
	return nil
}

// reserveQuota adds size to a user's logical usage inside tx, failing
// when the quota would be exceeded. A negative size releases usage.
func reserveQuota(tx *gorm.DB, userID string, size int64) error {
	var user User
	if err := tx.First(&user, "id = ?", userID).Error; err != nil {
		return convertNotFoundError(err)
	}
	used := user.StorageUsed + size
	if used < 0 {
		used = 0
	}
	if size > 0 && used > user.StorageQuota {
		return fmt.Errorf("%w: used %d + %d > quota %d",
			ErrQuotaExceeded, user.StorageUsed, size, user.StorageQuota)
	}
	return tx.Model(&User{}).Where("id = ?", userID).
		Updates(map[string]any{"storage_used": used, "updated_at": time.Now()}).Error
}
