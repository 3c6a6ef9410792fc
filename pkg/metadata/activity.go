package metadata

import (
	"context"
	"time"
)

// Activity severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityHigh    = "high"
)

// LogActivity appends an event to the activity log. Logging failures
// are returned but callers generally treat them as non-fatal.
func (s *Store) LogActivity(ctx context.Context, entry *ActivityLog) error {
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// ListActivity returns a page of a user's events, newest first.
func (s *Store) ListActivity(ctx context.Context, userID string, limit, offset int) ([]ActivityLog, int64, error) {
	var total int64
	q := s.db.WithContext(ctx).Model(&ActivityLog{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []ActivityLog
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entries).Error
	return entries, total, err
}

// PruneActivity deletes events older than the cutoff.
func (s *Store) PruneActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).Delete(&ActivityLog{})
	return res.RowsAffected, res.Error
}
