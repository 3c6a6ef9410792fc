package metadata

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned on unique constraint violations.
	ErrDuplicate = errors.New("record already exists")

	// ErrQuotaExceeded is returned when an upload would push a user's
	// logical usage past their quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrHasReferences is returned when a delete must be refused
	// because other rows still depend on the target.
	ErrHasReferences = errors.New("file still referenced")
)
