package shared

import "errors"

// Base error kinds. Domain packages wrap these so the HTTP edge can map them
// without importing every domain package.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState indicates an operation on a record in the wrong status.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict indicates the request collides with existing data or stock.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrExternal indicates an upstream collaborator failed.
	ErrExternal = errors.New("external service error")
	// ErrLockNotAcquired is returned when a distributed lock is held elsewhere.
	ErrLockNotAcquired = errors.New("lock not acquired")
)
