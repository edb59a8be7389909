package cluster

import (
	"errors"
	"fmt"

	"github.com/convergd/convergd/internal/manifest"
)

// NotFoundError reports a missing object.
type NotFoundError struct {
	Key manifest.Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object %s not found", e.Key)
}

// ConflictError reports an ownership violation: the object is already
// managed by a different owner. Conflicts are never resolved silently.
type ConflictError struct {
	Key   manifest.Key
	Owner string // conflicting owner when the backend reports one
	Err   error  // underlying backend error, may be nil
}

func (e *ConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("object %s is owned by %q", e.Key, e.Owner)
	}
	if e.Err != nil {
		return fmt.Sprintf("apply conflict on %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("apply conflict on %s", e.Key)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ValidationError reports a manifest the backend rejected as invalid.
type ValidationError struct {
	Key    manifest.Key
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %s", e.Key, e.Reason)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}
