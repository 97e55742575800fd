// Package apperror defines the failure categories shared by every store
// adapter and workflow. Adapters translate driver errors into these
// sentinels at the boundary so callers branch with errors.Is instead of
// driver-specific checks.
package apperror

import "errors"

var (
	ErrNotFound         = errors.New("record not found")
	ErrConflict         = errors.New("write conflict")
	ErrUnavailable      = errors.New("store unavailable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidData      = errors.New("invalid data")
)

// Retryable reports whether err may succeed on a later attempt.
// NotFound is excluded: it is an expected outcome, not a fault.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}

// Fatal reports whether retrying err is pointless for any caller.
func Fatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrInvalidData)
}
