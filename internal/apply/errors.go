package apply

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Apply that stems from the pushed data
// wraps exactly one of these.
var (
	ErrInvalidRow        = errors.New("sync_invalid_row")
	ErrConflict          = errors.New("sync_conflict")
	ErrDependencyMissing = errors.New("sync_dependency_missing")
	ErrPolicyDenied      = errors.New("sync_policy_denied")
	ErrInvalidRequest    = errors.New("sync_invalid_request")
)

// SyncError is a batch-level failure with enough structure for a caller to
// decide whether to retry, repair rows, or give up.
type SyncError struct {
	Kind   error
	Table  string
	Count  int
	Reason string
}

func (e *SyncError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrConflict), errors.Is(e.Kind, ErrDependencyMissing):
		return fmt.Sprintf("%s: %s (%d)", e.Kind, e.Table, e.Count)
	case errors.Is(e.Kind, ErrPolicyDenied), errors.Is(e.Kind, ErrInvalidRequest):
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Table)
	}
}

func (e *SyncError) Unwrap() error {
	return e.Kind
}

func conflictError(table string, n int) error {
	return &SyncError{Kind: ErrConflict, Table: table, Count: n}
}

func dependencyError(table string, n int) error {
	return &SyncError{Kind: ErrDependencyMissing, Table: table, Count: n}
}

func policyError(table, format string, args ...any) error {
	return &SyncError{Kind: ErrPolicyDenied, Table: table, Reason: table + ": " + fmt.Sprintf(format, args...)}
}
