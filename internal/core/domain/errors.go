package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a business domain error with a structured error code.
// Codes are grouped by subsystem: TREE (forest structure), TXN (transactions),
// DEPL (deployment), SYNC (fan-out), SYS (infrastructure), ARG (arguments).
type DomainError struct {
	Code    string // Error code (e.g., "GV-TREE-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Tree Errors (TREE)
// ============================================================================

var (
	// ErrNotFound indicates the requested snapshot does not exist.
	ErrNotFound = NewDomainError("GV-TREE-4040", "snapshot not found")

	// ErrProtectedBase indicates an operation targeted the protected base
	// snapshot (id 0) or a tree containing it.
	ErrProtectedBase = NewDomainError("GV-TREE-4030", "base snapshot is protected")

	// ErrDefaultInUse indicates a delete targeted the tree containing the
	// current default (next-boot) snapshot.
	ErrDefaultInUse = NewDomainError("GV-TREE-4090", "tree contains the default snapshot")

	// ErrSourceNotSealed indicates a copy was requested from a snapshot that
	// currently has an open transaction.
	ErrSourceNotSealed = NewDomainError("GV-TREE-4091", "source snapshot has an open transaction")

	// ErrForestCorrupt indicates the persisted parent links no longer form
	// a forest. This is an integrity failure, not a user error.
	ErrForestCorrupt = NewDomainError("GV-TREE-5000", "snapshot index is not a forest")
)

// ============================================================================
// Transaction Errors (TXN)
// ============================================================================

var (
	// ErrAlreadyOpen indicates a transaction already targets the snapshot.
	ErrAlreadyOpen = NewDomainError("GV-TXN-4090", "snapshot already has an open transaction")

	// ErrNestedInvocation indicates grove was invoked from inside a mounted
	// transaction environment.
	ErrNestedInvocation = NewDomainError("GV-TXN-4031", "refusing to run inside a transaction environment")

	// ErrNoTransaction indicates no open transaction targets the snapshot.
	ErrNoTransaction = NewDomainError("GV-TXN-4040", "no open transaction for snapshot")

	// ErrDirtySession indicates a transaction terminated without a clean
	// commit/discard outcome and needs tmp cleanup.
	ErrDirtySession = NewDomainError("GV-TXN-4092", "transaction left a dirty session")
)

// ============================================================================
// Deployment Errors (DEPL)
// ============================================================================

var (
	// ErrDeployFailed indicates boot entry preparation or verification failed
	// before the atomic pointer swap; the previous default is untouched.
	ErrDeployFailed = NewDomainError("GV-DEPL-5000", "deploy failed before pointer swap")

	// ErrRollbackUnavailable indicates no previous default is recorded.
	ErrRollbackUnavailable = NewDomainError("GV-DEPL-4040", "no previous default to roll back to")
)

// ============================================================================
// Sync Errors (SYNC)
// ============================================================================

var (
	// ErrSyncConflict indicates a fan-out operation failed on a node; the
	// Details carry the first failing node id.
	ErrSyncConflict = NewDomainError("GV-SYNC-5000", "sync failed")
)

// ============================================================================
// System Errors (SYS)
// ============================================================================

var (
	// ErrInternal indicates an internal error.
	ErrInternal = NewDomainError("GV-SYS-5000", "internal error")

	// ErrStorage indicates a storage layer error.
	ErrStorage = NewDomainError("GV-SYS-5001", "storage error")

	// ErrPermissionDenied indicates insufficient privileges for the operation.
	ErrPermissionDenied = NewDomainError("GV-SYS-4030", "permission denied")
)

// ============================================================================
// Argument Errors (ARG)
// ============================================================================

var (
	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("GV-ARG-1001", "invalid argument")

	// ErrMissingArgument indicates a required argument is missing.
	ErrMissingArgument = NewDomainError("GV-ARG-1002", "missing required argument")
)
