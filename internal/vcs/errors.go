package vcs

import "errors"

// Common errors returned by VCS operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, vcs.ErrNotARepository) {
//	    // The configured directory is not a working copy
//	}
var (
	// ErrNotARepository is returned when a directory does not exist or
	// carries no version control metadata.
	ErrNotARepository = errors.New("not a version control working copy")

	// ErrVCSNotAvailable is returned when the git binary is not
	// installed or not in PATH.
	ErrVCSNotAvailable = errors.New("VCS binary not available")

	// ErrRefNotFound is returned when the remote does not have the
	// requested reference yet.
	ErrRefNotFound = errors.New("reference not found")

	// ErrNoRemote is returned when an operation requires a remote
	// but none is configured.
	ErrNoRemote = errors.New("no remote configured")

	// ErrConflicts is returned when an operation cannot complete
	// due to unresolved conflicts.
	ErrConflicts = errors.New("unresolved conflicts")

	// ErrDetached is returned when an operation requires being on
	// a branch but HEAD is detached.
	ErrDetached = errors.New("not on a branch")

	// ErrPushRejected is returned when a push is rejected by the remote,
	// typically due to non-fast-forward updates.
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrTimeout is returned when a VCS operation exceeds its timeout.
	ErrTimeout = errors.New("operation timed out")

	// ErrCommandFailed is returned when a VCS command exits non-zero.
	ErrCommandFailed = errors.New("command failed")
)

// IsRetryable returns true if the error is likely to succeed on retry.
// This is useful for transient network errors or a remote that moved.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Timeouts are often transient
	if errors.Is(err, ErrTimeout) {
		return true
	}

	// Push rejections might succeed after the next rebase
	if errors.Is(err, ErrPushRejected) {
		return true
	}

	return false
}

// IsUserActionRequired returns true if the error requires user intervention
// to resolve (conflicts, divergent history, etc).
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}

	// Conflicts need manual resolution
	if errors.Is(err, ErrConflicts) {
		return true
	}

	// A detached HEAD has nothing to push
	if errors.Is(err, ErrDetached) {
		return true
	}

	return false
}

// IsFatal returns true if the error indicates a configuration problem
// that no retry within a run can fix.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotARepository) {
		return true
	}

	if errors.Is(err, ErrNoRemote) {
		return true
	}

	// Binary not available means we can't execute commands
	if errors.Is(err, ErrVCSNotAvailable) {
		return true
	}

	return false
}
