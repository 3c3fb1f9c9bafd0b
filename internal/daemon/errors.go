package daemon

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures that stop an agent.
type ErrorCode string

const (
	// ErrCodeTransientWriteFailure means a batch kept failing with retryable
	// errors until the attempt budget ran out.
	ErrCodeTransientWriteFailure ErrorCode = "TRANSIENT_WRITE_FAILURE"

	// ErrCodeOwnershipLost means another process holds the projection lease.
	ErrCodeOwnershipLost ErrorCode = "OWNERSHIP_LOST"

	// ErrCodeOrderingViolation means the source returned positions that were
	// not strictly increasing past the mark.
	ErrCodeOrderingViolation ErrorCode = "ORDERING_VIOLATION"

	// ErrCodeUnrecoverable covers mapping violations, render failures and
	// errors the transient classifier rejected.
	ErrCodeUnrecoverable ErrorCode = "UNRECOVERABLE"
)

var (
	// ErrNotConfigured is returned by Start before Configure.
	ErrNotConfigured = errors.New("daemon is not configured")
	// ErrAlreadyRunning is returned by Start and Configure while running.
	ErrAlreadyRunning = errors.New("daemon is already running")
	// ErrNotRunning is returned by Restart before Start or after Stop.
	ErrNotRunning = errors.New("daemon is not running")
	// ErrUnknownProjection is returned for names that were not configured.
	ErrUnknownProjection = errors.New("unknown projection")
	// ErrCatchUpTimeout is returned when WaitUntilCaughtUp gives up.
	ErrCatchUpTimeout = errors.New("projection did not catch up in time")
)

// Error is a failure of one projection agent.
type Error struct {
	Code       ErrorCode
	Projection string
	// Position is the last global position of the failing batch.
	Position int64
	// Attempts is how many times the batch was tried.
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: projection %s", e.Code, e.Projection)
	if e.Position > 0 {
		msg += fmt.Sprintf(" at position %d", e.Position)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// IsTransientWriteFailure returns true if err is a batch that exhausted its
// retries. Uses errors.As to handle wrapped errors.
func IsTransientWriteFailure(err error) bool {
	return hasCode(err, ErrCodeTransientWriteFailure)
}

// IsOwnershipLost returns true if err reports a lost lease.
func IsOwnershipLost(err error) bool {
	return hasCode(err, ErrCodeOwnershipLost)
}

// IsOrderingViolation returns true if err reports out-of-order positions.
func IsOrderingViolation(err error) bool {
	return hasCode(err, ErrCodeOrderingViolation)
}

// IsUnrecoverable returns true if err is a permanent agent failure.
func IsUnrecoverable(err error) bool {
	return hasCode(err, ErrCodeUnrecoverable)
}

func hasCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
