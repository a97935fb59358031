package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks a malformed submission.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInsufficientCredits is returned when an account cannot cover a reservation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrNotFound covers unknown tasks, accounts, users and missing artifacts.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an operation does not fit the current task state.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition signals a state machine violation. Seeing it outside the
	// registry is a bug.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUnauthorized covers missing or bad credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// Stable error codes exposed to clients.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeDownloadFailed      = "DOWNLOAD_FAILED"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL_ERROR"
)

// TaskError is the user visible failure attached to a failed task.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Invalid wraps ErrInvalidRequest with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
