package feedback

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyVoted reports that a (subject, visitor) pair already holds a
	// vote record. Callers treat it as "nothing to do", not as a failure.
	ErrAlreadyVoted = errors.New("feedback: already voted")
	// ErrStoreUnavailable wraps transient storage failures.
	ErrStoreUnavailable = errors.New("feedback: store unavailable")
	// ErrNotFound reports a missing record on a point read.
	ErrNotFound = errors.New("feedback: not found")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
