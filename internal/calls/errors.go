package calls

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrTransport         = errors.New("transport error")
	ErrSessionConflict   = errors.New("session already active for call")
	ErrEngine            = errors.New("voice engine error")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInsufficientData  = errors.New("insufficient data")
	ErrNoAgentAvailable  = errors.New("no agent available")
	ErrInvalidArgument   = errors.New("invalid argument")

	// ErrStaleStatus is returned by a store when a compare-and-set status
	// update lost against a concurrent writer.
	ErrStaleStatus = errors.New("call status changed concurrently")
)

// TransportError describes a failed request to the telephony provider.
type TransportError struct {
	Op         string
	StatusCode int
	Code       int
	Message    string
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("transport %s: provider error %d (http %d): %s", e.Op, e.Code, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport %s: http %d: %s", e.Op, e.StatusCode, e.Message)
	}
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the request may succeed if repeated.
func (e *TransportError) Temporary() bool { return e.Retryable }

type SessionConflictError struct {
	CallID string
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("bridge session already active for call %s", e.CallID)
}

func (e *SessionConflictError) Is(target error) bool { return target == ErrSessionConflict }

// InvalidTransition wraps ErrInvalidTransition with the attempted move.
func InvalidTransition(subject string, from, to any) error {
	return fmt.Errorf("%w: %s cannot move from %v to %v", ErrInvalidTransition, subject, from, to)
}
