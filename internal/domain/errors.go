package domain

import (
	"context"
	"errors"
	"net"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRunInFlight       = errors.New("pipeline run already in flight")
	ErrNotExtendable     = errors.New("job is not in a state that allows this operation")
	ErrProviderFailure   = errors.New("provider failure")
	ErrRateLimited       = errors.New("provider rate limited")
	ErrInvalidScript     = errors.New("invalid text stage output")
)

// TransientError marks a failure that may succeed when retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so IsTransient reports true. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying: explicitly marked
// failures, rate limiting, per-call deadlines and network timeouts.
// Cancellation of the caller is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
