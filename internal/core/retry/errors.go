package retry

import (
	"errors"
	"fmt"
)

// Class is the retry taxonomy of a failure.
type Class int

const (
	// ClassTransient is a generic network or timeout failure, retried through
	// queue redelivery.
	ClassTransient Class = iota
	// ClassPermanent is bad input or state. Never retried.
	ClassPermanent
	// ClassBusiness is a policy violation. Never retried.
	ClassBusiness
	// ClassThrottled is a provider rate or capacity signal, retried by explicit
	// re-enqueue with exponential backoff.
	ClassThrottled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassBusiness:
		return "business"
	case ClassThrottled:
		return "throttled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Retryable reports whether failures of this class may be attempted again.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassThrottled
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Msg string
	Err error
}

func (e *PermanentError) Error() string { return joinMsg(e.Msg, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// BusinessError marks a policy violation.
type BusinessError struct {
	Msg string
	Err error
}

func (e *BusinessError) Error() string { return joinMsg(e.Msg, e.Err) }
func (e *BusinessError) Unwrap() error { return e.Err }

// TransientError marks a failure expected to clear on its own.
type TransientError struct {
	Msg string
	Err error
}

func (e *TransientError) Error() string { return joinMsg(e.Msg, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ThrottledError marks a provider rate or quota signal.
type ThrottledError struct {
	Msg string
	Err error
}

func (e *ThrottledError) Error() string { return joinMsg(e.Msg, e.Err) }
func (e *ThrottledError) Unwrap() error { return e.Err }

// Permanent wraps cause as a PermanentError.
func Permanent(msg string, cause error) error { return &PermanentError{Msg: msg, Err: cause} }

// Business wraps cause as a BusinessError.
func Business(msg string, cause error) error { return &BusinessError{Msg: msg, Err: cause} }

// Transient wraps cause as a TransientError.
func Transient(msg string, cause error) error { return &TransientError{Msg: msg, Err: cause} }

// Throttled wraps cause as a ThrottledError.
func Throttled(msg string, cause error) error { return &ThrottledError{Msg: msg, Err: cause} }

// StatusError attaches an HTTP-style status code to an error.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode returns e.Code.
func (e *StatusError) StatusCode() int { return e.Code }

// WithStatus wraps err with an HTTP-style status code.
func WithStatus(code int, err error) error {
	return &StatusError{Code: code, Err: err}
}

// ErrAttemptsExhausted is returned when a re-enqueue would exceed the
// configured attempt cap.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

func joinMsg(msg string, err error) string {
	switch {
	case err == nil:
		return msg
	case msg == "":
		return err.Error()
	default:
		return msg + ": " + err.Error()
	}
}
