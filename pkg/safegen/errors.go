package safegen

import (
	"errors"
	"fmt"
)

// FailureKind classifies a failed attempt.
type FailureKind int

const (
	TransportFailure   FailureKind = iota + 1 // generator returned an error
	EmptyOutput                               // generator returned blank text
	DecodeFailure                             // extractor could not pull a candidate out
	ValidationRejected                        // validator said no, or cleanup failed
)

var (
	ErrTransport   = errors.New("transport failure")
	ErrEmptyOutput = errors.New("empty output")
	ErrDecode      = errors.New("decode failure")
	ErrRejected    = errors.New("validation rejected")

	// ErrInvalidRequest is the only error Request returns: the call itself
	// was malformed and no attempt was made.
	ErrInvalidRequest = errors.New("safegen: invalid request")
)

func (k FailureKind) String() string {
	switch k {
	case TransportFailure:
		return "transport"
	case EmptyOutput:
		return "empty"
	case DecodeFailure:
		return "decode"
	case ValidationRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case TransportFailure:
		return ErrTransport
	case EmptyOutput:
		return ErrEmptyOutput
	case DecodeFailure:
		return ErrDecode
	default:
		return ErrRejected
	}
}

// AttemptError describes one failed attempt. errors.Is matches both the
// kind's sentinel and the underlying cause.
type AttemptError struct {
	Attempt int
	Kind    FailureKind
	Err     error
}

func (e *AttemptError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("attempt %d: %s", e.Attempt, e.Kind)
	}
	return fmt.Sprintf("attempt %d: %s: %v", e.Attempt, e.Kind, e.Err)
}

func (e *AttemptError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// protect runs fn and turns a panic into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
