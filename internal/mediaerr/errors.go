// Package mediaerr holds the error taxonomy shared by the capture, service
// and display layers.
package mediaerr

import (
	"errors"
	"fmt"
)

// Kinds. Match with errors.Is.
var (
	// ErrConfiguration: an unsupported format, resolution or parameter.
	ErrConfiguration = errors.New("configuration error")
	// ErrDevice: the underlying device rejected an operation.
	ErrDevice = errors.New("device error")
	// ErrTimeout: a bounded wait elapsed with no event. Recoverable.
	ErrTimeout = errors.New("timed out")
	// ErrResourceExhausted: not enough buffers or memory.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrProcessing: per-item consumer work failed.
	ErrProcessing = errors.New("processing error")
)

// Conditions that refine the kinds above.
var (
	ErrInterrupted   = errors.New("wait interrupted")
	ErrDeviceGone    = errors.New("device gone")
	ErrStopped       = errors.New("service stopped")
	ErrWouldDeadlock = errors.New("call would deadlock")
	ErrInvalidState  = errors.New("invalid state")
)

// Error is an operation failure tagged with a kind.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New tags err with kind for operation op.
func New(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind error, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Config(op string, format string, args ...any) error {
	return Errorf(ErrConfiguration, op, format, args...)
}

func Device(op string, err error) error {
	return New(ErrDevice, op, err)
}

func Exhausted(op string, format string, args ...any) error {
	return Errorf(ErrResourceExhausted, op, format, args...)
}

func Processing(op string, err error) error {
	return New(ErrProcessing, op, err)
}

// IsRecoverable reports whether a steady-state loop should retry after err.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrInterrupted)
}
