package events

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrMissingEvent is returned when a nil event is dispatched.
	ErrMissingEvent = errors.New("events: missing event")
	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("events: nil handler")
	// ErrEmptyEventName is returned when an event name is empty.
	ErrEmptyEventName = errors.New("events: empty event name")
	// ErrDuplicateEvent is returned when a name is registered twice.
	ErrDuplicateEvent = errors.New("events: event already registered")
)

// HandlerNotFoundError indicates that no handler is subscribed to an event.
type HandlerNotFoundError struct {
	EventName string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("events: no handler registered for event %q", e.EventName)
}

// UnknownEventError indicates that an envelope names an event the registry
// cannot decode.
type UnknownEventError struct {
	EventName string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("events: unknown event %q", e.EventName)
}

// TypeMismatchError is returned when an event reaches a handler subscribed
// for a different Go type under the same name.
type TypeMismatchError struct {
	EventName string
	Want      string
	Got       string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("events: event %q has type %s, handler expects %s", e.EventName, e.Got, e.Want)
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("events: handler panicked: %v", e.Value)
}

// ValidationError wraps the validator failure of an event.
type ValidationError struct {
	EventName string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("events: invalid event %q: %v", e.EventName, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// HandlerError records the failure of one handler for one event.
// Permanent is set when the failure was not retried because retrying could
// not change it: a panic, a type mismatch or an error marked with Permanent.
type HandlerError struct {
	EventName string
	Handler   string
	Attempts  int
	Permanent bool
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("events: handler %s failed for event %q after %d attempt(s): %v",
		e.Handler, e.EventName, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err is a handling failure that a retry or a
// redelivery cannot fix. For joined errors every member must be permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		for _, e := range errs {
			if !IsPermanent(e) {
				return false
			}
		}
		return len(errs) > 0
	}

	var herr *HandlerError
	if errors.As(err, &herr) {
		if herr.Permanent {
			return true
		}
		err = herr.Err
	}
	var (
		perm     *backoff.PermanentError
		panicErr *PanicError
		mismatch *TypeMismatchError
	)
	return errors.As(err, &perm) || errors.As(err, &panicErr) || errors.As(err, &mismatch)
}
