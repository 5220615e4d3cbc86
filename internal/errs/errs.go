// Package errs defines the structured error kinds named in the
// coordinator's error handling design, so the control plane can map a
// failure to an HTTP status and a stable machine-readable code without
// string-matching error text.
package errs

import "fmt"

// Kind is a semantic error classification, not a Go type name.
type Kind string

const (
	KindTransientBusDisconnect Kind = "transient_bus_disconnect"
	KindFatalBusGiveUp         Kind = "fatal_bus_give_up"
	KindDeviceNotFound         Kind = "device_not_found"
	KindDeviceBusy             Kind = "device_busy"
	KindDeviceAccessDenied     Kind = "device_access_denied"
	KindGrabTimeout            Kind = "grab_timeout"
	KindGrabFatal              Kind = "grab_fatal"
	KindWriteFailure           Kind = "write_failure"
	KindIndexWriteFailure      Kind = "index_write_failure"
	KindConfigValidation       Kind = "config_validation_failure"
	KindAutoRetryExhausted     Kind = "auto_retry_exhausted"
	KindInvalidRequest         Kind = "invalid_request"
	KindNotFound               Kind = "not_found"
	KindConflict               Kind = "conflict"
)

// Error is the coordinator's structured error type: it carries a
// semantic Kind plus the operation and optional wrapped cause, following
// the reference service's MediaMTXError/PathError shape.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, allowing errors.Is(err, &Error{Kind: ...}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a structured error for op with the given kind and message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds a structured error that preserves cause for errors.Unwrap.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// HTTPStatus maps a Kind to the status code the control plane should
// return for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindConfigValidation:
		return 400
	case KindNotFound, KindDeviceNotFound:
		return 404
	case KindConflict, KindDeviceBusy:
		return 409
	case KindDeviceAccessDenied:
		return 403
	default:
		return 500
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise returns "".
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}
