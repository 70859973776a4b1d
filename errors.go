package deluge

import (
	"errors"
	"fmt"

	"github.com/dlorenc/deluge/internal/device"
)

// Status is the public result code passed to completion callbacks and
// returned from blocking entry points. Its numeric values match the
// C ABI this package stands in for: 0 is success, negative values are
// specific failure classes.
type Status int32

const (
	StatusSuccess      Status = 0
	StatusFailure      Status = -1
	StatusNoDevice     Status = -2
	StatusOutOfMemory  Status = -3
	StatusCancel       Status = -4
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusNoDevice:
		return "no device"
	case StatusOutOfMemory:
		return "out of memory"
	case StatusCancel:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// DelugeErrorCode is the high-level error category carried by Error,
// one per non-success Status value.
type DelugeErrorCode string

const (
	ErrCodeFailure     DelugeErrorCode = "failure"
	ErrCodeNoDevice    DelugeErrorCode = "no device"
	ErrCodeOutOfMemory DelugeErrorCode = "out of memory"
	ErrCodeCancel      DelugeErrorCode = "cancelled"
)

// Error is a structured error carrying the operation that failed, the
// ABI status it maps to, and an optional wrapped cause.
type Error struct {
	Op    string
	Code  DelugeErrorCode
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("deluge: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("deluge: %s", msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Status maps the error's category back to the ABI status code a
// completion callback would have received.
func (e *Error) Status() Status {
	switch e.Code {
	case ErrCodeNoDevice:
		return StatusNoDevice
	case ErrCodeOutOfMemory:
		return StatusOutOfMemory
	case ErrCodeCancel:
		return StatusCancel
	default:
		return StatusFailure
	}
}

// Sentinel values for errors.Is comparisons against the four non-success
// categories.
var (
	ErrNoDevice    = &Error{Code: ErrCodeNoDevice, Msg: string(ErrCodeNoDevice)}
	ErrOutOfMemory = &Error{Code: ErrCodeOutOfMemory, Msg: string(ErrCodeOutOfMemory)}
	ErrCancel      = &Error{Code: ErrCodeCancel, Msg: string(ErrCodeCancel)}
	ErrFailure     = &Error{Code: ErrCodeFailure, Msg: string(ErrCodeFailure)}
)

func NewError(op string, code DelugeErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError re-wraps an inner error under a new operation name, preserving
// its category if it is already a *Error, or else classifying it as a
// generic failure.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if de, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: de.Code, Msg: de.Msg, Inner: de.Inner}
	}
	return &Error{Op: op, Code: ErrCodeFailure, Msg: inner.Error(), Inner: inner}
}

// mapPlatformError classifies an error raised by the device layer into
// one of the ABI categories, per the dispatch-layer error taxonomy:
// device-not-found style errors become NODEV, allocation failures become
// NOMEM, everything else (compile failures, queue errors, platform runtime
// errors) becomes the generic FAILURE, with the original error retained
// for diagnostic logging in debug builds.
func mapPlatformError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, device.ErrNoDevice):
		return &Error{Op: op, Code: ErrCodeNoDevice, Msg: err.Error(), Inner: err}
	case errors.Is(err, device.ErrOutOfMemory):
		return &Error{Op: op, Code: ErrCodeOutOfMemory, Msg: err.Error(), Inner: err}
	default:
		return &Error{Op: op, Code: ErrCodeFailure, Msg: err.Error(), Inner: err}
	}
}

func IsCode(err error, code DelugeErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
