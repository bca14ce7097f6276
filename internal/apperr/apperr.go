// Package apperr implements the error taxonomy described in spec.md §7:
// validation, admission, transient, inconsistency, and fatal errors, each
// surfaced or swallowed according to the propagation policy for its kind.
package apperr

import "fmt"

// Code classifies an error for the purposes of the propagation policy.
type Code string

const (
	// Validation errors are caller mistakes: bad input, unknown ids, not-owner.
	Validation Code = "validation"
	// Admission errors are capacity/conflict rejections.
	Admission Code = "admission"
	// Transient errors are retryable I/O failures (cache/store unreachable).
	Transient Code = "transient"
	// Inconsistency marks a detected race where a conditional write's
	// precondition no longer held — the handler should return silently.
	Inconsistency Code = "inconsistency"
	// Fatal errors indicate a poisoned lock or missing schema; the caller
	// should log and let the owning worker restart.
	Fatal Code = "fatal"
)

// Error is the structured error type returned across core operation boundaries.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validationf(format string, args ...interface{}) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func Admissionf(format string, args ...interface{}) *Error {
	return New(Admission, fmt.Sprintf(format, args...))
}

// CodeOf extracts the Code of err if it is (or wraps) an *Error, defaulting
// to Fatal for unrecognized errors so callers fail closed.
func CodeOf(err error) Code {
	var e *Error
	if as(err, &e) {
		return e.Code
	}
	return Fatal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
