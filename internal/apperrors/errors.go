// Package apperrors defines the supervisor core's error taxonomy (§7 of the
// specification). Every operation exposed by the Lifecycle Controller and its
// subcomponents returns errors constructed here so callers can branch on Kind
// rather than parsing messages.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed, independent of which component
// raised it.
type Kind string

const (
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	InvalidArgument Kind = "invalid_argument"
	Unavailable     Kind = "unavailable"
	Timeout         Kind = "timeout"
	ExternalFailure Kind = "external_failure"
	Cancelled       Kind = "cancelled"
)

// Error is the concrete error type returned across the core's public API.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "start_agent"
	Message string
	Err     error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, target) keyed on Kind: it reports true when target
// is (or wraps) an *Error of the same Kind, whatever its Op and Message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or "" if err is not (or does not wrap)
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
