// Package errs defines the error taxonomy shared by every DevFlow component.
// Components return *Error values (wrapped or bare) up to the dispatch
// boundary, where kinds are mapped onto JSON-RPC error codes. Plain errors
// that carry no kind are treated as Unexpected.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary mapping and retry decisions.
type Kind int

const (
	// KindUnexpected marks programmer errors and anything unclassified.
	// Details are never surfaced to clients.
	KindUnexpected Kind = iota
	// KindValidation marks client-correctable input problems.
	KindValidation
	// KindNotFound marks references to absent entities.
	KindNotFound
	// KindConflict marks uniqueness or optimistic-version violations.
	KindConflict
	// KindFailure marks transient or environmental faults.
	KindFailure
	// KindUnauthorized marks missing authentication.
	KindUnauthorized
	// KindForbidden marks insufficient permission.
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindFailure:
		return "failure"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	default:
		return "unexpected"
	}
}

// Error is the fallible-return payload that crosses component boundaries.
type Error struct {
	Code    string
	Message string
	Kind    Kind
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// New creates an error with an explicit kind.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Kind: kind}
}

// Validation creates a client-correctable error.
func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

// NotFound creates an absent-entity error.
func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, format, args...)
}

// Conflict creates a uniqueness or version-conflict error.
func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

// Failure creates a transient or environmental error.
func Failure(code, format string, args ...any) *Error {
	return New(KindFailure, code, format, args...)
}

// Unexpected creates a programmer-error marker.
func Unexpected(code, format string, args ...any) *Error {
	return New(KindUnexpected, code, format, args...)
}

// Wrap attaches a kind and code to an underlying error, preserving the chain.
func Wrap(kind Kind, code string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), Kind: kind, cause: err}
}

// Wrapf is Wrap with a caller-supplied message; err becomes the cause.
func Wrapf(kind Kind, code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Kind: kind, cause: err}
}

// KindOf reports the kind of err, unwrapping as needed. Nil maps to
// KindUnexpected; callers should not ask for the kind of a nil error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// CodeOf reports the machine-readable code of err, or "" for plain errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
