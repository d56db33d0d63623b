// Package apperr classifies failures so callers can decide between retrying,
// reporting a client error, or hiding an internal fault.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrExternal        = errors.New("external service error")
	ErrInternal        = errors.New("internal error")
)

// Error carries a kind sentinel, the operation that failed and a message that
// is safe to show to a client. Err holds the underlying cause, if any.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Invalid(op, message string) error {
	return &Error{Kind: ErrInvalidArgument, Op: op, Message: message}
}

func NotFound(op, message string) error {
	return &Error{Kind: ErrNotFound, Op: op, Message: message}
}

func Forbidden(op, message string) error {
	return &Error{Kind: ErrForbidden, Op: op, Message: message}
}

func Conflict(op, message string) error {
	return &Error{Kind: ErrConflict, Op: op, Message: message}
}

func External(op, service string, err error) error {
	return &Error{Kind: ErrExternal, Op: op, Message: service + " unavailable", Err: err}
}

func Internal(op string, err error) error {
	return &Error{Kind: ErrInternal, Op: op, Err: err}
}

// PublicMessage returns the client-facing message for err. Internal and
// unclassified errors collapse to a generic text.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != ErrInternal && appErr.Message != "" {
		return appErr.Message
	}
	return ErrInternal.Error()
}

// Retryable reports whether err is worth another attempt: external service
// failures and anything unclassified are, client errors are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrConflict):
		return false
	default:
		return true
	}
}
