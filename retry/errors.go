package retry

import (
	"errors"
	"fmt"
)

// FailureKind distinguishes the two semantic cases a HandlerError may
// carry: transient faults subject to the retry policy, and permanent
// faults that are never retried.
type FailureKind int

const (
	// Retriable marks a transient fault.
	Retriable FailureKind = iota
	// NonRetriable marks a permanent fault; never retried.
	NonRetriable
)

func (k FailureKind) String() string {
	switch k {
	case Retriable:
		return "RetriableError"
	case NonRetriable:
		return "NonRetriableError"
	default:
		return "UnknownError"
	}
}

// HandlerError is the tagged failure variant a UserHandler may return.
// Use NewRetriableError / NewNonRetriableError to construct one; the
// zero value is not meaningful.
type HandlerError struct {
	Kind  FailureKind
	Cause error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying cause, if any.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// NewRetriableError wraps cause as a Retriable HandlerError.
func NewRetriableError(cause error) *HandlerError {
	return &HandlerError{Kind: Retriable, Cause: cause}
}

// NewNonRetriableError wraps cause as a NonRetriable HandlerError.
func NewNonRetriableError(cause error) *HandlerError {
	return &HandlerError{Kind: NonRetriable, Cause: cause}
}

// IsRetriable reports whether err is a Retriable HandlerError. A non-nil
// err that isn't a *HandlerError at all is treated as Retriable, the
// same default applied to absent/opaque failures. A retry-header decode
// error is not a *HandlerError either, so IsRetriable reports it as
// Retriable; Handler never asks, and consumes such a record as
// non-retriable before the user handler runs.
func IsRetriable(err error) bool {
	var herr *HandlerError
	if asHandlerError(err, &herr) {
		return herr.Kind == Retriable
	}
	return true
}

// IsNonRetriable reports whether err is a NonRetriable HandlerError.
func IsNonRetriable(err error) bool {
	var herr *HandlerError
	if asHandlerError(err, &herr) {
		return herr.Kind == NonRetriable
	}
	return false
}

func asHandlerError(err error, target **HandlerError) bool {
	return errors.As(err, target)
}
