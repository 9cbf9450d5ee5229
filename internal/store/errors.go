// Defines the typed error taxonomy returned by every store operation.

package store

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a store failure so callers can distinguish
// "already logged this param" from "run already finished" from
// "storage unavailable" without string matching.
type ErrorCode string

const (
	// ErrorCodeNotFound is returned when a referenced entity is absent.
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeDuplicateName is returned when a name uniqueness rule is violated.
	ErrorCodeDuplicateName ErrorCode = "DUPLICATE_NAME"
	// ErrorCodeConflict is returned when an immutability rule is violated,
	// such as rewriting a param key with a different value.
	ErrorCodeConflict ErrorCode = "CONFLICT"
	// ErrorCodeInvalidState is returned when the operation is illegal for the
	// entity's current lifecycle state.
	ErrorCodeInvalidState ErrorCode = "INVALID_STATE"
	// ErrorCodeInvalidTransition is returned for illegal registry stage changes.
	ErrorCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	// ErrorCodeInvalidArgument is returned when input fails validation.
	ErrorCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrorCodeQuotaExceeded is returned when a configured resource limit is hit.
	ErrorCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	// ErrorCodeStorageFailure is returned when an underlying durable write fails.
	ErrorCodeStorageFailure ErrorCode = "STORAGE_FAILURE"
)

// Error is the concrete error type returned by store and registry operations.
type Error struct {
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{code: code, message: message}
}

// WithDetail adds a single structured detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap records an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error classification.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Details returns structured details attached to the error, or nil.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Predefined constructors for the taxonomy

// NotFound reports an absent entity, e.g. NotFound("run").
func NotFound(entity string) *Error {
	return NewError(ErrorCodeNotFound, fmt.Sprintf("%s not found", entity))
}

// DuplicateName reports a taken name, e.g. DuplicateName("experiment", "exp1").
func DuplicateName(entity, name string) *Error {
	return NewError(ErrorCodeDuplicateName, fmt.Sprintf("%s name %q already in use", entity, name)).
		WithDetail("name", name)
}

// Conflict reports an immutability violation.
func Conflict(message string) *Error {
	return NewError(ErrorCodeConflict, message)
}

// InvalidState reports an operation illegal for the current lifecycle state.
func InvalidState(message string) *Error {
	return NewError(ErrorCodeInvalidState, message)
}

// InvalidTransition reports an illegal stage change.
func InvalidTransition(from, to string) *Error {
	return NewError(ErrorCodeInvalidTransition, fmt.Sprintf("cannot transition from %s to %s", from, to)).
		WithDetail("from", from).
		WithDetail("to", to)
}

// InvalidArgument reports input that fails validation.
func InvalidArgument(message string) *Error {
	return NewError(ErrorCodeInvalidArgument, message)
}

// QuotaExceeded reports a hit resource limit.
func QuotaExceeded(resource string, limit int64) *Error {
	return NewError(ErrorCodeQuotaExceeded, fmt.Sprintf("%s quota exceeded (limit %d)", resource, limit)).
		WithDetail("resource", resource).
		WithDetail("limit", limit)
}

// StorageFailure reports a failed durable write, wrapping the cause.
func StorageFailure(message string, err error) *Error {
	return NewError(ErrorCodeStorageFailure, message).Wrap(err)
}

// CodeOf returns the classification of err, or "" when err is not a store
// error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// IsNotFound reports whether err is classified NOT_FOUND.
func IsNotFound(err error) bool { return CodeOf(err) == ErrorCodeNotFound }

// IsDuplicateName reports whether err is classified DUPLICATE_NAME.
func IsDuplicateName(err error) bool { return CodeOf(err) == ErrorCodeDuplicateName }

// IsConflict reports whether err is classified CONFLICT.
func IsConflict(err error) bool { return CodeOf(err) == ErrorCodeConflict }

// IsInvalidState reports whether err is classified INVALID_STATE.
func IsInvalidState(err error) bool { return CodeOf(err) == ErrorCodeInvalidState }

// IsInvalidTransition reports whether err is classified INVALID_TRANSITION.
func IsInvalidTransition(err error) bool { return CodeOf(err) == ErrorCodeInvalidTransition }

// IsInvalidArgument reports whether err is classified INVALID_ARGUMENT.
func IsInvalidArgument(err error) bool { return CodeOf(err) == ErrorCodeInvalidArgument }

// IsQuotaExceeded reports whether err is classified QUOTA_EXCEEDED.
func IsQuotaExceeded(err error) bool { return CodeOf(err) == ErrorCodeQuotaExceeded }

// IsStorageFailure reports whether err is classified STORAGE_FAILURE.
func IsStorageFailure(err error) bool { return CodeOf(err) == ErrorCodeStorageFailure }
