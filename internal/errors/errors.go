package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeValidation indicates a malformed submission. It never enters the ledger.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeNotFound indicates a ledger record was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a duplicate id or other uniqueness violation.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeInvalidTransition indicates a status change not allowed by the state machine.
	ErrCodeInvalidTransition ErrorCode = "invalid_transition"
	// ErrCodePersistence indicates a store read or write failure.
	ErrCodePersistence ErrorCode = "persistence"
	// ErrCodeDispatch indicates the broker was unreachable or rejected a message.
	ErrCodeDispatch ErrorCode = "dispatch"
	// ErrCodeCompute indicates the external compute collaborator failed.
	ErrCodeCompute ErrorCode = "compute"
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeUnavailable indicates a dependency (store, broker) is not reachable.
	ErrCodeUnavailable ErrorCode = "unavailable"
	ErrCodeTimeout     ErrorCode = "timeout"
	ErrCodeCanceled    ErrorCode = "canceled"
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Field is the input field that caused the error (validation only).
	Field string
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func newf(code ErrorCode, format string, args ...any) *AppError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &AppError{Code: code, Message: msg}
}

// Validation creates a new Validation error.
func Validation(message string) *AppError { return newf(ErrCodeValidation, "%s", message) }

// Validationf creates a new Validation error with formatted message.
func Validationf(format string, args ...any) *AppError {
	return newf(ErrCodeValidation, format, args...)
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError { return newf(ErrCodeNotFound, "%s", message) }

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return newf(ErrCodeNotFound, format, args...)
}

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError { return newf(ErrCodeConflict, "%s", message) }

// InvalidTransitionf reports a rejected status change.
func InvalidTransitionf(format string, args ...any) *AppError {
	return newf(ErrCodeInvalidTransition, format, args...)
}

// Dispatch creates a new Dispatch error.
func Dispatch(message string) *AppError { return newf(ErrCodeDispatch, "%s", message) }

// Unavailable wraps a failed dependency check.
func Unavailable(err error, message string) *AppError {
	return &AppError{Code: ErrCodeUnavailable, Message: message, Cause: err}
}

// Compute wraps a compute collaborator failure.
func Compute(err error, message string) *AppError {
	return &AppError{Code: ErrCodeCompute, Message: message, Cause: err}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError { return newf(ErrCodeInternal, "%s", message) }

// Wrap wraps an existing error with an AppError, preserving the cause.
// A nil err yields nil.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Persistence wraps a store failure. Errors that already carry a code keep it.
func Persistence(err error, op string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	return &AppError{Code: ErrCodePersistence, Message: op, Cause: err}
}

func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsValidation(err error) bool        { return isCode(err, ErrCodeValidation) }
func IsNotFound(err error) bool          { return isCode(err, ErrCodeNotFound) }
func IsConflict(err error) bool          { return isCode(err, ErrCodeConflict) }
func IsInvalidTransition(err error) bool { return isCode(err, ErrCodeInvalidTransition) }
func IsPersistence(err error) bool       { return isCode(err, ErrCodePersistence) }
func IsDispatch(err error) bool          { return isCode(err, ErrCodeDispatch) }
func IsCompute(err error) bool           { return isCode(err, ErrCodeCompute) }
func IsUnavailable(err error) bool       { return isCode(err, ErrCodeUnavailable) }
func IsTimeout(err error) bool           { return isCode(err, ErrCodeTimeout) }
func IsCanceled(err error) bool          { return isCode(err, ErrCodeCanceled) }

// IsIntegrity reports whether err is a per-record integrity violation that
// bulk inserts reject locally instead of escalating.
func IsIntegrity(err error) bool {
	return IsConflict(err) || IsValidation(err)
}

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field from an error, or empty string if not an AppError or no field set.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
