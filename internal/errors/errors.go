// Package errors provides coded application errors shared by every layer of
// the coordinator. Each error carries a machine-readable Code and a
// human-readable Message; transport layers map the code to a status.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is a machine-readable error kind.
type Code string

const (
	ErrCodeNotFound       Code = "NOT_FOUND"
	ErrCodeInvalidInput   Code = "INVALID_INPUT"
	ErrCodeInvalidState   Code = "INVALID_STATE"
	ErrCodeNoApprovalRule Code = "NO_APPROVAL_RULE"
	ErrCodeConflict       Code = "CONFLICT"
	ErrCodeConfiguration  Code = "CONFIGURATION"
	ErrCodeUnavailable    Code = "UNAVAILABLE"
	ErrCodeInternal       Code = "INTERNAL"
)

// Error is the structured error returned by services and repositories.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// InvalidState reports a transition that is not legal from the current state.
func InvalidState(format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// NoApprovalRule reports a configuration gap in the approval matrix.
func NoApprovalRule(format string, args ...any) *Error {
	return &Error{Code: ErrCodeNoApprovalRule, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
