package types

import (
	"errors"
	"fmt"
)

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel carrying the same code.
// Sentinels are *Error values with a code and no message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Code == e.Code
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error, or any error it wraps, has a specific code
func IsErrCode(err error, code string) bool {
	return GetErrorCode(err) == code
}

// GetErrorCode returns the code of the outermost *Error in the chain
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalid            = "INVALID"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeHandlerFailed      = "HANDLER_FAILED"
	ErrCodePartialFailure     = "PARTIAL_FAILURE"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
	ErrCodeResourceExhausted  = "RESOURCE_EXHAUSTED"
)

// Sentinels for errors.Is
var (
	ErrNotFound           = &Error{Code: ErrCodeNotFound}
	ErrInvalidArgument    = &Error{Code: ErrCodeInvalidArgument}
	ErrUnavailable        = &Error{Code: ErrCodeUnavailable}
	ErrTimeout            = &Error{Code: ErrCodeTimeout}
	ErrCanceled           = &Error{Code: ErrCodeCanceled}
	ErrFailedPrecondition = &Error{Code: ErrCodeFailedPrecondition}
)

// MessagingError is raised on the caller side when the receiving handler
// failed and relayed a Fault instead of a regular reply.
type MessagingError struct {
	MessageID ID
	Code      string
	Message   string
}

// Error returns the error message
func (e *MessagingError) Error() string {
	return fmt.Sprintf("message %s failed: %s: %s", e.MessageID, e.Code, e.Message)
}

// Fault is the content of a fault-flagged reply
type Fault struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// NewFault builds a fault from a handler error, keeping its code when it has one
func NewFault(err error) *Fault {
	code := GetErrorCode(err)
	if code == "" {
		code = ErrCodeHandlerFailed
	}
	return &Fault{Code: code, Message: err.Error()}
}
