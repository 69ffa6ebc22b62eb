package core

import (
	"errors"
	"fmt"
)

// Error represents an API error.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is reports whether target is an *Error carrying the same non-empty code.
// Wrapped copies made by Wrap therefore still match their sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	if e.Code == "" || t.Code == "" {
		return e == t
	}
	return e.Code == t.Code
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrTimeout        ErrorType = "timeout_error"
	ErrCanceled       ErrorType = "canceled_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrTransport      ErrorType = "transport_error"
)

var (
	ErrSessionNotFound = &Error{
		Type:    ErrNotFound,
		Code:    "session_not_found",
		Message: "session not found",
	}
	ErrDuplicateConnection = &Error{
		Type:    ErrConflict,
		Code:    "duplicate_session",
		Message: "a live connection is already open for this session",
	}
	ErrCaptureInFlight = &Error{
		Type:      ErrConflict,
		Code:      "capture_in_flight",
		Message:   "a capture is already in progress for this session, please wait",
		Retryable: true,
	}
	ErrCaptureTimeout = &Error{
		Type:      ErrTimeout,
		Code:      "capture_timeout",
		Message:   "timed out waiting for the camera to send a picture",
		Retryable: true,
	}
	ErrCaptureCanceled = &Error{
		Type:      ErrCanceled,
		Code:      "capture_canceled",
		Message:   "capture was canceled",
		Retryable: true,
	}
	ErrInvalidUpload = &Error{
		Type:    ErrInvalidRequest,
		Code:    "invalid_upload",
		Message: "invalid upload",
	}
	ErrTransportGone = &Error{
		Type:    ErrTransport,
		Code:    "transport_gone",
		Message: "client disconnected",
	}
)

// Wrap returns a copy of sentinel with a more specific message. The result
// matches sentinel under errors.Is.
func Wrap(sentinel *Error, message string) *Error {
	out := *sentinel
	if message != "" {
		out.Message = message
	}
	return &out
}

// WrapCause is Wrap plus an underlying cause reachable through errors.Unwrap.
func WrapCause(sentinel *Error, message string, cause error) *Error {
	out := Wrap(sentinel, message)
	out.cause = cause
	return out
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{
		Type:      ErrRateLimit,
		Message:   message,
		Retryable: true,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// NewOverloadedError creates an overloaded error.
func NewOverloadedError(message string) *Error {
	return &Error{
		Type:      ErrOverloaded,
		Message:   message,
		Retryable: true,
	}
}

// IsRecoverable reports whether err is a capture outcome the agent layer
// should turn into a message for the student instead of failing the turn.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrCaptureInFlight) ||
		errors.Is(err, ErrCaptureTimeout) ||
		errors.Is(err, ErrCaptureCanceled)
}
