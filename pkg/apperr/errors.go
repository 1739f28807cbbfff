// Package apperr provides a shared application-error taxonomy used by the
// retry-dispatcher core and its control-plane HTTP surface.
package apperr

import "fmt"

// Error codes recognized by the retry-dispatcher module.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeKafka          = "KAFKA_ERROR"
	ErrCodeHeaderDecode   = "RETRY_HEADER_DECODE_ERROR"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
)

// AppError represents an application error with a code and optional cause.
type AppError struct {
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail key/value pair and returns the receiver.
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewError creates a new AppError.
func NewError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WrapError wraps an existing error with a code and message.
func WrapError(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *AppError {
	return NewError(ErrCodeValidation, message)
}

// ErrNotFound creates a not-found error.
func ErrNotFound(resource string) *AppError {
	return NewError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

// ErrConflict creates a conflict error.
func ErrConflict(message string) *AppError {
	return NewError(ErrCodeConflict, message)
}

// ErrBadRequest creates a bad-request error.
func ErrBadRequest(message string) *AppError {
	return NewError(ErrCodeBadRequest, message)
}

// ErrKafka wraps a Kafka client/producer failure.
func ErrKafka(err error, message string) *AppError {
	return WrapError(err, ErrCodeKafka, message)
}

// ErrHeaderDecode wraps a retry-header decode failure. Always treated
// as a NonRetriable handler failure: a malformed header can never be
// distinguished from a permanent fault.
func ErrHeaderDecode(err error, message string) *AppError {
	return WrapError(err, ErrCodeHeaderDecode, message)
}

// ErrRetryExhausted wraps a blocking retry schedule's terminal give-up,
// preserving the last handler error as the cause.
func ErrRetryExhausted(err error, message string) *AppError {
	return WrapError(err, ErrCodeRetryExhausted, message)
}

// IsAppError reports whether err is an *AppError with the given code.
func IsAppError(err error, code string) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from err, defaulting to internal.
func GetErrorCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// GetHTTPStatus maps an error code to an HTTP status code, used by the
// operator control surface.
func GetHTTPStatus(err error) int {
	switch GetErrorCode(err) {
	case ErrCodeValidation, ErrCodeBadRequest:
		return 400
	case ErrCodeNotFound:
		return 404
	case ErrCodeConflict:
		return 409
	default:
		return 500
	}
}
