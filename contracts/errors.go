package contracts

import (
	"fmt"
	"time"
)

// ErrorCode identifies a protocol error class on the wire and in Go.
type ErrorCode string

const (
	ErrCodeInvalidVersion   ErrorCode = "INVALID_VERSION"
	ErrCodeInvalidMessage   ErrorCode = "INVALID_MESSAGE"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeEncryptionFailed ErrorCode = "ENCRYPTION_FAILED"
	ErrCodeDecryptionFailed ErrorCode = "DECRYPTION_FAILED"
	ErrCodeTokenExpired     ErrorCode = "TOKEN_EXPIRED"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// statusHints maps error codes to transport-agnostic status hints,
// loosely following HTTP semantics for dashboard consumption.
var statusHints = map[ErrorCode]int{
	ErrCodeInvalidVersion:   400,
	ErrCodeInvalidMessage:   400,
	ErrCodeUnauthorized:     401,
	ErrCodeForbidden:        403,
	ErrCodeNotFound:         404,
	ErrCodeTimeout:          408,
	ErrCodeRateLimited:      429,
	ErrCodeEncryptionFailed: 500,
	ErrCodeDecryptionFailed: 400,
	ErrCodeTokenExpired:     401,
	ErrCodeInternal:         500,
}

// ProtocolError is the error type surfaced by every layer of the
// protocol stack.
type ProtocolError struct {
	Code    ErrorCode
	Message string
	Status  int
	Details map[string]interface{}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewProtocolError creates a protocol error with the status hint
// derived from the code.
func NewProtocolError(code ErrorCode, message string) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: message,
		Status:  statusHints[code],
	}
}

// Errorf creates a protocol error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *ProtocolError {
	return NewProtocolError(code, fmt.Sprintf(format, args...))
}

// WithDetails attaches structured details and returns the error for
// chaining.
func (e *ProtocolError) WithDetails(details map[string]interface{}) *ProtocolError {
	e.Details = details
	return e
}

// ErrorDetail is the wire representation of a protocol error, carried
// in response and error payloads.
type ErrorDetail struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Detail converts the error to its wire representation.
func (e *ProtocolError) Detail() ErrorDetail {
	return ErrorDetail{Code: e.Code, Message: e.Message, Details: e.Details}
}

// AsError converts a wire error detail back into a ProtocolError.
func (d ErrorDetail) AsError() *ProtocolError {
	return &ProtocolError{
		Code:    d.Code,
		Message: d.Message,
		Status:  statusHints[d.Code],
		Details: d.Details,
	}
}

// ShouldRetryCode reports whether an operation failing with the given
// code is worth retrying. Only transient conditions qualify.
func ShouldRetryCode(code ErrorCode) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeInternal, ErrCodeRateLimited:
		return true
	}
	return false
}

// Backoff returns the delay before retry attempt n (1-based),
// doubling from base each attempt.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}
