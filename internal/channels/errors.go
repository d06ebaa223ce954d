package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies adapter failures for logging and retry
// decisions.
type ErrorCode string

const (
	ErrCodeConnection     ErrorCode = "connection"
	ErrCodeAuthentication ErrorCode = "authentication"
	ErrCodeRateLimit      ErrorCode = "rate_limit"
	ErrCodeInvalidInput   ErrorCode = "invalid_input"
	ErrCodeTimeout        ErrorCode = "timeout"
	ErrCodeConfig         ErrorCode = "config"
	ErrCodeInternal       ErrorCode = "internal"
)

// Error is a classified adapter failure.
type Error struct {
	Channel string
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	prefix := string(e.Code)
	if e.Channel != "" {
		prefix = e.Channel + " " + prefix
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is transient. Connection
// drops, rate limits, and timeouts are worth retrying; bad credentials
// and bad input are not.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeRateLimit, ErrCodeTimeout:
		return true
	}
	return false
}

// NewError builds a classified adapter error.
func NewError(channel string, code ErrorCode, message string, cause error) *Error {
	return &Error{Channel: channel, Code: code, Message: message, Cause: cause}
}

// IsRetryable reports whether err is a retryable channel error.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}
