package analysis

import (
	"fmt"
)

// Error is a classified diagnosis backend error. Retryable controls whether
// the queue burns another attempt on it: rate limits and backend overload
// are retryable, rejected credentials and invalid requests are not.
type Error struct {
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable implements the retry.RetryableError interface.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewTransientError creates a retryable backend error.
func NewTransientError(message string, cause error) *Error {
	return &Error{Message: message, Retryable: true, Cause: cause}
}

// NewPermanentError creates a non-retryable backend error.
func NewPermanentError(message string, cause error) *Error {
	return &Error{Message: message, Retryable: false, Cause: cause}
}

// classifyStatus maps an AI backend HTTP status to a classified error.
// 429 and 5xx are transient; auth and request problems are permanent.
func classifyStatus(statusCode int, message string, cause error) *Error {
	retryable := statusCode == 429 || statusCode >= 500
	return &Error{
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}
