package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies connector failures.
type ErrorKind string

const (
	// KindUnreachable covers network failures, timeouts and 5xx responses.
	// Transient: the owning loop retries with backoff.
	KindUnreachable ErrorKind = "unreachable"
	// KindAuthRejected covers 401/403 responses. Never retried automatically;
	// the instance is marked error until an explicit reconnect.
	KindAuthRejected ErrorKind = "auth_rejected"
	// KindMalformed covers responses the client could not parse. Transient:
	// usually a proxy or partial response in between.
	KindMalformed ErrorKind = "malformed"
)

// Error is a structured connector error with classification.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int // HTTP status code if applicable
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, string(e.Kind))
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable implements the retry.RetryableError interface. Auth rejections
// require user action; everything else is worth another attempt.
func (e *Error) IsRetryable() bool {
	return e.Kind != KindAuthRejected
}

// NewError creates a new structured connector error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Classify categorizes an arbitrary error from a connector operation.
// Context deadline and transport errors become unreachable.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var connErr *Error
	if errors.As(err, &connErr) {
		return connErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindUnreachable, "request timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(KindUnreachable, "request timed out", err)
		}
		return NewError(KindUnreachable, "network error", err)
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "network is unreachable") {
		return NewError(KindUnreachable, "connection failed", err)
	}

	return NewError(KindMalformed, "unexpected connector failure", err)
}

// ClassifyStatus maps an HTTP status code to a connector error.
// Returns nil for success statuses.
func ClassifyStatus(statusCode int, body string) *Error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == 401 || statusCode == 403:
		e := NewError(KindAuthRejected, "credentials rejected by instance", nil)
		e.StatusCode = statusCode
		return e
	case statusCode >= 500:
		e := NewError(KindUnreachable, "instance returned server error", nil)
		e.StatusCode = statusCode
		return e
	default:
		e := NewError(KindMalformed, fmt.Sprintf("unexpected response: %s", body), nil)
		e.StatusCode = statusCode
		return e
	}
}

// KindOf extracts the ErrorKind from an error, defaulting to unreachable for
// unclassified failures.
func KindOf(err error) ErrorKind {
	var connErr *Error
	if errors.As(err, &connErr) {
		return connErr.Kind
	}
	return Classify(err).Kind
}

// IsAuthRejected reports whether err is an auth rejection.
func IsAuthRejected(err error) bool {
	return KindOf(err) == KindAuthRejected
}
