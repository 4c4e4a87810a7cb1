package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrRetryAfterTooLong is returned when a 429 asks for a longer wait
	// than MaxRetryAfter.
	ErrRetryAfterTooLong = errors.New("retry-after exceeds maximum wait")
)

// ErrorClass represents a classification of HTTP errors.
type ErrorClass string

const (
	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassConflict represents 409 responses (cursor busy).
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassAuth represents 401 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassForbidden represents 403 responses and permission-denied bodies.
	ErrorClassForbidden ErrorClass = "forbidden"

	// ErrorClassClient represents other 4xx errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// permissionDenied marks 5xx bodies that are really authorization failures.
const permissionDenied = "permission denied"

// Classify maps a response status and body to an ErrorClass.
// Successful statuses return "".
func Classify(statusCode int, body []byte) ErrorClass {
	switch {
	case statusCode < 400:
		return ""
	case statusCode == http.StatusUnauthorized:
		return ErrorClassAuth
	case statusCode == http.StatusForbidden:
		return ErrorClassForbidden
	case statusCode == http.StatusConflict:
		return ErrorClassConflict
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode >= 500:
		if strings.Contains(strings.ToLower(string(body)), permissionDenied) {
			return ErrorClassForbidden
		}
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// StatusError is a non-2xx response from the tenant API.
type StatusError struct {
	StatusCode int
	Class      ErrorClass

	// Op names what the caller was doing, e.g. "pulling audit events".
	Op string

	// Validation marks errors raised while validating configuration
	// rather than while pulling.
	Validation bool

	Body []byte
	URL  string
	Err  error
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	var b strings.Builder
	if e.Validation {
		b.WriteString("Validation error occurred")
	} else {
		fmt.Fprintf(&b, "error occurred while %s", e.Op)
	}
	fmt.Fprintf(&b, ": %s error (status %d)", e.Class, e.StatusCode)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StatusError) Unwrap() error {
	return e.Err
}

// ClassOf returns the ErrorClass carried by err, or "" if none.
func ClassOf(err error) ErrorClass {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Class
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ErrorClassNetwork
	}
	return ""
}

// NetworkError wraps a failure to obtain any response.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error occurred while %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// shouldRetry determines if an error class is retried inside the transport.
// Conflicts, auth and forbidden responses are surfaced to the caller.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// IsRetryable is the default RetryPolicy predicate.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRetryAfterTooLong) {
		return false
	}
	return shouldRetry(ClassOf(err))
}
