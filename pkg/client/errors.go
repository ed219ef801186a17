package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrBodyNotReissuable is returned when a request with a body cannot be re-created for a retry.
	ErrBodyNotReissuable = errors.New("request body cannot be re-issued")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents responses that could not be decoded.
	ErrorClassMalformed ErrorClass = "malformed"
)

// TransientError is a failure that may succeed when the request is re-issued:
// network errors, 5xx responses and 429 rate limiting.
type TransientError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string

	// RetryAfter is the server-requested wait (429 Retry-After), zero if absent.
	RetryAfter int
	Err        error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("transient %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a failure that must not be retried: 4xx responses other
// than 429, malformed response bodies, or requests that cannot be re-issued.
type PermanentError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("permanent %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// ExhaustedRetriesError carries the last transient failure after the retry
// budget is spent. It matches ErrRetryExhausted with errors.Is.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrRetryExhausted, e.Attempts, e.Last)
}

// Is reports ErrRetryExhausted as the sentinel for this error.
func (e *ExhaustedRetriesError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// Unwrap returns the last transient failure.
func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Last
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is, or wraps, a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// 4xx and malformed responses will fail the same way again
		return false
	}
}

// isRetryable is the default retry predicate: only transient errors are retried.
func isRetryable(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return shouldRetry(te.ErrorClass)
	}
	return false
}
