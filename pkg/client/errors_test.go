package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{
			name:       "client error should not retry",
			errorClass: ErrorClassClient,
			expected:   false,
		},
		{
			name:       "server error should retry",
			errorClass: ErrorClassServer,
			expected:   true,
		},
		{
			name:       "rate limit should retry",
			errorClass: ErrorClassRateLimit,
			expected:   true,
		},
		{
			name:       "network error should retry",
			errorClass: ErrorClassNetwork,
			expected:   true,
		},
		{
			name:       "malformed response should not retry",
			errorClass: ErrorClassMalformed,
			expected:   false,
		},
		{
			name:       "empty error class should not retry",
			errorClass: "",
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shouldRetry(tt.errorClass)
			if result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestTransientError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *TransientError
		expected string
	}{
		{
			name: "error with wrapped error",
			err: &TransientError{
				StatusCode: 0,
				ErrorClass: ErrorClassNetwork,
				Message:    "request failed",
				Err:        errors.New("connection reset"),
			},
			expected: "transient network error (status 0): request failed: connection reset",
		},
		{
			name: "error without wrapped error",
			err: &TransientError{
				StatusCode: 503,
				ErrorClass: ErrorClassServer,
				Message:    "503 Service Unavailable",
			},
			expected: "transient server error (status 503): 503 Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestPermanentError_Error(t *testing.T) {
	err := &PermanentError{
		StatusCode: 404,
		ErrorClass: ErrorClassClient,
		Message:    "404 Not Found",
	}

	expected := "permanent client error (status 404): 404 Not Found"
	if got := err.Error(); got != expected {
		t.Errorf("Error() = %q, want %q", got, expected)
	}
}

func TestExhaustedRetriesError(t *testing.T) {
	last := &TransientError{StatusCode: 502, ErrorClass: ErrorClassServer, Message: "bad gateway"}
	err := fmt.Errorf("fetch page 3: %w", &ExhaustedRetriesError{Attempts: 5, Last: last})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Error("errors.Is(err, ErrRetryExhausted) = false, want true")
	}

	var exhausted *ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatal("errors.As(err, *ExhaustedRetriesError) = false")
	}
	if exhausted.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", exhausted.Attempts)
	}

	var transient *TransientError
	if !errors.As(err, &transient) || transient.StatusCode != 502 {
		t.Error("expected the last TransientError to be reachable through unwrapping")
	}
}

func TestIsTransientIsPermanent(t *testing.T) {
	transient := fmt.Errorf("wrapped: %w", &TransientError{ErrorClass: ErrorClassServer})
	permanent := fmt.Errorf("wrapped: %w", &PermanentError{ErrorClass: ErrorClassClient})
	plain := errors.New("plain")

	if !IsTransient(transient) || IsPermanent(transient) {
		t.Error("transient error misclassified")
	}
	if !IsPermanent(permanent) || IsTransient(permanent) {
		t.Error("permanent error misclassified")
	}
	if IsTransient(plain) || IsPermanent(plain) {
		t.Error("plain error misclassified")
	}
}

func TestIsCancelled(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "canceled", err: context.Canceled, expected: true},
		{name: "deadline", err: fmt.Errorf("x: %w", context.DeadlineExceeded), expected: true},
		{name: "retry cancelled", err: fmt.Errorf("%w: boom", ErrContextCancelled), expected: true},
		{name: "other", err: errors.New("boom"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCancelled(tt.err); got != tt.expected {
				t.Errorf("IsCancelled() = %v, want %v", got, tt.expected)
			}
		})
	}
}
