package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends during the admission
	// wait, a request or a retry backoff. The context error stays wrapped.
	ErrContextCancelled = errors.New("context cancelled")
)

// TransportError is a network or timeout failure that survived the retry budget.
type TransportError struct {
	Path     string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

// Unwrap returns both the retry sentinel and the last cause.
func (e *TransportError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Err}
}

// HTTPStatusError is a terminal non-success response. Retryable statuses only
// surface once the retry budget is spent; any other status surfaces on the
// first attempt.
type HTTPStatusError struct {
	StatusCode int
	Path       string
	Attempts   int
	Retryable  bool
	Message    string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("HTTP %d for %s after %d attempts: %s", e.StatusCode, e.Path, e.Attempts, e.Message)
	}
	return fmt.Sprintf("HTTP %d for %s: %s", e.StatusCode, e.Path, e.Message)
}

// Unwrap exposes ErrRetryExhausted when the status was retried to exhaustion.
func (e *HTTPStatusError) Unwrap() error {
	if e.Retryable {
		return ErrRetryExhausted
	}
	return nil
}

// ParseError reports a response body that is not a JSON object.
type ParseError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse response for %s: %v", e.Path, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// retryError is the per-attempt failure handed to retryWithBackoff.
type retryError struct {
	class ErrorClass
	err   error
}

func (e *retryError) Error() string { return e.err.Error() }

func (e *retryError) Unwrap() error { return e.err }

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassRetryable, ErrorClassNetwork:
		return true
	default:
		// Statuses outside the retry set and undecodable bodies are final.
		return false
	}
}
