package client

import (
	"errors"
	"strings"
	"testing"
)

func TestHTTPStatusError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *HTTPStatusError
		contains []string
	}{
		{
			name:     "non retryable",
			err:      &HTTPStatusError{StatusCode: 404, Path: "customers", Attempts: 1, Message: "not found"},
			contains: []string{"HTTP 404", "customers", "not found"},
		},
		{
			name:     "retried to exhaustion",
			err:      &HTTPStatusError{StatusCode: 429, Path: "activities", Attempts: 5, Retryable: true, Message: "slow down"},
			contains: []string{"HTTP 429", "after 5 attempts", "slow down"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, want it to contain %q", msg, want)
				}
			}
		})
	}
}

func TestHTTPStatusError_Unwrap(t *testing.T) {
	exhausted := &HTTPStatusError{StatusCode: 503, Retryable: true}
	if !errors.Is(exhausted, ErrRetryExhausted) {
		t.Error("retried status error should match ErrRetryExhausted")
	}

	final := &HTTPStatusError{StatusCode: 400}
	if errors.Is(final, ErrRetryExhausted) {
		t.Error("non-retryable status error should not match ErrRetryExhausted")
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &TransportError{Path: "customers", Attempts: 3, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the network cause")
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Error("errors.Is should match ErrRetryExhausted")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("Error() = %q, want attempt count", err.Error())
	}
}

func TestParseError_Unwrap(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &ParseError{Path: "invoices", Err: cause}

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatal("errors.As should find *ParseError")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the decode cause")
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected bool
	}{
		{ErrorClassRetryable, true},
		{ErrorClassNetwork, true},
		{ErrorClassStatus, false},
		{ErrorClassParse, false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := shouldRetry(tt.class); got != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.class, got, tt.expected)
			}
		})
	}
}
