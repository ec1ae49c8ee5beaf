package extractor

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError(t *testing.T) {
	err := fmt.Errorf("run: %w", &DomainError{Endpoint: "customers_subscriptions", Reason: "no parents"})

	if !errors.Is(err, ErrDomain) {
		t.Error("wrapped DomainError should match ErrDomain")
	}
	if errors.Is(err, ErrConfig) {
		t.Error("DomainError must not match ErrConfig")
	}
	if got := err.Error(); got != "run: endpoint customers_subscriptions: no parents" {
		t.Errorf("Error() = %q", got)
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Name: "nope"}

	if !errors.Is(err, ErrConfig) {
		t.Error("ConfigError should match ErrConfig")
	}
	if errors.Is(err, ErrDomain) {
		t.Error("ConfigError must not match ErrDomain")
	}
	if got := err.Error(); got != `unknown endpoint "nope"` {
		t.Errorf("Error() = %q", got)
	}
}
