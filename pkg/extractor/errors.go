package extractor

import (
	"errors"
	"fmt"
)

var (
	// ErrDomain matches every *DomainError.
	ErrDomain = errors.New("domain error")

	// ErrConfig matches every *ConfigError.
	ErrConfig = errors.New("configuration error")
)

// DomainError reports that an endpoint cannot be fetched with the data at
// hand, e.g. its parent listing is empty.
type DomainError struct {
	Endpoint string
	Reason   string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	return fmt.Sprintf("endpoint %s: %s", e.Endpoint, e.Reason)
}

// Is reports whether target is ErrDomain.
func (e *DomainError) Is(target error) bool {
	return target == ErrDomain
}

// ConfigError reports an unknown endpoint name.
type ConfigError struct {
	Name string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("unknown endpoint %q", e.Name)
}

// Is reports whether target is ErrConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}
