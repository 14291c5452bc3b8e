package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks across packages.
var (
	ErrProvider        = errors.New("completion provider failure")
	ErrMissingResource = errors.New("missing resource")
	ErrConfiguration   = errors.New("invalid configuration")
	ErrIngest          = errors.New("ingest failure")
)

// ProviderError is a transient failure of the completion endpoint
// (network, rate limit, server error). It is not retried by the core.
type ProviderError struct {
	Provider string
	Status   int // HTTP status, 0 when the request never completed
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{ErrProvider, e.Err} }

// MissingResourceError reports a referenced attachment or record that
// no longer exists.
type MissingResourceError struct {
	Kind string
	ID   string
}

func (e *MissingResourceError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *MissingResourceError) Is(target error) bool { return target == ErrMissingResource }

// ConfigurationError rejects an out-of-range setting. Its message is safe
// to show to the user.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// IngestError reports a corpus document that was stored but could not be
// indexed.
type IngestError struct {
	File  string
	Stage string // "extract", "title", "metadata", "index"
	Err   error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s: %s: %v", e.File, e.Stage, e.Err)
}

func (e *IngestError) Unwrap() []error { return []error{ErrIngest, e.Err} }
