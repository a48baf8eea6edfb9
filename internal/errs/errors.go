// Package errs holds the error types shared across control plane components.
package errs

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a reference to something that was never
// configured: an unknown SLO, breaker, plan or service. It is fatal to the
// call, not to the process.
type ConfigurationError struct {
	Kind   string
	Name   string
	Reason string
}

func (e ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("configuration error: %s %q: %s", e.Kind, e.Name, e.Reason)
	}
	return fmt.Sprintf("configuration error: unknown %s %q", e.Kind, e.Name)
}

// Unknown builds a ConfigurationError for an unregistered name
func Unknown(kind, name string) error {
	return ConfigurationError{Kind: kind, Name: name}
}

// Invalid builds a ConfigurationError for a definition that failed validation
func Invalid(kind, name, reason string) error {
	return ConfigurationError{Kind: kind, Name: name, Reason: reason}
}

// IsConfiguration reports whether err wraps a ConfigurationError
func IsConfiguration(err error) bool {
	var ce ConfigurationError
	return errors.As(err, &ce)
}

// NotFoundError reports a missing runtime entity such as an incident
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NotFound builds a NotFoundError
func NotFound(kind, id string) error {
	return NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err wraps a NotFoundError
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
