package llm

import (
	"errors"
	"fmt"
)

// ErrNoMessages indicates a completion request with an empty message list.
var ErrNoMessages = errors.New("completion request has no messages")

// ProviderError wraps any failure from the model gateway or a direct SDK
// client.
type ProviderError struct {
	// Provider names the family or backend that failed.
	Provider string

	// StatusCode is the HTTP status when the failure was an HTTP error.
	StatusCode int

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("llm provider %s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	case e.Message != "":
		return fmt.Sprintf("llm provider %s: %s", e.Provider, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("llm provider %s: %v", e.Provider, e.Cause)
	default:
		return fmt.Sprintf("llm provider %s: unknown error", e.Provider)
	}
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError wrapping cause.
func NewProviderError(provider string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Cause: cause}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// WithStatusCode sets the HTTP status of the failure.
func (e *ProviderError) WithStatusCode(code int) *ProviderError {
	e.StatusCode = code
	return e
}

// WithMessage sets a custom human-readable message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// IsProviderError checks if an error is or wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
