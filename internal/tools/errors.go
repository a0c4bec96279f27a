package tools

import (
	"errors"
	"fmt"
)

// ErrToolNotFound indicates a requested tool is not in the registry.
var ErrToolNotFound = errors.New("tool not found")

// Error wraps a tool lookup or execution failure.
type Error struct {
	// ToolName is the tool that failed.
	ToolName string

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("tool %s: %s", e.ToolName, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("tool %s: %v", e.ToolName, e.Cause)
	default:
		return fmt.Sprintf("tool %s: execution failed", e.ToolName)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a tool Error wrapping cause.
func NewError(toolName string, cause error) *Error {
	err := &Error{ToolName: toolName, Cause: cause}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}
