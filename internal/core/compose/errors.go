// Package compose renders and checks the orchestrator handoff document for a
// built image. ladderbox never restarts containers itself; operators who need
// restarts hand the exported document to an orchestrator.
//
// This is part of the functional core: all functions are pure with no I/O.
package compose

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrEmptyInput     = errors.New("compose document is empty")
	ErrInvalidYAML    = errors.New("invalid YAML syntax")
	ErrInvalidProject = errors.New("invalid compose project")

	ErrServiceCount    = errors.New("compose document must define exactly one service")
	ErrMissingImage    = errors.New("service must reference an image")
	ErrPortNotDeclared = errors.New("service does not publish the declared port")

	ErrInvalidRestart = errors.New("invalid restart policy")
	ErrInvalidPort    = errors.New("invalid port")
)

// ComposeError wraps errors with context about the offending field.
type ComposeError struct {
	Field   string // e.g., "services.api.ports"
	Message string
	Err     error
}

func (e *ComposeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ComposeError) Unwrap() error {
	return e.Err
}

// NewComposeError creates a new ComposeError.
func NewComposeError(field, message string, err error) *ComposeError {
	return &ComposeError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
