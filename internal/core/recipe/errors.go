package recipe

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidBaseImage = errors.New("invalid base image reference")
	ErrInvalidWorkDir   = errors.New("work dir must be an absolute path")
	ErrInvalidManifest  = errors.New("invalid manifest path")
	ErrInvalidPort      = errors.New("port must be between 1 and 65535")
	ErrEmptyCommand     = errors.New("startup command is empty")
	ErrInvalidInstaller = errors.New("invalid installer command")
	ErrLayerOrdering    = errors.New("layer ordering violates cache invariant")
)

// ValidationError reports which recipe field failed validation.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("recipe.%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: err}
}
