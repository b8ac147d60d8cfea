// Package workspace reads an application directory the way the image builder
// will see it: the dependency manifest, the .dockerignore rules, and the
// application tree that gets copied into the image.
package workspace

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrNotDirectory    = errors.New("workspace is not a directory")
	ErrManifestMissing = errors.New("dependency manifest not found")
	ErrManifestIgnored = errors.New("dependency manifest is excluded by .dockerignore")
	ErrInvalidIgnore   = errors.New("invalid .dockerignore")
)

// WorkspaceError wraps errors with the path that caused them.
type WorkspaceError struct {
	Op      string
	Path    string
	Message string
	Err     error
}

func (e *WorkspaceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}

// NewWorkspaceError creates a new WorkspaceError.
func NewWorkspaceError(op, path, message string, err error) *WorkspaceError {
	return &WorkspaceError{
		Op:      op,
		Path:    path,
		Message: message,
		Err:     err,
	}
}
