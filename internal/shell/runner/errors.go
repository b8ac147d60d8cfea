// Package runner instantiates containers from built images and tracks them
// until the packaged API is listening or the process has died.
package runner

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrStartupTimeout = errors.New("container did not start listening in time")
	ErrExitedEarly    = errors.New("container exited before listening")
	ErrInvalidRequest = errors.New("invalid run request")
	ErrRunNotActive   = errors.New("run is not active")
)

// RunError reports a failed run. ExitCode is the process exit status when the
// container exited, or nil when it never ran to completion.
type RunError struct {
	Op       string
	RunID    string
	ExitCode *int
	Logs     string // tail of the container output
	Message  string
	Err      error
}

func (e *RunError) Error() string {
	msg := e.Op
	if e.RunID != "" {
		msg += " " + e.RunID
	}
	msg += ": " + e.Message
	if e.ExitCode != nil {
		msg += fmt.Sprintf(" (exit code %d)", *e.ExitCode)
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// NewRunError creates a RunError without an exit code.
func NewRunError(op, runID, message string, err error) *RunError {
	return &RunError{
		Op:      op,
		RunID:   runID,
		Message: message,
		Err:     err,
	}
}
