// Package builder turns a recipe and an application directory into an image,
// recording the build's progress and layer reuse in the ledger.
package builder

import (
	"errors"
	"fmt"

	"github.com/artpar/ladderbox/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrImageMismatch is returned when the produced image does not declare
	// the recipe's port or startup command.
	ErrImageMismatch = errors.New("image does not match recipe")
)

// BuildError reports a failed build. Phase is the last phase the build
// completed before failing; Step is the zero-based instruction that failed,
// or -1 when the failure happened outside the daemon build.
type BuildError struct {
	Op          string
	BuildID     string
	Phase       domain.BuildPhase
	Step        int
	Instruction string
	Message     string
	Err         error
}

func (e *BuildError) Error() string {
	msg := e.Op
	if e.BuildID != "" {
		msg += " " + e.BuildID
	}
	if e.Step >= 0 {
		msg += fmt.Sprintf(" step %d (%s)", e.Step+1, e.Instruction)
	}
	return msg + ": " + e.Message
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// NewBuildError creates a BuildError that is not tied to a step.
func NewBuildError(op, buildID string, phase domain.BuildPhase, message string, err error) *BuildError {
	return &BuildError{
		Op:      op,
		BuildID: buildID,
		Phase:   phase,
		Step:    -1,
		Message: message,
		Err:     err,
	}
}
