package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Container Phase
// =============================================================================

// ContainerPhase is the lifecycle of one container instantiated from an image.
// It is independent of the build that produced the image.
type ContainerPhase string

const (
	ContainerCreated        ContainerPhase = "created"
	ContainerProcessStarted ContainerPhase = "process-started"
	ContainerListening      ContainerPhase = "listening"
	ContainerRunning        ContainerPhase = "running"
	ContainerCrashed        ContainerPhase = "crashed"
	ContainerTerminated     ContainerPhase = "terminated"
)

// validContainerTransitions defines the allowed container phase transitions.
// A process that never opens its listener goes straight from process-started
// to crashed.
var validContainerTransitions = map[ContainerPhase][]ContainerPhase{
	ContainerCreated:        {ContainerProcessStarted, ContainerCrashed, ContainerTerminated},
	ContainerProcessStarted: {ContainerListening, ContainerCrashed, ContainerTerminated},
	ContainerListening:      {ContainerRunning, ContainerCrashed, ContainerTerminated},
	ContainerRunning:        {ContainerCrashed, ContainerTerminated},
	ContainerCrashed:        {ContainerTerminated},
}

// ValidateContainerTransition checks if a container phase transition is valid.
func ValidateContainerTransition(from, to ContainerPhase) error {
	allowed, exists := validContainerTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, p := range allowed {
		if p == to {
			return nil
		}
	}

	return ErrInvalidTransition
}

// IsActive reports whether the container is expected to have a live process.
func (p ContainerPhase) IsActive() bool {
	return p == ContainerProcessStarted || p == ContainerListening || p == ContainerRunning
}

// ContainerPhaseFromState maps the daemon's container state to a phase.
//
// Parameters:
//   - status: daemon status (created, running, exited, dead, ...)
//   - exitCode: exit code reported for stopped containers
//   - listening: whether the listener has been observed on the published port
func ContainerPhaseFromState(status string, exitCode int, listening bool) ContainerPhase {
	switch status {
	case "created":
		return ContainerCreated
	case "running", "restarting", "paused":
		if listening {
			return ContainerRunning
		}
		return ContainerProcessStarted
	case "exited":
		if exitCode != 0 {
			return ContainerCrashed
		}
		return ContainerTerminated
	case "dead":
		return ContainerCrashed
	case "removing":
		return ContainerTerminated
	default:
		return ContainerTerminated
	}
}

// =============================================================================
// Run
// =============================================================================

// Run is one container instantiation.
type Run struct {
	ID           string         `json:"id"`
	BuildID      string         `json:"build_id,omitempty"`
	Image        string         `json:"image"`
	ContainerID  string         `json:"container_id,omitempty"`
	Name         string         `json:"name"`
	Phase        ContainerPhase `json:"phase"`
	HostPort     int            `json:"host_port"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ListeningAt  *time.Time     `json:"listening_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// NewRun creates a run record for a container about to be created.
func NewRun(image, buildID string, hostPort int) *Run {
	now := time.Now()
	id := uuid.New().String()[:8]
	return &Run{
		ID:        "run_" + id,
		BuildID:   buildID,
		Image:     image,
		Name:      "ladderbox-" + id,
		Phase:     ContainerCreated,
		HostPort:  hostPort,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the run to a new phase.
func (r *Run) Transition(to ContainerPhase) error {
	if err := ValidateContainerTransition(r.Phase, to); err != nil {
		return err
	}

	now := time.Now()
	r.Phase = to
	r.UpdatedAt = now

	switch to {
	case ContainerListening:
		r.ListeningAt = &now
	case ContainerCrashed, ContainerTerminated:
		if r.FinishedAt == nil {
			r.FinishedAt = &now
		}
	}
	return nil
}

// Crash marks the run crashed with the process exit code.
func (r *Run) Crash(exitCode int, message string) error {
	if err := r.Transition(ContainerCrashed); err != nil {
		return err
	}
	r.ExitCode = &exitCode
	r.ErrorMessage = message
	return nil
}

// Terminate marks the run terminated. The exit code is optional because a
// removed container no longer reports one.
func (r *Run) Terminate(exitCode *int) error {
	if err := r.Transition(ContainerTerminated); err != nil {
		return err
	}
	if exitCode != nil {
		r.ExitCode = exitCode
	}
	return nil
}
