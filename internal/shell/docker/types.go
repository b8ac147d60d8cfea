// Package docker provides a Docker client for image builds and container
// lifecycle management.
package docker

import (
	"context"
	"io"
	"time"
)

// =============================================================================
// Build Types
// =============================================================================

// BuildSpec defines an image build.
type BuildSpec struct {
	Context    io.Reader // tar stream
	Dockerfile string    // descriptor path inside the context
	Tags       []string
	Labels     map[string]string
	NoCache    bool
	PullParent bool
}

// BuildEventKind classifies a decoded build progress message.
type BuildEventKind string

const (
	BuildEventStep   BuildEventKind = "step"   // a new instruction started
	BuildEventCached BuildEventKind = "cached" // the current instruction reused a layer
	BuildEventOutput BuildEventKind = "output" // instruction output
	BuildEventLayer  BuildEventKind = "layer"  // the current instruction produced a layer
	BuildEventError  BuildEventKind = "error"  // the build failed
	BuildEventImage  BuildEventKind = "image"  // final image ID
)

// BuildEvent is one decoded build progress message. Step is zero-based and
// refers to the instruction the message belongs to.
type BuildEvent struct {
	Kind        BuildEventKind
	Step        int
	Total       int
	Instruction string
	Text        string
}

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container. There is
// deliberately no restart policy: a crashed container stays crashed.
type ContainerSpec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	Labels  map[string]string
	Ports   []PortBinding
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	Status     ContainerStatus
	Running    bool
	OOMKilled  bool
	Error      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Ports      []PortBinding
	Labels     map[string]string
	ExitCode   int
}

// WaitResult is the outcome of waiting for a container to stop.
type WaitResult struct {
	ExitCode int
	Err      error
}

// =============================================================================
// Image Info
// =============================================================================

// ImageInfo describes a local image.
type ImageInfo struct {
	ID           string
	RepoTags     []string
	ExposedPorts []string // "8080/tcp"
	Cmd          []string
	WorkingDir   string
	Labels       map[string]string
	Size         int64
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// LogOptions defines options for container logs.
type LogOptions struct {
	Follow     bool
	Tail       string // "all" or number
	Since      time.Time
	Timestamps bool
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker client interface.
type Client interface {
	// Image operations
	BuildImage(ctx context.Context, spec BuildSpec, onEvent func(BuildEvent)) (imageID string, err error)
	InspectImage(ctx context.Context, ref string) (*ImageInfo, error)
	RemoveImage(ctx context.Context, ref string, force bool) error
	TagImage(ctx context.Context, imageID, ref string) error
	ImageExists(ctx context.Context, ref string) (bool, error)

	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	WaitContainer(ctx context.Context, containerID string) <-chan WaitResult
	ContainerLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged = "io.ladderbox.managed"
	LabelBuild   = "io.ladderbox.build"
	LabelRun     = "io.ladderbox.run"
	LabelRecipe  = "io.ladderbox.recipe-digest"
)
