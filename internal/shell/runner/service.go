package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/shell/docker"
	"github.com/artpar/ladderbox/internal/shell/store"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds runner settings.
type Config struct {
	StartupTimeout time.Duration
	StopTimeout    time.Duration
	ProbeInterval  time.Duration
	// ProbeHost is dialed to detect the listener on the published port.
	ProbeHost string
	// ProbeHold is how long an accepted probe connection must stay open
	// before the port counts as listening.
	ProbeHold time.Duration
	// LogTail is the number of output lines kept for a crashed run.
	LogTail int
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		StartupTimeout: 30 * time.Second,
		StopTimeout:    10 * time.Second,
		ProbeInterval:  100 * time.Millisecond,
		ProbeHost:      "127.0.0.1",
		ProbeHold:      250 * time.Millisecond,
		LogTail:        50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeHost == "" {
		c.ProbeHost = d.ProbeHost
	}
	if c.ProbeHold <= 0 {
		c.ProbeHold = d.ProbeHold
	}
	if c.LogTail <= 0 {
		c.LogTail = d.LogTail
	}
	return c
}

// =============================================================================
// Request
// =============================================================================

// Request describes one container to instantiate. Image may be a tag or an
// image ID; when empty the image of BuildID is used.
type Request struct {
	Image         string
	BuildID       string
	Name          string
	HostPort      int
	ContainerPort int
	Env           map[string]string
}

// =============================================================================
// Service
// =============================================================================

// Service creates, starts, and stops containers.
type Service struct {
	docker docker.Client
	store  store.Store
	config Config
	logger *slog.Logger
}

// NewService creates a run service.
func NewService(d docker.Client, s store.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		docker: d,
		store:  s,
		config: cfg.withDefaults(),
		logger: logger.With("component", "runner"),
	}
}

// Run instantiates a container and blocks until the API is listening, the
// process exits, or the startup timeout passes. The run record is returned in
// every case where one was created; a non-nil error means the run is not
// serving.
func (s *Service) Run(ctx context.Context, req Request) (*domain.Run, error) {
	if err := s.resolve(ctx, &req); err != nil {
		return nil, err
	}

	run := domain.NewRun(req.Image, req.BuildID, req.HostPort)
	if req.Name != "" {
		run.Name = req.Name
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, NewRunError("record", run.ID, err.Error(), err)
	}

	log := s.logger.With("run_id", run.ID, "image", req.Image, "host_port", req.HostPort)

	containerID, err := s.docker.CreateContainer(ctx, docker.ContainerSpec{
		Name:  run.Name,
		Image: req.Image,
		Env:   req.Env,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelRun:     run.ID,
			docker.LabelBuild:   req.BuildID,
		},
		Ports: []docker.PortBinding{{
			ContainerPort: req.ContainerPort,
			HostPort:      req.HostPort,
			Protocol:      "tcp",
		}},
	})
	if err != nil {
		return s.abort(ctx, run, "create", err)
	}
	run.ContainerID = containerID
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return s.abort(ctx, run, "record", err)
	}

	// Register the wait before starting so a process that dies immediately is
	// still observed.
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	exited := s.docker.WaitContainer(waitCtx, containerID)

	if err := s.docker.StartContainer(ctx, containerID); err != nil {
		if errors.Is(err, docker.ErrPortAlreadyAllocated) {
			log.Warn("host port is already bound")
		}
		s.removeQuietly(ctx, containerID)
		return s.abort(ctx, run, "start", err)
	}
	if err := s.transition(ctx, run, domain.ContainerProcessStarted); err != nil {
		return run, NewRunError("record", run.ID, err.Error(), err)
	}
	log.Info("container started", "container_id", containerID)

	probeCtx, cancelProbe := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer cancelProbe()
	listening := make(chan error, 1)
	go func() {
		listening <- waitListening(probeCtx, s.config.ProbeHost, req.HostPort, s.config.ProbeInterval, s.config.ProbeHold)
	}()

	select {
	case res := <-exited:
		cancelProbe()
		if res.Err != nil {
			return run, s.crash(ctx, run, -1, "wait", res.Err.Error(), res.Err)
		}
		log.Warn("container exited before listening", "exit_code", res.ExitCode)
		return run, s.crash(ctx, run, res.ExitCode, "start", "process exited before listening", ErrExitedEarly)

	case err := <-listening:
		if err == nil {
			return run, s.promote(ctx, run, log)
		}
		if ctx.Err() != nil {
			return run, NewRunError("start", run.ID, "cancelled", ctx.Err())
		}
		// The probe gave up. A process that died at the deadline takes
		// precedence over the timeout.
		select {
		case res := <-exited:
			if res.Err == nil {
				return run, s.crash(ctx, run, res.ExitCode, "start", "process exited before listening", ErrExitedEarly)
			}
		default:
		}
		log.Warn("startup timeout, stopping container", "timeout", s.config.StartupTimeout)
		return run, s.timeout(ctx, run)
	}
}

// resolve fills the request from the referenced build and checks it.
func (s *Service) resolve(ctx context.Context, req *Request) error {
	if req.Image == "" && req.BuildID != "" {
		build, err := s.store.GetBuild(ctx, req.BuildID)
		if err != nil {
			return NewRunError("resolve", "", "build "+req.BuildID+": "+err.Error(), err)
		}
		if build.Phase != domain.BuildImageFinalized || build.ImageID == "" {
			return NewRunError("resolve", "", "build "+req.BuildID+" has no image", domain.ErrBuildNotFinalized)
		}
		req.Image = build.ImageID
	}
	if req.Image == "" {
		return NewRunError("resolve", "", "an image or a build is required", ErrInvalidRequest)
	}
	if req.HostPort < 1 || req.HostPort > 65535 {
		return NewRunError("resolve", "", fmt.Sprintf("host port %d is out of range", req.HostPort), ErrInvalidRequest)
	}
	if req.ContainerPort < 1 || req.ContainerPort > 65535 {
		return NewRunError("resolve", "", fmt.Sprintf("container port %d is out of range", req.ContainerPort), ErrInvalidRequest)
	}

	if _, err := s.docker.InspectImage(ctx, req.Image); err != nil {
		return NewRunError("resolve", "", "image "+req.Image+": "+err.Error(), err)
	}
	return nil
}

// promote records the listener and confirms the process is still alive.
func (s *Service) promote(ctx context.Context, run *domain.Run, log *slog.Logger) error {
	if err := s.transition(ctx, run, domain.ContainerListening); err != nil {
		return NewRunError("record", run.ID, err.Error(), err)
	}
	log.Info("container listening", "startup", run.ListeningAt.Sub(run.CreatedAt).Round(time.Millisecond))

	info, err := s.docker.InspectContainer(ctx, run.ContainerID)
	if err != nil {
		return NewRunError("inspect", run.ID, err.Error(), err)
	}
	if !info.Running {
		return s.crash(ctx, run, info.ExitCode, "start", "process exited after listening", ErrExitedEarly)
	}
	if err := s.transition(ctx, run, domain.ContainerRunning); err != nil {
		return NewRunError("record", run.ID, err.Error(), err)
	}
	return nil
}

// timeout stops a container that never listened and records the crash.
func (s *Service) timeout(ctx context.Context, run *domain.Run) error {
	stopCtx := context.WithoutCancel(ctx)
	stop := s.config.StopTimeout
	if err := s.docker.StopContainer(stopCtx, run.ContainerID, &stop); err != nil && !errors.Is(err, docker.ErrContainerNotRunning) {
		s.logger.Warn("failed to stop container", "run_id", run.ID, "error", err)
	}

	code := -1
	if info, err := s.docker.InspectContainer(stopCtx, run.ContainerID); err == nil {
		code = info.ExitCode
	}
	msg := fmt.Sprintf("no listener on port %d after %s", run.HostPort, s.config.StartupTimeout)
	return s.crash(ctx, run, code, "start", msg, ErrStartupTimeout)
}

// crash records the run as crashed with the exit code and log tail.
func (s *Service) crash(ctx context.Context, run *domain.Run, exitCode int, op, message string, cause error) error {
	recordCtx := context.WithoutCancel(ctx)
	logs := s.tail(recordCtx, run.ContainerID)

	if err := run.Crash(exitCode, message); err != nil {
		s.logger.Error("failed to mark run crashed", "run_id", run.ID, "error", err)
	}
	if err := s.store.UpdateRun(recordCtx, run); err != nil {
		s.logger.Error("failed to record crashed run", "run_id", run.ID, "error", err)
	}
	s.logger.Error("run crashed", "run_id", run.ID, "exit_code", exitCode, "reason", message)

	return &RunError{
		Op:       op,
		RunID:    run.ID,
		ExitCode: run.ExitCode,
		Logs:     logs,
		Message:  message,
		Err:      cause,
	}
}

// abort marks a run that never got a live process as crashed.
func (s *Service) abort(ctx context.Context, run *domain.Run, op string, cause error) (*domain.Run, error) {
	recordCtx := context.WithoutCancel(ctx)
	if err := run.Transition(domain.ContainerCrashed); err != nil {
		s.logger.Error("failed to mark run crashed", "run_id", run.ID, "error", err)
	}
	run.ErrorMessage = cause.Error()
	if err := s.store.UpdateRun(recordCtx, run); err != nil {
		s.logger.Error("failed to record aborted run", "run_id", run.ID, "error", err)
	}
	s.logger.Error("run aborted", "run_id", run.ID, "op", op, "error", cause)
	return run, NewRunError(op, run.ID, cause.Error(), cause)
}

func (s *Service) transition(ctx context.Context, run *domain.Run, to domain.ContainerPhase) error {
	if err := run.Transition(to); err != nil {
		return err
	}
	return s.store.UpdateRun(ctx, run)
}

// tail returns the last lines of the container output, or "" when the
// daemon cannot provide them.
func (s *Service) tail(ctx context.Context, containerID string) string {
	if containerID == "" {
		return ""
	}
	rc, err := s.docker.ContainerLogs(ctx, containerID, docker.LogOptions{Tail: fmt.Sprint(s.config.LogTail)})
	if err != nil {
		return ""
	}
	defer rc.Close()
	out, err := io.ReadAll(io.LimitReader(rc, 64<<10))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(out), "\n")
}

func (s *Service) removeQuietly(ctx context.Context, containerID string) {
	err := s.docker.RemoveContainer(context.WithoutCancel(ctx), containerID, docker.RemoveOptions{Force: true})
	if err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
		s.logger.Warn("failed to remove container", "container_id", containerID, "error", err)
	}
}

// =============================================================================
// Lifecycle Operations
// =============================================================================

// Get returns a run by ID.
func (s *Service) Get(ctx context.Context, runID string) (*domain.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// Stop stops the run's container and marks it terminated.
func (s *Service) Stop(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, NewRunError("stop", runID, err.Error(), err)
	}
	if !run.Phase.IsActive() {
		return run, NewRunError("stop", runID, "run is "+string(run.Phase), ErrRunNotActive)
	}

	stop := s.config.StopTimeout
	err = s.docker.StopContainer(ctx, run.ContainerID, &stop)
	if err != nil && !errors.Is(err, docker.ErrContainerNotRunning) && !errors.Is(err, docker.ErrContainerNotFound) {
		return run, NewRunError("stop", runID, err.Error(), err)
	}

	var exitCode *int
	if info, err := s.docker.InspectContainer(ctx, run.ContainerID); err == nil && !info.Running {
		exitCode = &info.ExitCode
	}
	if err := run.Terminate(exitCode); err != nil {
		return run, NewRunError("stop", runID, err.Error(), err)
	}
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return run, NewRunError("record", runID, err.Error(), err)
	}
	s.logger.Info("run stopped", "run_id", runID)
	return run, nil
}

// Remove removes the run's container. Active runs are stopped first.
func (s *Service) Remove(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, NewRunError("remove", runID, err.Error(), err)
	}
	if run.Phase.IsActive() {
		if run, err = s.Stop(ctx, runID); err != nil {
			return run, err
		}
	}
	if run.ContainerID != "" {
		err := s.docker.RemoveContainer(ctx, run.ContainerID, docker.RemoveOptions{Force: true})
		if err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
			return run, NewRunError("remove", runID, err.Error(), err)
		}
	}
	if run.Phase == domain.ContainerCreated || run.Phase == domain.ContainerCrashed {
		if err := run.Terminate(nil); err != nil {
			return run, NewRunError("remove", runID, err.Error(), err)
		}
		if err := s.store.UpdateRun(ctx, run); err != nil {
			return run, NewRunError("record", runID, err.Error(), err)
		}
	}
	return run, nil
}

// Logs streams the run's container output.
func (s *Service) Logs(ctx context.Context, runID string, opts docker.LogOptions) (io.ReadCloser, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, NewRunError("logs", runID, err.Error(), err)
	}
	if run.ContainerID == "" {
		return nil, NewRunError("logs", runID, "run has no container", docker.ErrContainerNotFound)
	}
	rc, err := s.docker.ContainerLogs(ctx, run.ContainerID, opts)
	if err != nil {
		return nil, NewRunError("logs", runID, err.Error(), err)
	}
	return rc, nil
}
