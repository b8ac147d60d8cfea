package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements the Client interface using the Docker SDK.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", "failed to create client", ErrConnectionFailed)
	}

	if host != "" {
		return &DockerClient{cli: cli}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, pingErr := cli.Ping(ctx); pingErr != nil {
		homeDir, _ := os.UserHomeDir()
		desktop, err2 := client.NewClientWithOpts(
			client.WithHost("unix://"+homeDir+"/.docker/run/docker.sock"),
			client.WithAPIVersionNegotiation(),
		)
		if err2 == nil {
			if _, pingErr2 := desktop.Ping(ctx); pingErr2 == nil {
				cli.Close()
				return &DockerClient{cli: desktop}, nil
			}
			desktop.Close()
		}
	}

	return &DockerClient{cli: cli}, nil
}

// Ping checks if Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Image Operations
// =============================================================================

// BuildImage sends the build context to the daemon and decodes the progress
// stream. Tags are only applied by the daemon when the build succeeds.
func (d *DockerClient) BuildImage(ctx context.Context, spec BuildSpec, onEvent func(BuildEvent)) (string, error) {
	resp, err := d.cli.ImageBuild(ctx, spec.Context, build.ImageBuildOptions{
		Dockerfile:  spec.Dockerfile,
		Tags:        spec.Tags,
		Labels:      spec.Labels,
		NoCache:     spec.NoCache,
		PullParent:  spec.PullParent,
		Remove:      true,
		ForceRemove: true,
		// The classic builder reports "Using cache" per step, which is how
		// layer reuse is observed.
		Version: build.BuilderV1,
	})
	if err != nil {
		return "", NewDockerError("BuildImage", "image", strings.Join(spec.Tags, ","), err.Error(), err)
	}
	defer resp.Body.Close()

	return DecodeBuildStream(resp.Body, onEvent)
}

// InspectImage returns the configuration of a local image.
func (d *DockerClient) InspectImage(ctx context.Context, ref string) (*ImageInfo, error) {
	resp, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("InspectImage", "image", ref, "image not found", ErrImageNotFound)
		}
		return nil, NewDockerError("InspectImage", "image", ref, err.Error(), err)
	}

	info := &ImageInfo{
		ID:       resp.ID,
		RepoTags: resp.RepoTags,
		Size:     resp.Size,
	}
	if resp.Config != nil {
		for port := range resp.Config.ExposedPorts {
			info.ExposedPorts = append(info.ExposedPorts, string(port))
		}
		info.Cmd = append([]string(nil), resp.Config.Cmd...)
		info.WorkingDir = resp.Config.WorkingDir
		info.Labels = resp.Config.Labels
	}
	return info, nil
}

// RemoveImage deletes a local image.
func (d *DockerClient) RemoveImage(ctx context.Context, ref string, force bool) error {
	_, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: force, PruneChildren: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("RemoveImage", "image", ref, "image not found", ErrImageNotFound)
		}
		if strings.Contains(err.Error(), "is being used") || strings.Contains(err.Error(), "conflict") {
			return NewDockerError("RemoveImage", "image", ref, err.Error(), ErrImageInUse)
		}
		return NewDockerError("RemoveImage", "image", ref, err.Error(), err)
	}
	return nil
}

// TagImage points ref at a local image.
func (d *DockerClient) TagImage(ctx context.Context, imageID, ref string) error {
	if err := d.cli.ImageTag(ctx, imageID, ref); err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("TagImage", "image", imageID, "image not found", ErrImageNotFound)
		}
		return NewDockerError("TagImage", "image", imageID, err.Error(), err)
	}
	return nil
}

// ImageExists checks if an image exists locally.
func (d *DockerClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, NewDockerError("ImageExists", "image", ref, err.Error(), err)
	}
	return true, nil
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a new container from the given spec.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Labels: spec.Labels,
	}
	for k, v := range spec.Env {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{}

	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}

		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort != 0 {
				hostPort = fmt.Sprintf("%d", p.HostPort)
			}
			portBindings[containerPort] = []nat.PortBinding{{HostIP: p.HostIP, HostPort: hostPort}}
		}

		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", NewDockerError("CreateContainer", "image", spec.Image, "image not found", ErrImageNotFound)
		}
		if strings.Contains(err.Error(), "Conflict") {
			return "", NewDockerError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
		return "", NewDockerError("CreateContainer", "container", spec.Name, err.Error(), err)
	}

	return resp.ID, nil
}

// StartContainer starts a created container. Host port conflicts surface
// here, when the daemon binds the published port.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("StartContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "port is already allocated") || strings.Contains(err.Error(), "address already in use") {
			return NewDockerError("StartContainer", "container", containerID, err.Error(), ErrPortAlreadyAllocated)
		}
		if strings.Contains(err.Error(), "is already running") {
			return NewDockerError("StartContainer", "container", containerID, "container is already running", ErrContainerAlreadyRunning)
		}
		return NewDockerError("StartContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// StopContainer stops a running container.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	stopOptions := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	err := d.cli.ContainerStop(ctx, containerID, stopOptions)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("StopContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return NewDockerError("StopContainer", "container", containerID, "container is not running", ErrContainerNotRunning)
		}
		return NewDockerError("StopContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("RemoveContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return NewDockerError("RemoveContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// InspectContainer returns detailed information about a container.
func (d *DockerClient) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("InspectContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("InspectContainer", "container", containerID, err.Error(), err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, resp.Created)
	info := &ContainerInfo{
		ID:        resp.ID,
		Name:      strings.TrimPrefix(resp.Name, "/"),
		CreatedAt: createdAt,
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		info.Status = ContainerStatus(resp.State.Status)
		info.Running = resp.State.Running
		info.OOMKilled = resp.State.OOMKilled
		info.Error = resp.State.Error
		info.ExitCode = resp.State.ExitCode
		info.StartedAt = parseStateTime(resp.State.StartedAt)
		info.FinishedAt = parseStateTime(resp.State.FinishedAt)
	}
	if resp.NetworkSettings != nil {
		for containerPort, bindings := range resp.NetworkSettings.Ports {
			for _, binding := range bindings {
				var hostPort int
				fmt.Sscanf(binding.HostPort, "%d", &hostPort)
				info.Ports = append(info.Ports, PortBinding{
					ContainerPort: containerPort.Int(),
					HostPort:      hostPort,
					Protocol:      containerPort.Proto(),
					HostIP:        binding.HostIP,
				})
			}
		}
	}

	return info, nil
}

// parseStateTime parses a daemon timestamp, treating the zero time as unset.
func parseStateTime(s string) *time.Time {
	if s == "" || s == "0001-01-01T00:00:00Z" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// WaitContainer waits for the container's next exit. Call it before
// StartContainer so an immediate exit is not missed. The channel receives
// exactly one result.
func (d *DockerClient) WaitContainer(ctx context.Context, containerID string) <-chan WaitResult {
	out := make(chan WaitResult, 1)
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	go func() {
		select {
		case resp := <-statusCh:
			result := WaitResult{ExitCode: int(resp.StatusCode)}
			if resp.Error != nil && resp.Error.Message != "" {
				result.Err = NewDockerError("WaitContainer", "container", containerID, resp.Error.Message, nil)
			}
			out <- result
		case err := <-errCh:
			if client.IsErrNotFound(err) {
				err = NewDockerError("WaitContainer", "container", containerID, "container not found", ErrContainerNotFound)
			}
			out <- WaitResult{ExitCode: -1, Err: err}
		}
	}()

	return out
}

// ContainerLogs returns the container's combined stdout and stderr with the
// daemon's stream multiplexing removed.
func (d *DockerClient) ContainerLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error) {
	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Timestamps: opts.Timestamps,
	}
	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339)
	}

	raw, err := d.cli.ContainerLogs(ctx, containerID, logOpts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("ContainerLogs", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("ContainerLogs", "container", containerID, err.Error(), err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}
