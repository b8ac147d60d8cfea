// Package dockertest provides an in-memory Docker daemon for tests.
//
// The fake keeps its own layer cache keyed by instruction text and the bytes
// each COPY reads from the build context, and it runs "containers" as real
// TCP listeners on the published host port, so callers exercise the same
// cache and readiness behaviour they would against a daemon.
package dockertest

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/ladderbox/internal/shell/docker"
)

// Behavior scripts what a started container does.
type Behavior struct {
	// Listen opens a listener on the published host port after ListenDelay.
	Listen      bool
	ListenDelay time.Duration
	// Proxy publishes the host port as soon as the container starts, the
	// way docker-proxy does. Until the process listens, accepted
	// connections are closed immediately.
	Proxy bool
	// ExitAfter, when positive, ends the process with ExitCode.
	ExitAfter time.Duration
	ExitCode  int
	Logs      string
}

// Fake implements docker.Client.
type Fake struct {
	mu sync.Mutex

	layers     map[string]bool
	images     map[string]*docker.ImageInfo
	containers map[string]*container
	nextID     int

	// FailStep makes any build step whose text contains it fail.
	FailStep string
	// Behavior decides how a container behaves; nil means listen forever.
	Behavior func(spec docker.ContainerSpec) Behavior
	// AllocatedPorts makes StartContainer fail for these host ports.
	AllocatedPorts map[int]bool
	// PingErr is returned by Ping.
	PingErr error
	// StripMetadata builds images without EXPOSE, CMD and WORKDIR metadata.
	StripMetadata bool
	// TagErr is returned by TagImage.
	TagErr error

	Builds  int
	Removed []string
}

type container struct {
	id       string
	spec     docker.ContainerSpec
	behavior Behavior
	status   docker.ContainerStatus
	exitCode int
	serving  bool
	listener net.Listener
	waiters  []chan docker.WaitResult
	timer    *time.Timer
	finished *time.Time
}

// New creates an empty fake daemon.
func New() *Fake {
	return &Fake{
		layers:     map[string]bool{},
		images:     map[string]*docker.ImageInfo{},
		containers: map[string]*container{},
	}
}

var _ docker.Client = (*Fake)(nil)

func (f *Fake) Ping(ctx context.Context) error { return f.PingErr }

// Close stops every listener the fake opened.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		f.exitLocked(c, 0)
	}
	return nil
}

// =============================================================================
// Images
// =============================================================================

// BuildImage executes the descriptor against the fake layer cache.
func (f *Fake) BuildImage(ctx context.Context, spec docker.BuildSpec, onEvent func(docker.BuildEvent)) (string, error) {
	if onEvent == nil {
		onEvent = func(docker.BuildEvent) {}
	}

	files, err := readContext(spec.Context)
	if err != nil {
		return "", err
	}
	descriptor, ok := files[spec.Dockerfile]
	if !ok {
		return "", docker.NewDockerError("BuildImage", "image", "", "descriptor not found in context", docker.ErrBuildFailed)
	}
	delete(files, spec.Dockerfile)
	// The daemon drops .dockerignore from the context when it ignores itself.
	if ignore, ok := files[".dockerignore"]; ok {
		for _, line := range strings.Split(string(ignore), "\n") {
			if strings.TrimSpace(line) == ".dockerignore" {
				delete(files, ".dockerignore")
			}
		}
	}

	var steps []string
	for _, line := range strings.Split(string(descriptor), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		steps = append(steps, line)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Builds++

	info := &docker.ImageInfo{}
	parent := ""
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		ev := docker.BuildEvent{Step: i, Total: len(steps), Instruction: step}
		ev.Kind = docker.BuildEventStep
		onEvent(ev)

		key := layerKey(parent, step, files)
		parent = key
		if !f.StripMetadata {
			applyMetadata(info, step)
		}

		if f.layers[key] && !spec.NoCache {
			ev.Kind = docker.BuildEventCached
			onEvent(ev)
		} else {
			if f.FailStep != "" && strings.Contains(step, f.FailStep) {
				ev.Kind, ev.Text = docker.BuildEventError, fmt.Sprintf("The command '%s' returned a non-zero code: 1", step)
				onEvent(ev)
				return "", docker.NewDockerError("BuildImage", "image", "", ev.Text, docker.ErrBuildFailed)
			}
			ev.Kind, ev.Text = docker.BuildEventOutput, "executing "+step
			onEvent(ev)
			f.layers[key] = true
		}
		ev.Kind, ev.Text = docker.BuildEventLayer, key[:12]
		onEvent(ev)
	}

	info.ID = "sha256:" + parent
	if f.StripMetadata {
		sum := sha256.Sum256([]byte(parent + "|stripped"))
		info.ID = "sha256:" + hex.EncodeToString(sum[:])
	}
	info.Labels = spec.Labels
	if existing, ok := f.images[info.ID]; ok {
		existing.Labels = spec.Labels
		info = existing
	}
	f.images[info.ID] = info
	for _, tag := range spec.Tags {
		f.tagLocked(info, tag)
	}
	onEvent(docker.BuildEvent{Kind: docker.BuildEventImage, Step: len(steps) - 1, Total: len(steps), Text: info.ID})
	return info.ID, nil
}

// PutImage registers an image without building it.
func (f *Fake) PutImage(ref string, info docker.ImageInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = &info
}

func (f *Fake) InspectImage(ctx context.Context, ref string) (*docker.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.images[ref]
	if !ok {
		return nil, docker.NewDockerError("InspectImage", "image", ref, "image not found", docker.ErrImageNotFound)
	}
	copied := *info
	return &copied, nil
}

// RemoveImage untags ref when the image has other tags, and deletes the
// image otherwise.
func (f *Fake) RemoveImage(ctx context.Context, ref string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.images[ref]
	if !ok {
		return docker.NewDockerError("RemoveImage", "image", ref, "image not found", docker.ErrImageNotFound)
	}
	f.Removed = append(f.Removed, ref)
	if ref != info.ID && len(info.RepoTags) > 1 {
		delete(f.images, ref)
		info.RepoTags = slices.DeleteFunc(info.RepoTags, func(t string) bool { return t == ref })
		return nil
	}
	for k, v := range f.images {
		if v == info {
			delete(f.images, k)
		}
	}
	return nil
}

// TagImage moves ref to the image with imageID.
func (f *Fake) TagImage(ctx context.Context, imageID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.images[imageID]
	if !ok {
		return docker.NewDockerError("TagImage", "image", imageID, "image not found", docker.ErrImageNotFound)
	}
	if f.TagErr != nil {
		return f.TagErr
	}
	f.tagLocked(info, ref)
	return nil
}

func (f *Fake) tagLocked(info *docker.ImageInfo, ref string) {
	if prev, ok := f.images[ref]; ok && prev != info {
		prev.RepoTags = slices.DeleteFunc(prev.RepoTags, func(t string) bool { return t == ref })
	}
	f.images[ref] = info
	if !slices.Contains(info.RepoTags, ref) {
		info.RepoTags = append(info.RepoTags, ref)
	}
}

func (f *Fake) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.images[ref]
	return ok, nil
}

// =============================================================================
// Containers
// =============================================================================

func (f *Fake) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.images[spec.Image]; !ok {
		return "", docker.NewDockerError("CreateContainer", "image", spec.Image, "image not found", docker.ErrImageNotFound)
	}
	for _, c := range f.containers {
		if c.spec.Name == spec.Name {
			return "", docker.NewDockerError("CreateContainer", "container", spec.Name, "container already exists", docker.ErrContainerAlreadyExists)
		}
	}

	f.nextID++
	id := fmt.Sprintf("%064x", f.nextID)
	behavior := Behavior{Listen: true}
	if f.Behavior != nil {
		behavior = f.Behavior(spec)
	}
	f.containers[id] = &container{id: id, spec: spec, behavior: behavior, status: docker.ContainerStatusCreated}
	return id, nil
}

func (f *Fake) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return docker.NewDockerError("StartContainer", "container", containerID, "container not found", docker.ErrContainerNotFound)
	}
	if c.status == docker.ContainerStatusRunning {
		return docker.NewDockerError("StartContainer", "container", containerID, "container is already running", docker.ErrContainerAlreadyRunning)
	}
	for _, p := range c.spec.Ports {
		if f.AllocatedPorts[p.HostPort] {
			return docker.NewDockerError("StartContainer", "container", containerID,
				fmt.Sprintf("Bind for 0.0.0.0:%d failed: port is already allocated", p.HostPort), docker.ErrPortAlreadyAllocated)
		}
	}

	c.status = docker.ContainerStatusRunning
	b := c.behavior
	port := 0
	if len(c.spec.Ports) > 0 {
		port = c.spec.Ports[0].HostPort
	}
	if b.Proxy && port > 0 {
		if err := f.listenLocked(c, port); err != nil {
			c.status = docker.ContainerStatusCreated
			return docker.NewDockerError("StartContainer", "container", containerID, err.Error(), docker.ErrPortAlreadyAllocated)
		}
	}
	if b.Listen && port > 0 {
		time.AfterFunc(b.ListenDelay, func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c.status != docker.ContainerStatusRunning {
				return
			}
			if c.listener == nil {
				if err := f.listenLocked(c, port); err != nil {
					f.exitLocked(c, 1)
					return
				}
			}
			c.serving = true
		})
	}
	if b.ExitAfter > 0 {
		c.timer = time.AfterFunc(b.ExitAfter, func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.exitLocked(c, b.ExitCode)
		})
	}
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return docker.NewDockerError("StopContainer", "container", containerID, "container not found", docker.ErrContainerNotFound)
	}
	if c.status != docker.ContainerStatusRunning {
		return docker.NewDockerError("StopContainer", "container", containerID, "container is not running", docker.ErrContainerNotRunning)
	}
	f.exitLocked(c, 0)
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, containerID string, opts docker.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return docker.NewDockerError("RemoveContainer", "container", containerID, "container not found", docker.ErrContainerNotFound)
	}
	if c.status == docker.ContainerStatusRunning {
		if !opts.Force {
			return docker.NewDockerError("RemoveContainer", "container", containerID, "container is running", docker.ErrContainerAlreadyRunning)
		}
		f.exitLocked(c, 137)
	}
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) InspectContainer(ctx context.Context, containerID string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return nil, docker.NewDockerError("InspectContainer", "container", containerID, "container not found", docker.ErrContainerNotFound)
	}
	return &docker.ContainerInfo{
		ID:         c.id,
		Name:       c.spec.Name,
		Image:      c.spec.Image,
		Status:     c.status,
		Running:    c.status == docker.ContainerStatusRunning,
		Ports:      c.spec.Ports,
		Labels:     c.spec.Labels,
		ExitCode:   c.exitCode,
		FinishedAt: c.finished,
	}, nil
}

func (f *Fake) WaitContainer(ctx context.Context, containerID string) <-chan docker.WaitResult {
	ch := make(chan docker.WaitResult, 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		ch <- docker.WaitResult{ExitCode: -1, Err: docker.NewDockerError("WaitContainer", "container", containerID, "container not found", docker.ErrContainerNotFound)}
		return ch
	}
	c.waiters = append(c.waiters, ch)
	return ch
}

func (f *Fake) ContainerLogs(ctx context.Context, containerID string, opts docker.LogOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return nil, docker.NewDockerError("ContainerLogs", "container", containerID, "container not found", docker.ErrContainerNotFound)
	}
	return io.NopCloser(strings.NewReader(c.behavior.Logs)), nil
}

// Kill ends a running container with the given exit code, as if the process
// died on its own.
func (f *Fake) Kill(containerID string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		f.exitLocked(c, exitCode)
	}
}

// Forget drops a container without notifying waiters, as if it was removed
// out of band.
func (f *Fake) Forget(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		if c.listener != nil {
			c.listener.Close()
		}
		delete(f.containers, containerID)
	}
}

// ContainerCount returns the number of containers that exist.
func (f *Fake) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *Fake) exitLocked(c *container, code int) {
	if c.status != docker.ContainerStatusRunning {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.listener != nil {
		c.listener.Close()
		c.listener = nil
	}
	c.serving = false
	now := time.Now()
	c.status = docker.ContainerStatusExited
	c.exitCode = code
	c.finished = &now
	for _, w := range c.waiters {
		w <- docker.WaitResult{ExitCode: code}
	}
	c.waiters = nil
}

// =============================================================================
// Helpers
// =============================================================================

func (f *Fake) listenLocked(c *container, port int) error {
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	c.listener = ln
	go f.accept(ln, c)
	return nil
}

// accept holds connections open while the container is serving, like an
// HTTP server waiting for a request, and drops them otherwise.
func (f *Fake) accept(ln net.Listener, c *container) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		serving := c.serving
		f.mu.Unlock()
		if !serving {
			conn.Close()
			continue
		}
		go func() {
			io.Copy(io.Discard, conn)
			conn.Close()
		}()
	}
}

func readContext(r io.Reader) (map[string][]byte, error) {
	files := map[string][]byte{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, docker.NewDockerError("BuildImage", "image", "", "read context: "+err.Error(), err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, err
		}
		files[hdr.Name] = buf.Bytes()
	}
}

// layerKey hashes the parent key, the step text, and for COPY steps the bytes
// the step reads.
func layerKey(parent, step string, files map[string][]byte) string {
	h := sha256.New()
	io.WriteString(h, parent)
	io.WriteString(h, step)

	if fields := strings.Fields(step); len(fields) == 3 && fields[0] == "COPY" {
		src := fields[1]
		if src == "." {
			names := make([]string, 0, len(files))
			for name := range files {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				io.WriteString(h, name)
				h.Write(files[name])
			}
		} else {
			h.Write(files[src])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func applyMetadata(info *docker.ImageInfo, step string) {
	switch {
	case strings.HasPrefix(step, "EXPOSE "):
		info.ExposedPorts = append(info.ExposedPorts, strings.Fields(step)[1:]...)
	case strings.HasPrefix(step, "CMD "):
		var cmd []string
		if err := json.Unmarshal([]byte(strings.TrimPrefix(step, "CMD ")), &cmd); err == nil {
			info.Cmd = cmd
		}
	case strings.HasPrefix(step, "WORKDIR "):
		info.WorkingDir = strings.TrimPrefix(step, "WORKDIR ")
	}
}
