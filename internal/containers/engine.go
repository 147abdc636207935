// Package containers implements the Container Engine Adapter (C4): a typed
// wrapper over the Docker Engine API for building images and managing the
// lifecycle of app containers.
package containers

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/streamhost/orchestrator/pkg/apperr"
)

// LabelNamespace prefixes every label this adapter writes, matching the
// platform's signature label used for orphan discovery.
const LabelNamespace = "platform"

// StartContainerInput is the parameter object for StartContainer.
type StartContainerInput struct {
	Image         string
	Name          string
	AppID         string
	AppName       string
	Subdomain     string
	Env           map[string]string
	RestartPolicy string
}

// ContainerState is the result of InspectContainer.
type ContainerState struct {
	Running   bool
	StartedAt time.Time
	Networks  []string
	Health    string
	ExitCode  *int
}

// ContainerSummary is one row of ListAppContainers.
type ContainerSummary struct {
	ID        string
	Name      string
	AppID     string
	Subdomain string
	Image     string
	Running   bool
}

// Engine is the typed contract the Pipeline Orchestrator (C7) and State
// Reconciler (C8) drive against. A fake implementation backs unit tests for
// those consumers; Docker is the only production implementation.
type Engine interface {
	BuildImage(ctx context.Context, dockerfilePath, contextPath, tag string, streamCB func(line string)) (string, error)
	StartContainer(ctx context.Context, in StartContainerInput) (string, error)
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	RemoveImage(ctx context.Context, tag string) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerState, error)
	StreamLogs(ctx context.Context, containerID string, tailBytes int) (<-chan string, error)
	ListAppContainers(ctx context.Context) ([]ContainerSummary, error)
	CleanupOrphans(ctx context.Context, activeIDs map[string]bool) error
	ContainerRunning(ctx context.Context, name string) (exists, running bool, err error)
}

// DockerEngine implements Engine against a live Docker daemon.
type DockerEngine struct {
	cli         *client.Client
	networkName string
}

// NewDockerEngine dials the Docker daemon at endpoint (empty string defers to
// the DOCKER_HOST environment / default socket) and negotiates the API
// version, mirroring the teacher corpus's client construction idiom.
func NewDockerEngine(endpoint, networkName string) (*DockerEngine, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if endpoint != "" {
		opts = append(opts, client.WithHost(endpoint))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "docker client init", err)
	}
	return &DockerEngine{cli: cli, networkName: networkName}, nil
}

func ownedLabels(appID, appName, subdomain, tag string) map[string]string {
	return map[string]string{
		LabelNamespace + ".owned":     "true",
		LabelNamespace + ".app_id":    appID,
		LabelNamespace + ".app_name":  appName,
		LabelNamespace + ".subdomain": subdomain,
		LabelNamespace + ".image":     tag,
	}
}

// BuildImage tars contextPath, submits it to the Docker build API with
// dockerfilePath as the build's Dockerfile (relative to the context root),
// and forwards each build-output line to streamCB as it arrives.
func (e *DockerEngine) BuildImage(ctx context.Context, dockerfilePath, contextPath, tag string, streamCB func(line string)) (string, error) {
	buildCtx, err := tarDirectory(contextPath)
	if err != nil {
		return "", apperr.Wrap(apperr.BuildFailure, "preparing build context", err)
	}

	relDockerfile, err := filepath.Rel(contextPath, dockerfilePath)
	if err != nil {
		relDockerfile = filepath.Base(dockerfilePath)
	}

	resp, err := e.cli.ImageBuild(ctx, buildCtx, dockertypes.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: relDockerfile,
		Remove:     true,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.BuildFailure, "image build request", err)
	}
	defer resp.Body.Close()

	imageID, err := streamBuildOutput(resp.Body, streamCB)
	if err != nil {
		return "", apperr.Wrap(apperr.BuildFailure, "image build", err)
	}
	if imageID == "" {
		// Docker's JSON stream doesn't always surface the final image ID as
		// its own line; fall back to resolving it by the tag we just built.
		inspect, _, inspectErr := e.cli.ImageInspectWithRaw(ctx, tag)
		if inspectErr == nil {
			imageID = inspect.ID
		}
	}
	return imageID, nil
}

// streamBuildOutput scans Docker's JSON-line build stream, forwarding each
// "stream" line to cb and returning the image ID parsed from an "aux" frame
// when present.
func streamBuildOutput(r io.Reader, cb func(line string)) (string, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var imageID string
	for scanner.Scan() {
		line := scanner.Bytes()

		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
			Aux    struct {
				ID string `json:"ID"`
			} `json:"aux"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			if cb != nil {
				cb(string(line))
			}
			continue
		}
		if msg.Error != "" {
			return "", fmt.Errorf("%s", msg.Error)
		}
		if msg.Stream != "" {
			trimmed := strings.TrimSuffix(msg.Stream, "\n")
			if trimmed != "" && cb != nil {
				cb(trimmed)
			}
		}
		if msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}
	}
	return imageID, scanner.Err()
}

func tarDirectory(root string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// StartContainer is idempotent with respect to Name: an existing container
// of the same name is stopped and removed before the new one is created.
func (e *DockerEngine) StartContainer(ctx context.Context, in StartContainerInput) (string, error) {
	existing, err := e.cli.ContainerInspect(ctx, in.Name)
	if err == nil {
		timeout := 10
		_ = e.cli.ContainerStop(ctx, existing.ID, dockercontainer.StopOptions{Timeout: &timeout})
		_ = e.cli.ContainerRemove(ctx, existing.ID, dockercontainer.RemoveOptions{Force: true})
	}

	env := make([]string, 0, len(in.Env))
	for k, v := range in.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	restartPolicy := dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyMode(in.RestartPolicy)}
	if in.RestartPolicy == "" {
		restartPolicy = dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyUnlessStopped}
	}

	containerCfg := &dockercontainer.Config{
		Image:        in.Image,
		Env:          env,
		Labels:       ownedLabels(in.AppID, in.AppName, in.Subdomain, in.Image),
		ExposedPorts: nil,
	}
	hostCfg := &dockercontainer.HostConfig{
		NetworkMode:   dockercontainer.NetworkMode(e.networkName),
		RestartPolicy: restartPolicy,
	}
	netCfg := &network.NetworkingConfig{}

	created, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, in.Name)
	if err != nil {
		return "", apperr.Wrap(apperr.DeployFailure, "create container", err)
	}

	if err := e.cli.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		return "", apperr.Wrap(apperr.DeployFailure, "start container", err)
	}

	return created.ID, nil
}

// StopContainer attempts a graceful stop within timeout, then force-kills.
// It is idempotent: a missing container is treated as already stopped.
func (e *DockerEngine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := e.cli.ContainerStop(ctx, containerID, dockercontainer.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return apperr.Wrap(apperr.Transient, "stop container", err)
	}
	return nil
}

// RemoveContainer is idempotent: removing a container that does not exist
// is not an error.
func (e *DockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	err := e.cli.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return apperr.Wrap(apperr.Transient, "remove container", err)
	}
	return nil
}

// RemoveImage is idempotent: removing an image tag that does not exist is
// not an error.
func (e *DockerEngine) RemoveImage(ctx context.Context, tag string) error {
	_, err := e.cli.ImageRemove(ctx, tag, dockerimage.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return apperr.Wrap(apperr.Transient, "remove image", err)
	}
	return nil
}

// InspectContainer reports run state, health, and (if the container has
// exited) its exit code.
func (e *DockerEngine) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	info, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "inspect container", err)
	}

	state := &ContainerState{Running: info.State.Running}
	if startedAt, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
		state.StartedAt = startedAt
	}
	if info.NetworkSettings != nil {
		for name := range info.NetworkSettings.Networks {
			state.Networks = append(state.Networks, name)
		}
	}
	if info.State.Health != nil {
		state.Health = info.State.Health.Status
	}
	if !info.State.Running && info.State.FinishedAt != "" {
		exitCode := info.State.ExitCode
		state.ExitCode = &exitCode
	}
	return state, nil
}

// StreamLogs returns a finite, closed channel of the container's recent
// stdout/stderr output, one line per value. tailBytes is passed to Docker
// as the Tail option, which counts lines, not bytes; all stdout lines are
// sent before the stderr lines, not interleaved by time.
func (e *DockerEngine) StreamLogs(ctx context.Context, containerID string, tailBytes int) (<-chan string, error) {
	reader, err := e.cli.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tailBytes),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "stream logs", err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer reader.Close()
		var stdout, stderr bytes.Buffer
		_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)
		for _, line := range strings.Split(stdout.String(), "\n") {
			if line != "" {
				out <- line
			}
		}
		for _, line := range strings.Split(stderr.String(), "\n") {
			if line != "" {
				out <- line
			}
		}
	}()
	return out, nil
}

// ListAppContainers lists every container bearing the platform's ownership
// label, regardless of run state.
func (e *DockerEngine) ListAppContainers(ctx context.Context) ([]ContainerSummary, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelNamespace+".owned=true")

	list, err := e.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list app containers", err)
	}

	summaries := make([]ContainerSummary, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		summaries = append(summaries, ContainerSummary{
			ID:        c.ID,
			Name:      name,
			AppID:     c.Labels[LabelNamespace+".app_id"],
			Subdomain: c.Labels[LabelNamespace+".subdomain"],
			Image:     c.Labels[LabelNamespace+".image"],
			Running:   c.State == "running",
		})
	}
	return summaries, nil
}

// ContainerRunning reports whether a container named name exists and, if so,
// whether it is currently running. It satisfies internal/proxy's
// ContainerLookup interface.
func (e *DockerEngine) ContainerRunning(ctx context.Context, name string) (exists, running bool, err error) {
	info, err := e.cli.ContainerInspect(ctx, name)
	if client.IsErrNotFound(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, apperr.Wrap(apperr.Transient, "inspect container", err)
	}
	return true, info.State.Running, nil
}

// CleanupOrphans removes any platform-owned container whose app_id label is
// not present in activeIDs.
func (e *DockerEngine) CleanupOrphans(ctx context.Context, activeIDs map[string]bool) error {
	containers, err := e.ListAppContainers(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if activeIDs[c.AppID] {
			continue
		}
		if err := e.RemoveContainer(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}
