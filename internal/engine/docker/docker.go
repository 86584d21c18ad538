// Package docker provides an engine implementation backed by the Docker daemon.
// Each workspace is one long-running container; commands run through exec
// and every state change bumps the snapshot generation.
package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/ajaxzhan/localsandbox/internal/engine"
	"github.com/ajaxzhan/localsandbox/internal/logging"
)

// Config holds configuration for the Docker engine.
type Config struct {
	// Host is the Docker daemon address (default: DOCKER_HOST or the local socket).
	Host string

	// PingTimeout bounds the initial daemon ping.
	PingTimeout time.Duration

	// AutoInstall pulls a workspace image that is missing locally.
	AutoInstall bool

	// DefaultWorkDir is used when a workspace spec names none.
	DefaultWorkDir string

	// CLI is the docker client binary used for registry operations that
	// need the CLI's stored credentials (default: "docker").
	CLI string

	Logger *zap.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PingTimeout:    30 * time.Second,
		AutoInstall:    true,
		DefaultWorkDir: "/workspace",
	}
}

// Engine implements engine.Engine on top of a Docker client.
type Engine struct {
	mu       sync.RWMutex
	config   *Config
	client   *client.Client
	log      *zap.Logger
	workdirs map[string]string // container ID -> working directory
}

// New creates a Docker engine and verifies the daemon is reachable.
func New(ctx context.Context, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}

	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if config.Host != "" {
		opts = append(opts, client.WithHost(config.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	pingTimeout := config.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = DefaultConfig().PingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	return &Engine{
		config:   config,
		client:   cli,
		log:      logging.OrDefault(config.Logger).Named("docker"),
		workdirs: make(map[string]string),
	}, nil
}

// Name returns the name of this engine implementation.
func (e *Engine) Name() string {
	return "docker"
}

// PullImage pulls ref and waits for the pull to finish.
func (e *Engine) PullImage(ctx context.Context, ref string) error {
	rc, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()

	if err := drain(rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// BuildImage builds req.Tag from the build definition in req.ContextDir.
func (e *Engine) BuildImage(ctx context.Context, req engine.BuildRequest) error {
	buildCtx, err := tarDir(req.ContextDir)
	if err != nil {
		return fmt.Errorf("build context %s: %w", req.ContextDir, err)
	}

	resp, err := e.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  req.Dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("build %s: %w", req.Tag, err)
	}
	defer resp.Body.Close()

	if err := drain(resp.Body); err != nil {
		return fmt.Errorf("build %s: %w", req.Tag, err)
	}
	return nil
}

// TagImage adds target as a name for source.
func (e *Engine) TagImage(ctx context.Context, source, target string) error {
	if err := e.client.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("tag %s as %s: %w", source, target, err)
	}
	return nil
}

// PushImage pushes ref through the docker CLI so the credentials from its
// config file and credential helpers are used. The daemon API only accepts
// credentials supplied by the caller.
func (e *Engine) PushImage(ctx context.Context, ref string) error {
	out, err := e.cli(ctx, "push", ref).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("push %s: %w: %s", ref, err, msg)
		}
		return fmt.Errorf("push %s: %w", ref, err)
	}
	e.log.Debug("image pushed", zap.String("ref", ref))
	return nil
}

// RegistryAccount reports the account the docker CLI is logged in with.
// The daemon API does not expose it, so this shells out to `docker info`.
func (e *Engine) RegistryAccount(ctx context.Context) (string, error) {
	out, err := e.cli(ctx, "info").Output()
	if err != nil {
		return "", fmt.Errorf("docker info: %w", err)
	}
	return parseUsername(out), nil
}

// cli builds a docker CLI invocation aimed at the engine's daemon.
func (e *Engine) cli(ctx context.Context, args ...string) *exec.Cmd {
	bin := e.config.CLI
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if e.config.Host != "" {
		cmd.Env = append(cmd.Environ(), "DOCKER_HOST="+e.config.Host)
	}
	return cmd
}

func parseUsername(info []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if name, ok := strings.CutPrefix(line, "Username:"); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}

// CreateWorkspace creates and starts a container that idles until removed.
func (e *Engine) CreateWorkspace(ctx context.Context, spec engine.WorkspaceSpec) (engine.Snapshot, error) {
	if spec.Image == "" {
		return engine.Snapshot{}, fmt.Errorf("workspace image is required")
	}

	workdir := spec.WorkDir
	if workdir == "" {
		workdir = e.config.DefaultWorkDir
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"sleep", "infinity"},
		Tty:        true,
		WorkingDir: workdir,
		Labels:     map[string]string{"localsandbox.workspace": spec.Name},
	}
	for k, v := range spec.Labels {
		containerConfig.Labels["localsandbox.label."+k] = v
	}
	for k, v := range spec.Env {
		containerConfig.Env = append(containerConfig.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{AutoRemove: false}

	if spec.Volume != "" {
		if _, err := e.client.VolumeCreate(ctx, volume.CreateOptions{
			Name:   spec.Volume,
			Labels: map[string]string{"localsandbox.workspace": spec.Name},
		}); err != nil {
			return engine.Snapshot{}, fmt.Errorf("create volume %s: %w", spec.Volume, err)
		}
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: spec.Volume,
			Target: workdir,
		}}
	}

	if e.config.AutoInstall {
		if _, err := e.client.ImageInspect(ctx, spec.Image); err != nil && errdefs.IsNotFound(err) {
			e.log.Info("image missing locally, pulling", logging.Image(spec.Image))
			if err := e.PullImage(ctx, spec.Image); err != nil {
				return engine.Snapshot{}, err
			}
		}
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil && errdefs.IsConflict(err) && spec.Name != "" {
		// A container left over from an earlier run of the same workspace.
		e.log.Warn("removing stale workspace container", zap.String("name", spec.Name))
		_ = e.client.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true})
		resp, err = e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	}
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("failed to create container: %w", err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return engine.Snapshot{}, fmt.Errorf("failed to start container: %w", err)
	}

	e.mu.Lock()
	e.workdirs[resp.ID] = workdir
	e.mu.Unlock()

	return engine.Snapshot{Workspace: resp.ID, Image: spec.Image}, nil
}

// Exec runs a command to completion and returns its output.
func (e *Engine) Exec(ctx context.Context, snap engine.Snapshot, req engine.ExecRequest) (engine.Snapshot, *engine.ExecOutput, error) {
	execResp, err := e.client.ContainerExecCreate(ctx, snap.Workspace, e.execOptions(req, true))
	if err != nil {
		return engine.Snapshot{}, nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := e.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return engine.Snapshot{}, nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	// Docker multiplexes stdout and stderr with 8-byte frame headers.
	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader); err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return engine.Snapshot{}, nil, ctx.Err()
		}
		return engine.Snapshot{}, nil, fmt.Errorf("failed to read exec output: %w", err)
	}
	if ctx.Err() != nil {
		return engine.Snapshot{}, nil, ctx.Err()
	}

	inspectResp, err := e.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return engine.Snapshot{}, nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	next := snap.Next()
	if inspectResp.ExitCode != 0 {
		return next, nil, &engine.ExitError{Code: inspectResp.ExitCode, Stderr: strings.TrimSpace(stderrBuf.String())}
	}
	return next, &engine.ExecOutput{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}, nil
}

// ExecDetached starts a command and returns without waiting for it.
func (e *Engine) ExecDetached(ctx context.Context, snap engine.Snapshot, req engine.ExecRequest) (engine.Snapshot, error) {
	execResp, err := e.client.ContainerExecCreate(ctx, snap.Workspace, e.execOptions(req, false))
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("failed to create exec: %w", err)
	}
	if err := e.client.ContainerExecStart(ctx, execResp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return engine.Snapshot{}, fmt.Errorf("failed to start exec: %w", err)
	}
	return snap.Next(), nil
}

func (e *Engine) execOptions(req engine.ExecRequest, attach bool) container.ExecOptions {
	opts := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", req.Command},
		AttachStdout: attach,
		AttachStderr: attach,
		WorkingDir:   req.WorkDir,
	}
	for k, v := range req.Env {
		opts.Env = append(opts.Env, fmt.Sprintf("%s=%s", k, v))
	}
	return opts
}

// ReadFile copies a single file out of the workspace.
func (e *Engine) ReadFile(ctx context.Context, snap engine.Snapshot, p string) ([]byte, error) {
	containerPath := e.resolve(snap, p)

	rc, _, err := e.client.CopyFromContainer(ctx, snap.Workspace, containerPath)
	if err != nil {
		return nil, fmt.Errorf("copy %s from workspace: %w", containerPath, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read failed: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("file not found in workspace: %s", containerPath)
}

// WriteFile writes content to p, creating parent directories. The content is
// streamed through stdin of a `cat` so it lands with the container user's
// ownership.
func (e *Engine) WriteFile(ctx context.Context, snap engine.Snapshot, p string, content []byte) (engine.Snapshot, error) {
	containerPath := e.resolve(snap, p)
	script := `set -eu; mkdir -p -- "$(dirname -- "$1")"; cat >"$1"`

	execResp, err := e.client.ContainerExecCreate(ctx, snap.Workspace, container.ExecOptions{
		Cmd:          []string{"sh", "-c", script, "localsandbox-write", containerPath},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := e.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write(content); err != nil {
		return engine.Snapshot{}, fmt.Errorf("failed to write %s: %w", containerPath, err)
	}
	// cat needs EOF on stdin to finish.
	if err := attach.CloseWrite(); err != nil {
		return engine.Snapshot{}, fmt.Errorf("failed to close stdin: %w", err)
	}

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)

	inspect, err := e.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("failed to inspect write: %w", err)
	}
	if inspect.ExitCode != 0 {
		return engine.Snapshot{}, &engine.ExitError{Code: inspect.ExitCode, Stderr: strings.TrimSpace(stderr.String())}
	}
	return snap.Next(), nil
}

// DestroyWorkspace removes the workspace container. The cache volume is kept.
func (e *Engine) DestroyWorkspace(ctx context.Context, snap engine.Snapshot) error {
	e.mu.Lock()
	delete(e.workdirs, snap.Workspace)
	e.mu.Unlock()

	if err := e.client.ContainerRemove(ctx, snap.Workspace, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove workspace %s: %w", snap, err)
	}
	return nil
}

// Close closes the Docker client. Workspaces are left to their owners.
func (e *Engine) Close() error {
	return e.client.Close()
}

func (e *Engine) resolve(snap engine.Snapshot, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	e.mu.RLock()
	workdir, ok := e.workdirs[snap.Workspace]
	e.mu.RUnlock()
	if !ok {
		workdir = e.config.DefaultWorkDir
	}
	return path.Join(workdir, p)
}

// drain reads a JSON progress stream to the end and returns the first error
// message the daemon reported in it.
func drain(rc io.Reader) error {
	return jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil)
}

var _ engine.Engine = (*Engine)(nil)
