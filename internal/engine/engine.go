// Package engine defines the container engine contract the sandbox runs on.
//
// An engine exposes two groups of primitives: image primitives used by the
// image resolver (pull, build, tag, push, registry login lookup) and
// workspace primitives used by a sandbox (create a workspace, run commands,
// copy files). Workspace state is addressed by immutable Snapshot values;
// every mutating call returns the Snapshot that replaces the one it was
// given.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// Snapshot identifies one state of a workspace. It is a value: callers thread
// the Snapshot returned by each call into the next one.
type Snapshot struct {
	// Workspace is the engine-specific workspace handle (a container ID for Docker).
	Workspace string
	// Image is the image the workspace was created from.
	Image string
	// Generation increases with every state change of the workspace.
	Generation uint64
}

// IsZero reports whether s refers to no workspace.
func (s Snapshot) IsZero() bool {
	return s.Workspace == ""
}

// Next returns the snapshot that follows s.
func (s Snapshot) Next() Snapshot {
	s.Generation++
	return s
}

func (s Snapshot) String() string {
	if s.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s@%d", shortID(s.Workspace), s.Generation)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// WorkspaceSpec describes a workspace to create.
type WorkspaceSpec struct {
	// Name is a stable, engine-safe name for the workspace.
	Name    string
	Image   string
	Env     map[string]string
	WorkDir string
	// Volume, if set, names a persistent cache volume mounted at WorkDir.
	Volume string
	Labels map[string]string
}

// ExecRequest describes one shell command.
type ExecRequest struct {
	Command string
	Env     map[string]string
	WorkDir string
}

// ExecOutput is the captured output of a finished command.
type ExecOutput struct {
	Stdout string
	Stderr string
}

// BuildRequest describes an image build from a build definition file.
type BuildRequest struct {
	// ContextDir is the build context directory.
	ContextDir string
	// Dockerfile is the definition file, relative to ContextDir.
	Dockerfile string
	Tag        string
}

// ImageEngine is the set of image primitives.
type ImageEngine interface {
	PullImage(ctx context.Context, ref string) error
	BuildImage(ctx context.Context, req BuildRequest) error
	TagImage(ctx context.Context, source, target string) error
	PushImage(ctx context.Context, ref string) error
	// RegistryAccount returns the account the engine is logged in with, or
	// an empty string if it is not logged in.
	RegistryAccount(ctx context.Context) (string, error)
}

// WorkspaceEngine is the set of workspace primitives.
type WorkspaceEngine interface {
	CreateWorkspace(ctx context.Context, spec WorkspaceSpec) (Snapshot, error)
	// Exec runs a command to completion. A non-zero exit status is returned
	// as an *ExitError.
	Exec(ctx context.Context, snap Snapshot, req ExecRequest) (Snapshot, *ExecOutput, error)
	// ExecDetached starts a command without waiting for it.
	ExecDetached(ctx context.Context, snap Snapshot, req ExecRequest) (Snapshot, error)
	ReadFile(ctx context.Context, snap Snapshot, path string) ([]byte, error)
	WriteFile(ctx context.Context, snap Snapshot, path string, content []byte) (Snapshot, error)
	DestroyWorkspace(ctx context.Context, snap Snapshot) error
}

// Engine is a connection to a container engine.
type Engine interface {
	Name() string
	ImageEngine
	WorkspaceEngine
	Close() error
}

// ExitError reports a command that exited with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("process exited with exit code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("process exited with exit code %d", e.Code)
}

var exitCodePattern = regexp.MustCompile(`exit code (\d+)`)

// ParseExitCode extracts "exit code N" from an error message. It returns
// fallback when the message carries no exit code.
func ParseExitCode(msg string, fallback int) int {
	m := exitCodePattern.FindStringSubmatch(msg)
	if m == nil {
		return fallback
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return fallback
	}
	return code
}
