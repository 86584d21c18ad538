// Package mock provides an in-memory implementation of engine.Engine for testing.
package mock

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"

	"github.com/ajaxzhan/localsandbox/internal/engine"
)

// Engine is an in-memory engine. Every snapshot keeps its own copy of the
// workspace files, so a stale snapshot never sees later writes.
type Engine struct {
	mu         sync.Mutex
	nextID     int
	workspaces map[string]*workspace
	files      map[engine.Snapshot]map[string][]byte
	closed     bool

	// Account is returned by RegistryAccount.
	Account string

	// Recorded calls.
	Pulls     []string
	Builds    []engine.BuildRequest
	Tags      [][2]string
	Pushes    []string
	Created   []engine.WorkspaceSpec
	Destroyed []engine.Snapshot
	Execs     []engine.ExecRequest
	Detached  []engine.ExecRequest

	// Hooks for customizing behavior in tests
	OnPull    func(ctx context.Context, ref string) error
	OnBuild   func(ctx context.Context, req engine.BuildRequest) error
	OnPush    func(ctx context.Context, ref string) error
	OnAccount func(ctx context.Context) (string, error)
	OnCreate  func(ctx context.Context, spec engine.WorkspaceSpec) error
	OnExec    func(ctx context.Context, req engine.ExecRequest) (*engine.ExecOutput, error)
}

type workspace struct {
	spec      engine.WorkspaceSpec
	destroyed bool
}

// New creates a new mock Engine.
func New() *Engine {
	return &Engine{
		workspaces: make(map[string]*workspace),
		files:      make(map[engine.Snapshot]map[string][]byte),
	}
}

// Name returns the name of this engine implementation.
func (m *Engine) Name() string {
	return "mock"
}

// PullImage records the pull.
func (m *Engine) PullImage(ctx context.Context, ref string) error {
	m.mu.Lock()
	m.Pulls = append(m.Pulls, ref)
	m.mu.Unlock()
	if m.OnPull != nil {
		return m.OnPull(ctx, ref)
	}
	return nil
}

// BuildImage records the build.
func (m *Engine) BuildImage(ctx context.Context, req engine.BuildRequest) error {
	m.mu.Lock()
	m.Builds = append(m.Builds, req)
	m.mu.Unlock()
	if m.OnBuild != nil {
		return m.OnBuild(ctx, req)
	}
	return nil
}

// TagImage records the tag.
func (m *Engine) TagImage(ctx context.Context, source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tags = append(m.Tags, [2]string{source, target})
	return nil
}

// PushImage records the push.
func (m *Engine) PushImage(ctx context.Context, ref string) error {
	m.mu.Lock()
	m.Pushes = append(m.Pushes, ref)
	m.mu.Unlock()
	if m.OnPush != nil {
		return m.OnPush(ctx, ref)
	}
	return nil
}

// RegistryAccount returns Account unless OnAccount is set.
func (m *Engine) RegistryAccount(ctx context.Context) (string, error) {
	if m.OnAccount != nil {
		return m.OnAccount(ctx)
	}
	return m.Account, nil
}

// CreateWorkspace creates an empty workspace.
func (m *Engine) CreateWorkspace(ctx context.Context, spec engine.WorkspaceSpec) (engine.Snapshot, error) {
	if m.OnCreate != nil {
		if err := m.OnCreate(ctx, spec); err != nil {
			return engine.Snapshot{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return engine.Snapshot{}, fmt.Errorf("engine closed")
	}

	m.nextID++
	id := fmt.Sprintf("ws-%d", m.nextID)
	m.workspaces[id] = &workspace{spec: spec}
	m.Created = append(m.Created, spec)

	snap := engine.Snapshot{Workspace: id, Image: spec.Image}
	m.files[snap] = make(map[string][]byte)
	return snap, nil
}

// Exec runs req through OnExec, or through a tiny built-in interpreter that
// understands echo, cat, touch, true, false and exit.
func (m *Engine) Exec(ctx context.Context, snap engine.Snapshot, req engine.ExecRequest) (engine.Snapshot, *engine.ExecOutput, error) {
	m.mu.Lock()
	ws, files, err := m.lookup(snap)
	if err != nil {
		m.mu.Unlock()
		return engine.Snapshot{}, nil, err
	}
	m.Execs = append(m.Execs, req)
	next := copyFiles(files)
	m.mu.Unlock()

	var out *engine.ExecOutput
	if m.OnExec != nil {
		out, err = m.OnExec(ctx, req)
	} else {
		out, err = interpret(ws.spec.WorkDir, next, req.Command)
	}
	if err != nil {
		return engine.Snapshot{}, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	newSnap := snap.Next()
	m.files[newSnap] = next
	return newSnap, out, nil
}

// ExecDetached records the command and returns the next snapshot.
func (m *Engine) ExecDetached(ctx context.Context, snap engine.Snapshot, req engine.ExecRequest) (engine.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, files, err := m.lookup(snap)
	if err != nil {
		return engine.Snapshot{}, err
	}
	m.Detached = append(m.Detached, req)
	newSnap := snap.Next()
	m.files[newSnap] = copyFiles(files)
	return newSnap, nil
}

// ReadFile reads a file as of snap.
func (m *Engine) ReadFile(ctx context.Context, snap engine.Snapshot, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, files, err := m.lookup(snap)
	if err != nil {
		return nil, err
	}
	content, ok := files[resolve(ws.spec.WorkDir, p)]
	if !ok {
		return nil, fmt.Errorf("file not found in workspace: %s", p)
	}
	return append([]byte(nil), content...), nil
}

// WriteFile stages content into a new snapshot.
func (m *Engine) WriteFile(ctx context.Context, snap engine.Snapshot, p string, content []byte) (engine.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, files, err := m.lookup(snap)
	if err != nil {
		return engine.Snapshot{}, err
	}
	next := copyFiles(files)
	next[resolve(ws.spec.WorkDir, p)] = append([]byte(nil), content...)
	newSnap := snap.Next()
	m.files[newSnap] = next
	return newSnap, nil
}

// DestroyWorkspace marks the workspace destroyed.
func (m *Engine) DestroyWorkspace(ctx context.Context, snap engine.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[snap.Workspace]
	if !ok {
		return fmt.Errorf("workspace %s not found", snap.Workspace)
	}
	ws.destroyed = true
	m.Destroyed = append(m.Destroyed, snap)
	return nil
}

// Close marks the engine closed.
func (m *Engine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Engine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Workspaces returns the number of live workspaces.
func (m *Engine) Workspaces() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ws := range m.workspaces {
		if !ws.destroyed {
			n++
		}
	}
	return n
}

// lookup must be called with m.mu held.
func (m *Engine) lookup(snap engine.Snapshot) (*workspace, map[string][]byte, error) {
	if m.closed {
		return nil, nil, fmt.Errorf("engine closed")
	}
	ws, ok := m.workspaces[snap.Workspace]
	if !ok || ws.destroyed {
		return nil, nil, fmt.Errorf("workspace %s not found", snap.Workspace)
	}
	files, ok := m.files[snap]
	if !ok {
		return nil, nil, fmt.Errorf("unknown snapshot %s", snap)
	}
	return ws, files, nil
}

func copyFiles(src map[string][]byte) map[string][]byte {
	dst := make(map[string][]byte, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func resolve(workDir, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	if workDir == "" {
		workDir = "/"
	}
	return path.Join(workDir, p)
}

func interpret(workDir string, files map[string][]byte, command string) (*engine.ExecOutput, error) {
	args, err := shellquote.Split(command)
	if err != nil {
		return nil, &engine.ExitError{Code: 2, Stderr: err.Error()}
	}
	if len(args) == 0 {
		return &engine.ExecOutput{}, nil
	}

	switch args[0] {
	case "echo":
		return &engine.ExecOutput{Stdout: strings.Join(args[1:], " ") + "\n"}, nil
	case "true":
		return &engine.ExecOutput{}, nil
	case "false":
		return nil, &engine.ExitError{Code: 1}
	case "exit":
		code := 0
		if len(args) > 1 {
			code, _ = strconv.Atoi(args[1])
		}
		if code == 0 {
			return &engine.ExecOutput{}, nil
		}
		return nil, &engine.ExitError{Code: code}
	case "cat":
		var out strings.Builder
		for _, p := range args[1:] {
			content, ok := files[resolve(workDir, p)]
			if !ok {
				return nil, &engine.ExitError{Code: 1, Stderr: "cat: " + p + ": No such file or directory"}
			}
			out.Write(content)
		}
		return &engine.ExecOutput{Stdout: out.String()}, nil
	case "touch":
		for _, p := range args[1:] {
			key := resolve(workDir, p)
			if _, ok := files[key]; !ok {
				files[key] = []byte{}
			}
		}
		return &engine.ExecOutput{}, nil
	default:
		return nil, &engine.ExitError{Code: 127, Stderr: args[0] + ": command not found"}
	}
}

var _ engine.Engine = (*Engine)(nil)
