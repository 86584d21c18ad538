// Package sandbox implements the local sandbox: a lazily initialized
// workspace container driven through one pooled engine connection.
//
// A Sandbox moves through Uninitialized, Initializing, Ready and Executing,
// and ends in Killed. The first command or file operation triggers
// initialization; concurrent callers share that single attempt. Commands
// run one at a time, and each successful command replaces the workspace
// snapshot the next one starts from.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajaxzhan/localsandbox/internal/config"
	"github.com/ajaxzhan/localsandbox/internal/engine"
	"github.com/ajaxzhan/localsandbox/internal/image"
	"github.com/ajaxzhan/localsandbox/internal/logging"
	"github.com/ajaxzhan/localsandbox/internal/metrics"
	"github.com/ajaxzhan/localsandbox/internal/pool"
	"github.com/ajaxzhan/localsandbox/internal/sanitize"
	"github.com/ajaxzhan/localsandbox/internal/tools"
	"github.com/ajaxzhan/localsandbox/pkg/types"
)

const (
	// DefaultWorkDir is the working directory when none is requested.
	DefaultWorkDir = "/workspace"

	volumePrefix    = "localsandbox-cache-"
	containerPrefix = "localsandbox-"
	toolInitTimeout = 2 * time.Minute
)

// ToolManager is the tool-invocation surface a sandbox exposes to its agent.
type ToolManager interface {
	Initialize(ctx context.Context, servers []tools.ServerConfig) error
	ListTools(ctx context.Context) ([]tools.Tool, error)
	ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error)
	Cleanup() error
}

// Options describes one sandbox.
type Options struct {
	ID         string
	AgentType  types.AgentType
	Envs       map[string]string
	WorkDir    string
	ToolConfig []tools.ServerConfig
	// BuildDefinition is the agent's build definition file, if any.
	BuildDefinition string
	// Strict rejects commands that chain, redirect or substitute.
	Strict bool
}

type listenerEntry struct {
	id uint64
	fn types.Listener
}

// Sandbox is one local sandbox instance.
type Sandbox struct {
	id        string
	agent     types.AgentType
	envs      map[string]string
	workDir   string
	volume    string
	strict    bool
	createdAt time.Time

	cfg   config.Config
	pool  *pool.Pool
	local *config.LocalConfig
	log   *zap.Logger

	mu    sync.Mutex
	state types.SandboxState
	lease *pool.Lease
	snap  engine.Snapshot

	init  singleflight.Group
	runs  runQueue

	listenersMu  sync.RWMutex
	listeners    []listenerEntry
	nextListener uint64

	tools       ToolManager
	toolsReady  chan struct{}
	toolsCancel context.CancelFunc
}

func newSandbox(opts Options, cfg config.Config, p *pool.Pool, local *config.LocalConfig, newTools func() ToolManager, log *zap.Logger) *Sandbox {
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = DefaultWorkDir
	}

	s := &Sandbox{
		id:        opts.ID,
		agent:     opts.AgentType,
		envs:      opts.Envs,
		workDir:   workDir,
		volume:    volumePrefix + opts.ID,
		strict:    opts.Strict,
		createdAt: time.Now(),
		cfg:       cfg,
		pool:      p,
		local:     local,
		log:       logging.OrDefault(log).With(logging.SandboxID(opts.ID), logging.Agent(agentLabel(opts.AgentType))),
		state:     types.StateUninitialized,
	}

	s.Subscribe(func(_ string, ev types.Event) {
		if e, ok := ev.(types.ErrorEvent); ok {
			s.log.Error("command failed", zap.String("error", e.Message))
		}
	})

	if opts.BuildDefinition != "" {
		s.log.Debug("build definition found", zap.String("definition", opts.BuildDefinition))
	}

	if len(opts.ToolConfig) > 0 && newTools != nil {
		ctx, cancel := context.WithTimeout(context.Background(), toolInitTimeout)
		s.tools = newTools()
		s.toolsReady = make(chan struct{})
		s.toolsCancel = cancel
		go s.initTools(ctx, opts.ToolConfig)
	}

	return s
}

func (s *Sandbox) initTools(ctx context.Context, servers []tools.ServerConfig) {
	defer close(s.toolsReady)
	defer s.toolsCancel()
	if err := s.tools.Initialize(ctx, servers); err != nil {
		s.log.Warn("tool manager initialization failed", zap.Error(err))
	}
}

func agentLabel(agent types.AgentType) string {
	if agent == "" {
		return "local"
	}
	return string(agent)
}

// ID returns the sandbox identifier.
func (s *Sandbox) ID() string { return s.id }

// AgentType returns the agent the sandbox was created for.
func (s *Sandbox) AgentType() types.AgentType { return s.agent }

// WorkDir returns the working directory inside the workspace.
func (s *Sandbox) WorkDir() string { return s.workDir }

// VolumeKey returns the name of the sandbox's cache volume.
func (s *Sandbox) VolumeKey() string { return s.volume }

// Environment describes the sandbox.
func (s *Sandbox) Environment() types.Environment {
	return types.Environment{ID: s.id, AgentType: s.agent, WorkDir: s.workDir, CreatedAt: s.createdAt}
}

// State returns the current lifecycle state.
func (s *Sandbox) State() types.SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the workspace snapshot the next command runs against.
func (s *Sandbox) Snapshot() engine.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Subscribe registers a listener for the sandbox's events and returns a
// function that removes it.
func (s *Sandbox) Subscribe(l types.Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Sandbox) emit(ev types.Event) {
	s.listenersMu.RLock()
	ls := make([]listenerEntry, len(s.listeners))
	copy(ls, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range ls {
		l.fn(s.id, ev)
	}
}

// ensureInitialized initializes the sandbox once. Concurrent callers wait
// for the same attempt; a failed attempt leaves the sandbox uninitialized
// so a later call can try again.
func (s *Sandbox) ensureInitialized(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case types.StateKilled:
		s.mu.Unlock()
		return types.ErrNotRunning
	case types.StateReady, types.StateExecuting:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ch := s.init.DoChan("init", func() (any, error) {
		return nil, s.initialize(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sandbox) initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case types.StateKilled:
		s.mu.Unlock()
		return types.ErrNotRunning
	case types.StateReady, types.StateExecuting:
		s.mu.Unlock()
		return nil
	}
	s.state = types.StateInitializing
	s.mu.Unlock()

	start := time.Now()
	snap, lease, err := s.createWorkspace(ctx)
	if err != nil {
		s.mu.Lock()
		if s.state == types.StateInitializing {
			s.state = types.StateUninitialized
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.state == types.StateKilled {
		// Killed while the workspace was being built.
		s.mu.Unlock()
		if err := lease.Engine().DestroyWorkspace(ctx, snap); err != nil {
			s.log.Warn("removing workspace of killed sandbox failed", zap.Error(err))
		}
		lease.Discard()
		return types.ErrNotRunning
	}
	s.lease = lease
	s.snap = snap
	s.state = types.StateReady
	s.mu.Unlock()

	metrics.ActiveSandboxes.WithLabelValues(agentLabel(s.agent)).Inc()
	s.log.Info("sandbox ready",
		logging.Image(snap.Image),
		zap.String("snapshot", snap.String()),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (s *Sandbox) createWorkspace(ctx context.Context) (engine.Snapshot, *pool.Lease, error) {
	lease, err := s.pool.Get(ctx, s.id)
	if err != nil {
		return engine.Snapshot{}, nil, fmt.Errorf("acquire engine connection: %w", err)
	}
	eng := lease.Engine()

	resolver := image.NewResolver(eng, s.cfg, image.WithLocalConfig(s.local), image.WithLogger(s.log))
	ref, err := resolver.Resolve(ctx, s.agent)
	if err != nil {
		lease.Discard()
		return engine.Snapshot{}, nil, err
	}

	spec := engine.WorkspaceSpec{
		Name:    containerPrefix + s.id,
		Image:   ref,
		Env:     s.envs,
		WorkDir: s.workDir,
		Labels: map[string]string{
			"sandbox-id": s.id,
			"agent":      agentLabel(s.agent),
		},
	}
	// Agents that run as root inside the image would fight the volume's
	// ownership, so they get no cache volume.
	if !s.agent.RunsPrivileged() {
		spec.Volume = s.volume
	}

	snap, err := eng.CreateWorkspace(ctx, spec)
	if err != nil {
		lease.Discard()
		return engine.Snapshot{}, nil, fmt.Errorf("create workspace from %s: %w", ref, err)
	}
	return snap, lease, nil
}

// acquire marks the sandbox as executing and returns what a command needs.
func (s *Sandbox) acquire() (*pool.Lease, engine.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.StateKilled || s.lease == nil {
		return nil, engine.Snapshot{}, types.ErrNotRunning
	}
	s.state = types.StateExecuting
	return s.lease, s.snap, nil
}

// finish returns the sandbox to Ready and, when next is set, replaces the
// held snapshot with it.
func (s *Sandbox) finish(next engine.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.StateKilled {
		return
	}
	if !next.IsZero() {
		s.snap = next
	}
	s.state = types.StateReady
}

func (s *Sandbox) killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == types.StateKilled
}

func (s *Sandbox) notRunning(command string) (*types.ExecResult, error) {
	metrics.Commands.WithLabelValues(agentLabel(s.agent), metrics.OutcomeKilled).Inc()
	return &types.ExecResult{ExitCode: -1, Stderr: types.ErrNotRunning.Error()},
		&types.ExecutionError{SandboxID: s.id, Command: command, ExitCode: -1, Err: types.ErrNotRunning}
}

// Run executes command in the sandbox.
//
// A killed sandbox returns an exit code of -1 and an *types.ExecutionError
// without emitting events. Otherwise Run never returns an error: failures
// are reported through the result and an ErrorEvent, framed by exactly one
// StartEvent and one EndEvent.
func (s *Sandbox) Run(ctx context.Context, command string, opts types.RunOptions) (*types.ExecResult, error) {
	if s.killed() {
		return s.notRunning(command)
	}

	s.runs.Lock()
	defer s.runs.Unlock()

	if s.killed() {
		return s.notRunning(command)
	}

	s.emit(types.StartEvent{Command: command, Time: time.Now()})
	res := s.run(ctx, command, opts)
	s.emit(types.EndEvent{Command: command, Time: time.Now()})
	return res, nil
}

func (s *Sandbox) run(ctx context.Context, command string, opts types.RunOptions) *types.ExecResult {
	if s.strict {
		if _, err := sanitize.Command(command); err != nil {
			return s.fail(err)
		}
	}

	if err := s.ensureInitialized(ctx); err != nil {
		return s.fail(err)
	}

	lease, snap, err := s.acquire()
	if err != nil {
		return s.fail(err)
	}
	lease.Touch()
	eng := lease.Engine()
	req := engine.ExecRequest{Command: command, WorkDir: s.workDir}

	if opts.Background {
		next, err := eng.ExecDetached(ctx, snap, req)
		if err != nil {
			s.finish(engine.Snapshot{})
			return s.fail(err)
		}
		s.finish(next)
		metrics.Commands.WithLabelValues(agentLabel(s.agent), metrics.OutcomeOK).Inc()
		return &types.ExecResult{
			ExitCode: 0,
			Stdout:   fmt.Sprintf("Command started in background: %s\n", command),
			Snapshot: next.String(),
		}
	}

	execCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	next, out, err := eng.Exec(execCtx, snap, req)
	if err != nil {
		s.finish(engine.Snapshot{})
		return s.fail(err)
	}
	s.finish(next)

	s.stream(ctx, out, opts)
	metrics.Commands.WithLabelValues(agentLabel(s.agent), metrics.OutcomeOK).Inc()
	return &types.ExecResult{
		ExitCode: 0,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Snapshot: next.String(),
	}
}

// fail reports err as a failed command result.
func (s *Sandbox) fail(err error) *types.ExecResult {
	code := engine.ParseExitCode(err.Error(), 1)
	var exitErr *engine.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}

	outcome := metrics.OutcomeFailed
	if errors.Is(err, types.ErrInvalidCommand) {
		outcome = metrics.OutcomeRejected
	}
	metrics.Commands.WithLabelValues(agentLabel(s.agent), outcome).Inc()

	msg := err.Error()
	s.emit(types.ErrorEvent{Message: msg})
	return &types.ExecResult{ExitCode: code, Stdout: "", Stderr: msg}
}

// stream replays captured output as one UpdateEvent per non-empty line. Line
// i is emitted i*StreamDelay after the first, so the whole replay takes time
// linear in the number of lines.
func (s *Sandbox) stream(ctx context.Context, out *engine.ExecOutput, opts types.RunOptions) {
	type line struct {
		text   string
		stream types.Stream
	}
	var lines []line
	for _, l := range splitLines(out.Stdout) {
		lines = append(lines, line{l, types.StreamStdout})
	}
	for _, l := range splitLines(out.Stderr) {
		lines = append(lines, line{l, types.StreamStderr})
	}

	origin := time.Now()
	for i, l := range lines {
		if i > 0 && s.cfg.StreamDelay > 0 && ctx.Err() == nil {
			wait(ctx, time.Until(origin.Add(time.Duration(i)*s.cfg.StreamDelay)))
		}
		s.emit(types.UpdateEvent{Line: l.text, Stream: l.stream})
		switch {
		case l.stream == types.StreamStdout && opts.OnStdout != nil:
			opts.OnStdout(l.text)
		case l.stream == types.StreamStderr && opts.OnStderr != nil:
			opts.OnStderr(l.text)
		}
	}
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ReadFile reads a file from the current workspace snapshot.
func (s *Sandbox) ReadFile(ctx context.Context, path string) (string, error) {
	s.runs.Lock()
	defer s.runs.Unlock()

	if err := s.ensureInitialized(ctx); err != nil {
		return "", err
	}
	lease, snap, err := s.acquire()
	if err != nil {
		return "", err
	}
	defer s.finish(engine.Snapshot{})
	lease.Touch()

	content, err := lease.Engine().ReadFile(ctx, snap, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(content), nil
}

// WriteFile stages content at path into a new workspace snapshot, which
// replaces the held one. It runs no command and emits no events.
func (s *Sandbox) WriteFile(ctx context.Context, path, content string) (engine.Snapshot, error) {
	s.runs.Lock()
	defer s.runs.Unlock()

	if err := s.ensureInitialized(ctx); err != nil {
		return engine.Snapshot{}, err
	}
	lease, snap, err := s.acquire()
	if err != nil {
		return engine.Snapshot{}, err
	}
	lease.Touch()

	next, err := lease.Engine().WriteFile(ctx, snap, path, []byte(content))
	if err != nil {
		s.finish(engine.Snapshot{})
		return engine.Snapshot{}, fmt.Errorf("write %s: %w", path, err)
	}
	s.finish(next)
	return next, nil
}

// Tools returns the sandbox's tool manager once its servers are initialized.
func (s *Sandbox) Tools(ctx context.Context) (ToolManager, error) {
	if s.tools == nil {
		return nil, fmt.Errorf("%w: no tool servers configured", types.ErrNotInitialized)
	}
	select {
	case <-s.toolsReady:
		return s.tools, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kill tears the sandbox down. It is terminal and idempotent: every later
// operation fails as not running.
func (s *Sandbox) Kill(ctx context.Context) error {
	s.mu.Lock()
	if s.state == types.StateKilled {
		s.mu.Unlock()
		return nil
	}
	s.state = types.StateKilled
	lease, snap := s.lease, s.snap
	s.lease, s.snap = nil, engine.Snapshot{}
	s.mu.Unlock()

	s.cleanupTools(ctx)

	if lease != nil {
		if err := lease.Engine().DestroyWorkspace(ctx, snap); err != nil {
			s.log.Warn("removing workspace failed", zap.Error(err))
		}
		lease.Discard()
		metrics.ActiveSandboxes.WithLabelValues(agentLabel(s.agent)).Dec()
	}

	s.log.Info("sandbox killed")
	return nil
}

// cleanupTools aborts a pending tool initialization and closes the servers
// once it has returned. When ctx ends first, the cleanup finishes in the
// background so no server connected late is left running.
func (s *Sandbox) cleanupTools(ctx context.Context) {
	if s.tools == nil {
		return
	}
	s.toolsCancel()

	cleanup := func() {
		if err := s.tools.Cleanup(); err != nil {
			s.log.Warn("tool manager cleanup failed", zap.Error(err))
		}
	}
	select {
	case <-s.toolsReady:
		cleanup()
	case <-ctx.Done():
		go func() {
			<-s.toolsReady
			cleanup()
		}()
	}
}

// Pause is a no-op: local workspaces cannot be suspended and resumed.
func (s *Sandbox) Pause(ctx context.Context) error {
	return nil
}

// Host returns the address a port of the sandbox is reachable on. Ports are
// not mapped, so this is always the local host.
func (s *Sandbox) Host(port int) string {
	return "localhost"
}
