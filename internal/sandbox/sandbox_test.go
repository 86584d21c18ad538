package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajaxzhan/localsandbox/internal/config"
	"github.com/ajaxzhan/localsandbox/internal/engine"
	"github.com/ajaxzhan/localsandbox/internal/engine/mock"
	"github.com/ajaxzhan/localsandbox/internal/pool"
	"github.com/ajaxzhan/localsandbox/internal/tools"
	"github.com/ajaxzhan/localsandbox/pkg/types"
)

// harness hands out one mock engine per pool key and remembers all of them.
type harness struct {
	mu      sync.Mutex
	engines map[string][]*mock.Engine
	setup   func(*mock.Engine)
	pool    *pool.Pool
}

func newHarness(t *testing.T, setup func(*mock.Engine)) *harness {
	t.Helper()
	h := &harness{engines: make(map[string][]*mock.Engine), setup: setup}
	h.pool = pool.New(func(_ context.Context, key string) (engine.Engine, error) {
		m := mock.New()
		if h.setup != nil {
			h.setup(m)
		}
		h.mu.Lock()
		h.engines[key] = append(h.engines[key], m)
		h.mu.Unlock()
		return m, nil
	}, pool.Options{Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { h.pool.Close() })
	return h
}

func (h *harness) engine(key string) *mock.Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.engines[key]
	if len(e) == 0 {
		return nil
	}
	return e[len(e)-1]
}

func (h *harness) dials(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.engines[key])
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.StreamDelay = 0
	cfg.RetryAttempts = 1
	cfg.RetryDelay = time.Millisecond
	cfg.DockerfilesDir = t.TempDir()
	return cfg
}

func newTestSandbox(t *testing.T, h *harness, opts Options) *Sandbox {
	t.Helper()
	if opts.ID == "" {
		opts.ID = "local-test"
	}
	s := newSandbox(opts, testConfig(t), h.pool, &config.LocalConfig{}, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { s.Kill(context.Background()) })
	return s
}

// eventLog collects events in emission order.
type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) listen(_ string, ev types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []types.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

func TestSandbox_RunEcho(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{})
	log := &eventLog{}
	s.Subscribe(log.listen)

	assert.Equal(t, types.StateUninitialized, s.State())

	res, err := s.Run(context.Background(), "echo hi", types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.NotEmpty(t, res.Snapshot)

	assert.Equal(t, []types.EventKind{types.EventStart, types.EventUpdate, types.EventEnd}, log.kinds())
	assert.Equal(t, types.StartEvent{Command: "echo hi", Time: log.events[0].(types.StartEvent).Time}, log.events[0])
	assert.Equal(t, types.UpdateEvent{Line: "hi", Stream: types.StreamStdout}, log.events[1])
	assert.Equal(t, "echo hi", log.events[2].(types.EndEvent).Command)

	assert.Equal(t, types.StateReady, s.State())
	assert.Equal(t, res.Snapshot, s.Snapshot().String())
}

func TestSandbox_LazyInitialization(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{ID: "codex-1", AgentType: types.AgentCodex, Envs: map[string]string{"A": "1"}})

	assert.Nil(t, h.engine("codex-1"), "nothing is dialed before the first command")

	_, err := s.Run(context.Background(), "true", types.RunOptions{})
	require.NoError(t, err)
	_, err = s.Run(context.Background(), "true", types.RunOptions{})
	require.NoError(t, err)

	m := h.engine("codex-1")
	require.NotNil(t, m)
	require.Len(t, m.Created, 1)

	spec := m.Created[0]
	assert.Equal(t, "localsandbox-codex-1", spec.Name)
	assert.Equal(t, DefaultWorkDir, spec.WorkDir)
	assert.Equal(t, "localsandbox-cache-codex-1", spec.Volume)
	assert.Equal(t, map[string]string{"A": "1"}, spec.Env)
	assert.Equal(t, "codex-1", spec.Labels["sandbox-id"])
	assert.Equal(t, "codex", spec.Labels["agent"])
	assert.Equal(t, "superagentai/localsandbox-codex:1.0", spec.Image)
}

func TestSandbox_PrivilegedAgentHasNoVolume(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{ID: "opencode-1", AgentType: types.AgentOpenCode})

	_, err := s.Run(context.Background(), "true", types.RunOptions{})
	require.NoError(t, err)

	m := h.engine("opencode-1")
	require.Len(t, m.Created, 1)
	assert.Empty(t, m.Created[0].Volume)
}

func TestSandbox_GenericImageWithoutAgent(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{WorkDir: "/src"})

	_, err := s.Run(context.Background(), "true", types.RunOptions{})
	require.NoError(t, err)

	m := h.engine("local-test")
	require.Len(t, m.Created, 1)
	assert.Equal(t, "ubuntu:24.04", m.Created[0].Image)
	assert.Equal(t, "/src", m.Created[0].WorkDir)
	assert.Empty(t, m.Pulls)
}

func TestSandbox_ConcurrentFirstCommandsShareInitialization(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(m *mock.Engine) {
		m.OnCreate = func(ctx context.Context, _ engine.WorkspaceSpec) error {
			<-release
			return nil
		}
	})
	s := newTestSandbox(t, h, Options{})

	var wg sync.WaitGroup
	results := make([]*types.ExecResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Run(context.Background(), "echo hi", types.RunOptions{})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return s.State() == types.StateInitializing }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "hi\n", res.Stdout)
	}
	assert.Equal(t, 1, h.dials("local-test"))
	assert.Len(t, h.engine("local-test").Created, 1)
}

func TestSandbox_FailedCommand(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{})
	log := &eventLog{}
	s.Subscribe(log.listen)

	_, err := s.Run(context.Background(), "true", types.RunOptions{})
	require.NoError(t, err)
	before := s.Snapshot()
	log.reset()

	res, err := s.Run(context.Background(), "exit 3", types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Empty(t, res.Stdout)
	assert.Contains(t, res.Stderr, "exit code 3")
	assert.Empty(t, res.Snapshot)

	assert.Equal(t, []types.EventKind{types.EventStart, types.EventError, types.EventEnd}, log.kinds())
	assert.Equal(t, before, s.Snapshot(), "a failed command keeps the previous snapshot")
	assert.Equal(t, types.StateReady, s.State())
}

func TestSandbox_StderrLines(t *testing.T) {
	h := newHarness(t, func(m *mock.Engine) {
		m.OnExec = func(context.Context, engine.ExecRequest) (*engine.ExecOutput, error) {
			return &engine.ExecOutput{Stdout: "one\n\ntwo\n", Stderr: "warn\n"}, nil
		}
	})
	s := newTestSandbox(t, h, Options{})
	log := &eventLog{}
	s.Subscribe(log.listen)

	var stdout, stderr []string
	res, err := s.Run(context.Background(), "build", types.RunOptions{
		OnStdout: func(l string) { stdout = append(stdout, l) },
		OnStderr: func(l string) { stderr = append(stderr, l) },
	})
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)

	assert.Equal(t, []string{"one", "two"}, stdout)
	assert.Equal(t, []string{"warn"}, stderr)
	assert.Equal(t, []types.EventKind{
		types.EventStart, types.EventUpdate, types.EventUpdate, types.EventUpdate, types.EventEnd,
	}, log.kinds())
	assert.Equal(t, types.UpdateEvent{Line: "warn", Stream: types.StreamStderr}, log.events[3])
}

func TestSandbox_Timeout(t *testing.T) {
	h := newHarness(t, func(m *mock.Engine) {
		m.OnExec = func(ctx context.Context, _ engine.ExecRequest) (*engine.ExecOutput, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})
	s := newTestSandbox(t, h, Options{})

	res, err := s.Run(context.Background(), "sleep 60", types.RunOptions{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, context.DeadlineExceeded.Error())
}

func TestSandbox_Background(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{})

	res, err := s.Run(context.Background(), "sleep 10", types.RunOptions{Background: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "Command started in background: sleep 10\n", res.Stdout)

	m := h.engine("local-test")
	require.Len(t, m.Detached, 1)
	assert.Equal(t, "sleep 10", m.Detached[0].Command)
	assert.Empty(t, m.Execs)
}

func TestSandbox_StrictRejectsChainedCommands(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{Strict: true})
	log := &eventLog{}
	s.Subscribe(log.listen)

	res, err := s.Run(context.Background(), "echo a; rm -rf /", types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, ";")
	assert.Equal(t, []types.EventKind{types.EventStart, types.EventError, types.EventEnd}, log.kinds())
	assert.Nil(t, h.engine("local-test"), "a rejected command never reaches the engine")

	res, err = s.Run(context.Background(), `echo "a; b"`, types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "a; b\n", res.Stdout)
}

func TestSandbox_InitializationFailureIsRetried(t *testing.T) {
	var mu sync.Mutex
	creates := 0
	h := newHarness(t, func(m *mock.Engine) {
		m.OnCreate = func(context.Context, engine.WorkspaceSpec) error {
			mu.Lock()
			defer mu.Unlock()
			creates++
			if creates == 1 {
				return errors.New("daemon unavailable")
			}
			return nil
		}
	})
	s := newTestSandbox(t, h, Options{})
	log := &eventLog{}
	s.Subscribe(log.listen)

	res, err := s.Run(context.Background(), "echo hi", types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "daemon unavailable")
	assert.Equal(t, []types.EventKind{types.EventStart, types.EventError, types.EventEnd}, log.kinds())
	assert.Equal(t, types.StateUninitialized, s.State())
	assert.True(t, h.engine("local-test").Closed(), "the failed attempt gives its connection back")

	res, err = s.Run(context.Background(), "echo hi", types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 2, h.dials("local-test"))
}

func TestSandbox_WriteThenReadFile(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{})
	ctx := context.Background()

	snap, err := s.WriteFile(ctx, "/tmp/x", "hello")
	require.NoError(t, err)
	assert.Equal(t, snap, s.Snapshot())

	got, err := s.ReadFile(ctx, "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	res, err := s.Run(ctx, "cat /tmp/x", types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)

	_, err = s.ReadFile(ctx, "/tmp/missing")
	assert.Error(t, err)
	assert.Equal(t, types.StateReady, s.State())
}

func TestSandbox_FileOperationsEmitNoEvents(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{})
	log := &eventLog{}
	s.Subscribe(log.listen)

	_, err := s.WriteFile(context.Background(), "notes.txt", "x")
	require.NoError(t, err)
	_, err = s.ReadFile(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.Empty(t, log.kinds())
}

func TestSandbox_Kill(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{})
	ctx := context.Background()

	_, err := s.Run(ctx, "true", types.RunOptions{})
	require.NoError(t, err)
	m := h.engine("local-test")
	require.Equal(t, 1, m.Workspaces())

	require.NoError(t, s.Kill(ctx))
	assert.Equal(t, types.StateKilled, s.State())
	assert.Equal(t, 0, m.Workspaces())
	assert.True(t, m.Closed(), "kill returns the pooled connection")
	assert.Equal(t, 0, h.pool.Len())
	assert.True(t, s.Snapshot().IsZero())

	require.NoError(t, s.Kill(ctx), "kill is idempotent")
	assert.Len(t, m.Destroyed, 1)
}

func TestSandbox_RunAfterKill(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{})
	log := &eventLog{}
	s.Subscribe(log.listen)
	ctx := context.Background()

	require.NoError(t, s.Kill(ctx))

	res, err := s.Run(ctx, "echo hi", types.RunOptions{})
	require.NotNil(t, res)
	assert.Equal(t, -1, res.ExitCode)
	assert.Empty(t, res.Stdout)

	var execErr *types.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, -1, execErr.ExitCode)
	assert.ErrorIs(t, err, types.ErrNotRunning)
	assert.Empty(t, log.kinds())

	_, err = s.ReadFile(ctx, "/tmp/x")
	assert.ErrorIs(t, err, types.ErrNotRunning)
	_, err = s.WriteFile(ctx, "/tmp/x", "y")
	assert.ErrorIs(t, err, types.ErrNotRunning)
	assert.Nil(t, h.engine("local-test"))
}

func TestSandbox_KillDuringInitialization(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(m *mock.Engine) {
		m.OnCreate = func(context.Context, engine.WorkspaceSpec) error {
			close(entered)
			<-release
			return nil
		}
	})
	s := newTestSandbox(t, h, Options{})

	done := make(chan *types.ExecResult)
	go func() {
		res, _ := s.Run(context.Background(), "echo hi", types.RunOptions{})
		done <- res
	}()

	<-entered
	require.NoError(t, s.Kill(context.Background()))
	close(release)

	res := <-done
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Contains(t, res.Stderr, types.ErrNotRunning.Error())

	m := h.engine("local-test")
	assert.Equal(t, 0, m.Workspaces(), "the late workspace is removed")
	assert.True(t, m.Closed())
	assert.Equal(t, types.StateKilled, s.State())
}

func TestSandbox_Unsubscribe(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{})
	first, second := &eventLog{}, &eventLog{}
	unsubscribe := s.Subscribe(first.listen)
	s.Subscribe(second.listen)

	_, err := s.Run(context.Background(), "true", types.RunOptions{})
	require.NoError(t, err)
	unsubscribe()
	_, err = s.Run(context.Background(), "true", types.RunOptions{})
	require.NoError(t, err)

	assert.Len(t, first.kinds(), 2)
	assert.Len(t, second.kinds(), 4)
}

func TestSandbox_PauseAndHost(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{})

	assert.NoError(t, s.Pause(context.Background()))
	assert.Equal(t, "localhost", s.Host(8080))
	assert.Equal(t, types.StateUninitialized, s.State())
}

type fakeTools struct {
	mu        sync.Mutex
	servers   []tools.ServerConfig
	cleanedUp bool
}

func (f *fakeTools) Initialize(_ context.Context, servers []tools.ServerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers = servers
	return nil
}

func (f *fakeTools) ListTools(context.Context) ([]tools.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tools.Tool
	for _, s := range f.servers {
		out = append(out, tools.Tool{Name: s.Name + "_tool", Server: s.Name})
	}
	return out, nil
}

func (f *fakeTools) ExecuteTool(_ context.Context, name string, _ map[string]any) (string, error) {
	return "ran " + name, nil
}

func (f *fakeTools) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanedUp = true
	return nil
}

func TestSandbox_Tools(t *testing.T) {
	h := newHarness(t, nil)
	ft := &fakeTools{}
	s := newSandbox(Options{
		ID:         "local-tools",
		ToolConfig: []tools.ServerConfig{{Name: "fs", Command: "mcp-fs"}},
	}, testConfig(t), h.pool, &config.LocalConfig{}, func() ToolManager { return ft }, zaptest.NewLogger(t))

	ctx := context.Background()
	tm, err := s.Tools(ctx)
	require.NoError(t, err)

	list, err := tm.ListTools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []tools.Tool{{Name: "fs_tool", Server: "fs"}}, list)

	out, err := tm.ExecuteTool(ctx, "fs_tool", nil)
	require.NoError(t, err)
	assert.Equal(t, "ran fs_tool", out)

	require.NoError(t, s.Kill(ctx))
	assert.True(t, ft.cleanedUp)
}

func TestSandbox_NoToolsConfigured(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestSandbox(t, h, Options{})

	_, err := s.Tools(context.Background())
	assert.ErrorIs(t, err, types.ErrNotInitialized)
}

func TestSandbox_StreamingDelayIsLinear(t *testing.T) {
	const lines = 200
	var out strings.Builder
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&out, "line-%d\n", i)
	}
	h := newHarness(t, func(m *mock.Engine) {
		m.OnExec = func(context.Context, engine.ExecRequest) (*engine.ExecOutput, error) {
			return &engine.ExecOutput{Stdout: out.String()}, nil
		}
	})
	cfg := testConfig(t)
	cfg.StreamDelay = time.Millisecond
	s := newSandbox(Options{ID: "local-stream"}, cfg, h.pool, &config.LocalConfig{}, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { s.Kill(context.Background()) })

	// Initialize outside the timed run.
	_, err := s.Run(context.Background(), "true", types.RunOptions{})
	require.NoError(t, err)

	var (
		got   []string
		times []time.Time
	)
	start := time.Now()
	res, err := s.Run(context.Background(), "cat big", types.RunOptions{
		OnStdout: func(l string) {
			got = append(got, l)
			times = append(times, time.Now())
		},
	})
	took := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	require.Len(t, got, lines)
	for i, l := range got {
		assert.Equal(t, fmt.Sprintf("line-%d", i), l)
	}
	for i := 1; i < len(times); i++ {
		assert.False(t, times[i].Before(times[i-1]), "line %d emitted before line %d", i, i-1)
	}

	// Line i is due i*StreamDelay after the first one.
	assert.GreaterOrEqual(t, times[lines-1].Sub(times[0]), (lines-1)*cfg.StreamDelay)
	assert.Less(t, took, 5*time.Second, "streaming %d lines took %s", lines, took)
}

func TestSandbox_StreamingStopsWaitingOnCancel(t *testing.T) {
	h := newHarness(t, func(m *mock.Engine) {
		m.OnExec = func(context.Context, engine.ExecRequest) (*engine.ExecOutput, error) {
			return &engine.ExecOutput{Stdout: "a\nb\nc\n"}, nil
		}
	})
	cfg := testConfig(t)
	cfg.StreamDelay = time.Hour
	s := newSandbox(Options{ID: "local-cancel"}, cfg, h.pool, &config.LocalConfig{}, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { s.Kill(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	res, err := s.Run(ctx, "cat", types.RunOptions{OnStdout: func(l string) {
		got = append(got, l)
		cancel()
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

// orderedTools records the order in which its servers come up and are closed.
type orderedTools struct {
	fakeTools
	initialize func(ctx context.Context) string

	mu    sync.Mutex
	order []string
}

func (o *orderedTools) Initialize(ctx context.Context, servers []tools.ServerConfig) error {
	ev := o.initialize(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = append(o.order, ev)
	return nil
}

func (o *orderedTools) Cleanup() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = append(o.order, "cleanup")
	return nil
}

func (o *orderedTools) events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

func newToolSandbox(t *testing.T, tm ToolManager) *Sandbox {
	t.Helper()
	h := newHarness(t, nil)
	return newSandbox(Options{
		ID:         "local-tools",
		ToolConfig: []tools.ServerConfig{{Name: "fs", Command: "mcp-fs"}},
	}, testConfig(t), h.pool, &config.LocalConfig{}, func() ToolManager { return tm }, zaptest.NewLogger(t))
}

func TestSandbox_KillWithExpiredContextCleansUpAfterToolInit(t *testing.T) {
	ot := &orderedTools{initialize: func(context.Context) string {
		time.Sleep(100 * time.Millisecond)
		return "server-started"
	}}
	s := newToolSandbox(t, ot)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Kill(ctx))

	require.Eventually(t, func() bool { return len(ot.events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"server-started", "cleanup"}, ot.events())
}

func TestSandbox_KillCancelsToolInit(t *testing.T) {
	ot := &orderedTools{initialize: func(ctx context.Context) string {
		select {
		case <-ctx.Done():
			return "init-cancelled"
		case <-time.After(time.Minute):
			return "server-started"
		}
	}}
	s := newToolSandbox(t, ot)

	done := make(chan struct{})
	go func() {
		s.Kill(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("kill waited for tool initialization instead of cancelling it")
	}
	assert.Equal(t, []string{"init-cancelled", "cleanup"}, ot.events())
}
