package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajaxzhan/localsandbox/internal/config"
	"github.com/ajaxzhan/localsandbox/internal/tools"
	"github.com/ajaxzhan/localsandbox/pkg/types"
)

func newTestProvider(t *testing.T, h *harness, cfg config.Config, opts ...ProviderOption) *Provider {
	t.Helper()
	opts = append([]ProviderOption{
		WithPool(h.pool),
		WithLocalConfig(&config.LocalConfig{}),
		WithProviderLogger(zaptest.NewLogger(t)),
	}, opts...)
	p, err := NewProvider(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestProvider_Create(t *testing.T) {
	h := newHarness(t, nil)
	p := newTestProvider(t, h, testConfig(t))

	tests := []struct {
		name   string
		agent  types.AgentType
		prefix string
	}{
		{"agent", types.AgentCodex, "codex-"},
		{"no agent", types.AgentNone, "local-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := p.Create(context.Background(), CreateRequest{AgentType: tt.agent})
			require.NoError(t, err)
			assert.Regexp(t, `^`+tt.prefix+`[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[0-9a-f]{4}-[0-9a-f]{12}$`, s.ID())
			assert.Equal(t, tt.agent, s.AgentType())
			assert.Equal(t, DefaultWorkDir, s.WorkDir())
			assert.Equal(t, "localsandbox-cache-"+s.ID(), s.VolumeKey())
			assert.Equal(t, types.StateUninitialized, s.State())
		})
	}
}

func TestProvider_CreateUniqueIDs(t *testing.T) {
	h := newHarness(t, nil)
	p := newTestProvider(t, h, testConfig(t))

	a, err := p.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	b, err := p.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestProvider_CreateUnknownAgent(t *testing.T) {
	h := newHarness(t, nil)
	p := newTestProvider(t, h, testConfig(t))

	_, err := p.Create(context.Background(), CreateRequest{AgentType: "cursor"})
	assert.ErrorIs(t, err, types.ErrUnknownAgent)
}

func TestProvider_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetryAttempts = 0

	_, err := NewProvider(cfg, WithLocalConfig(&config.LocalConfig{}))
	var cfgErr *types.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestProvider_Resume(t *testing.T) {
	h := newHarness(t, nil)
	p := newTestProvider(t, h, testConfig(t))
	ctx := context.Background()

	s, err := p.Resume(ctx, "claude-0190b6a4-0000-7000-8000-000000000000", nil)
	require.NoError(t, err)
	assert.Equal(t, "claude-0190b6a4-0000-7000-8000-000000000000", s.ID())
	assert.Equal(t, types.AgentClaude, s.AgentType())
	assert.Equal(t, "localsandbox-cache-claude-0190b6a4-0000-7000-8000-000000000000", s.VolumeKey())

	s, err = p.Resume(ctx, "local-1234", nil)
	require.NoError(t, err)
	assert.Equal(t, types.AgentNone, s.AgentType())

	s, err = p.Resume(ctx, "weird", nil)
	require.NoError(t, err)
	assert.Equal(t, types.AgentNone, s.AgentType())

	_, err = p.Resume(ctx, "", nil)
	assert.Error(t, err)
}

func TestProvider_ResumeReusesVolume(t *testing.T) {
	h := newHarness(t, nil)
	p := newTestProvider(t, h, testConfig(t))
	ctx := context.Background()

	first, err := p.Create(ctx, CreateRequest{AgentType: types.AgentGemini})
	require.NoError(t, err)
	_, err = first.Run(ctx, "true", types.RunOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Kill(ctx))

	again, err := p.Resume(ctx, first.ID(), nil)
	require.NoError(t, err)
	_, err = again.Run(ctx, "true", types.RunOptions{})
	require.NoError(t, err)

	m := h.engine(first.ID())
	require.Len(t, m.Created, 1)
	assert.Equal(t, first.VolumeKey(), m.Created[0].Volume)
	assert.Equal(t, 2, h.dials(first.ID()))
}

func TestProvider_ListEnvironments(t *testing.T) {
	h := newHarness(t, nil)
	p := newTestProvider(t, h, testConfig(t))

	_, err := p.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)

	envs, err := p.ListEnvironments(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, envs)
	assert.Empty(t, envs)
}

func TestProvider_Listeners(t *testing.T) {
	h := newHarness(t, nil)
	log := &eventLog{}
	p := newTestProvider(t, h, testConfig(t), WithListener(log.listen))

	s, err := p.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	_, err = s.Run(context.Background(), "echo hi", types.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []types.EventKind{types.EventStart, types.EventUpdate, types.EventEnd}, log.kinds())
}

func TestProvider_StrictCommands(t *testing.T) {
	h := newHarness(t, nil)
	p := newTestProvider(t, h, testConfig(t), WithStrictCommands(true))

	s, err := p.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	res, err := s.Run(context.Background(), "echo a && echo b", types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestProvider_ToolManager(t *testing.T) {
	h := newHarness(t, nil)
	ft := &fakeTools{}
	p := newTestProvider(t, h, testConfig(t), WithToolManager(func() ToolManager { return ft }))

	s, err := p.Create(context.Background(), CreateRequest{
		ToolConfig: []tools.ServerConfig{{Name: "web", URL: "http://localhost:9000/mcp"}},
	})
	require.NoError(t, err)

	tm, err := s.Tools(context.Background())
	require.NoError(t, err)
	list, err := tm.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestProvider_BuildsFromDefinition(t *testing.T) {
	cfg := testConfig(t)
	cfg.PreferRegistry = false
	cfg.PushImages = false
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DockerfilesDir, "Dockerfile.codex"), []byte("FROM ubuntu:24.04\n"), 0o644))

	h := newHarness(t, nil)
	p := newTestProvider(t, h, cfg)

	s, err := p.Create(context.Background(), CreateRequest{AgentType: types.AgentCodex})
	require.NoError(t, err)
	res, err := s.Run(context.Background(), "true", types.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	m := h.engine(s.ID())
	require.Len(t, m.Builds, 1)
	assert.Equal(t, "localsandbox-codex:latest", m.Created[0].Image)
}
