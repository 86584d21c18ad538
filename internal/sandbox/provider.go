package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajaxzhan/localsandbox/internal/config"
	"github.com/ajaxzhan/localsandbox/internal/image"
	"github.com/ajaxzhan/localsandbox/internal/logging"
	"github.com/ajaxzhan/localsandbox/internal/pool"
	"github.com/ajaxzhan/localsandbox/internal/tools"
	"github.com/ajaxzhan/localsandbox/pkg/types"
)

// CreateRequest describes a sandbox to create.
type CreateRequest struct {
	Envs       map[string]string
	AgentType  types.AgentType
	WorkDir    string
	ToolConfig []tools.ServerConfig
}

// Provider creates local sandboxes. It keeps no inventory of them.
type Provider struct {
	cfg       config.Config
	local     *config.LocalConfig
	pool      *pool.Pool
	ownsPool  bool
	log       *zap.Logger
	strict    bool
	listeners []types.Listener
	newTools  func() ToolManager
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithPool makes the provider use p instead of a Docker pool of its own.
func WithPool(p *pool.Pool) ProviderOption {
	return func(pr *Provider) { pr.pool = p }
}

// WithLocalConfig supplies the local config instead of reading it from the
// configured path.
func WithLocalConfig(local *config.LocalConfig) ProviderOption {
	return func(pr *Provider) { pr.local = local }
}

// WithProviderLogger sets the provider's logger.
func WithProviderLogger(log *zap.Logger) ProviderOption {
	return func(pr *Provider) { pr.log = log }
}

// WithStrictCommands makes every sandbox reject chained or redirected commands.
func WithStrictCommands(strict bool) ProviderOption {
	return func(pr *Provider) { pr.strict = strict }
}

// WithListener subscribes l to every sandbox the provider creates.
func WithListener(l types.Listener) ProviderOption {
	return func(pr *Provider) { pr.listeners = append(pr.listeners, l) }
}

// WithToolManager sets the factory for per-sandbox tool managers.
func WithToolManager(f func() ToolManager) ProviderOption {
	return func(pr *Provider) { pr.newTools = f }
}

// NewProvider creates a Provider from cfg.
func NewProvider(cfg config.Config, opts ...ProviderOption) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Provider{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.OrDefault(p.log).Named("sandbox")

	if p.local == nil {
		local, err := config.LoadLocalOrEmpty(cfg.ConfigPath)
		if err != nil {
			p.log.Warn("ignoring unreadable local config", zap.String("path", cfg.ConfigPath), zap.Error(err))
			local = &config.LocalConfig{}
		}
		p.local = local
	}

	if p.newTools == nil {
		log := p.log
		p.newTools = func() ToolManager { return tools.NewManager(tools.WithLogger(log)) }
	}

	if p.pool == nil {
		p.pool = pool.New(pool.DockerDialer(cfg, p.log), pool.OptionsFromConfig(cfg, p.log))
		p.ownsPool = true
	}
	return p, nil
}

// Create constructs a sandbox. Nothing is started until its first command
// or file operation.
func (p *Provider) Create(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	if !req.AgentType.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownAgent, req.AgentType)
	}

	id, err := newID(req.AgentType)
	if err != nil {
		return nil, err
	}
	return p.build(id, req), nil
}

// Resume returns a fresh sandbox that reuses id. Nothing is restored beyond
// what survives in the cache volume named after id; the agent type is taken
// from the id prefix when it names a known agent.
func (p *Provider) Resume(ctx context.Context, id string, toolConfig []tools.ServerConfig) (*Sandbox, error) {
	if id == "" {
		return nil, fmt.Errorf("sandbox id is required")
	}
	return p.build(id, CreateRequest{AgentType: agentFromID(id), ToolConfig: toolConfig}), nil
}

// ListEnvironments always returns an empty list: the provider keeps no
// persistent inventory.
func (p *Provider) ListEnvironments(ctx context.Context) ([]types.Environment, error) {
	return []types.Environment{}, nil
}

// Close releases the provider's own connection pool.
func (p *Provider) Close() error {
	if p.ownsPool {
		return p.pool.Close()
	}
	return nil
}

func (p *Provider) build(id string, req CreateRequest) *Sandbox {
	definition, _ := image.NewResolver(nil, p.cfg).BuildDefinition(req.AgentType)

	s := newSandbox(Options{
		ID:              id,
		AgentType:       req.AgentType,
		Envs:            req.Envs,
		WorkDir:         req.WorkDir,
		ToolConfig:      req.ToolConfig,
		BuildDefinition: definition,
		Strict:          p.strict,
	}, p.cfg, p.pool, p.local, p.newTools, p.log)

	for _, l := range p.listeners {
		s.Subscribe(l)
	}
	return s
}

func newID(agent types.AgentType) (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate sandbox id: %w", err)
	}
	return fmt.Sprintf("%s-%s", agentLabel(agent), u), nil
}

func agentFromID(id string) types.AgentType {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return types.AgentNone
	}
	agent := types.AgentType(prefix)
	if agent == types.AgentNone || !agent.Valid() {
		return types.AgentNone
	}
	return agent
}
