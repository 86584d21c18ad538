// Package tools manages the MCP servers that expose callable tools to the
// agent running in a sandbox.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/ajaxzhan/localsandbox/internal/logging"
	"github.com/ajaxzhan/localsandbox/pkg/types"
)

const (
	clientName    = "localsandbox"
	clientVersion = "0.1.0"
)

// ServerConfig describes one MCP server. Exactly one of Command or URL is set.
type ServerConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
}

// Validate checks that the server can be dialed.
func (c ServerConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("tool server name is required")
	case c.Command == "" && c.URL == "":
		return fmt.Errorf("tool server %s: command or url is required", c.Name)
	case c.Command != "" && c.URL != "":
		return fmt.Errorf("tool server %s: command and url are mutually exclusive", c.Name)
	}
	return nil
}

// Tool is a tool offered by one of the managed servers.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Server      string `json:"server"`
}

// Client is the part of an MCP client the manager uses.
type Client interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer connects to a server. It does not run the MCP handshake.
type Dialer func(ctx context.Context, cfg ServerConfig) (Client, error)

// DialMCP connects over stdio for command servers and streamable HTTP for URL servers.
func DialMCP(ctx context.Context, cfg ServerConfig) (Client, error) {
	if cfg.URL != "" {
		c, err := client.NewStreamableHttpClient(cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Manager owns a set of initialized MCP servers and routes tool calls to them.
type Manager struct {
	mu      sync.RWMutex
	dialer  Dialer
	log     *zap.Logger
	servers map[string]Client
	tools   map[string]Tool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces DialMCP.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithLogger sets the manager's logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		dialer:  DialMCP,
		servers: make(map[string]Client),
		tools:   make(map[string]Tool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.OrDefault(m.log).Named("tools")
	return m
}

// Initialize connects to every server and indexes its tools. A server that
// fails is skipped; the returned error aggregates all failures.
func (m *Manager) Initialize(ctx context.Context, servers []ServerConfig) error {
	var errs []error
	for _, cfg := range servers {
		if err := m.addServer(ctx, cfg); err != nil {
			m.log.Warn("tool server unavailable", zap.String("server", cfg.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("server %s: %w", cfg.Name, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (m *Manager) addServer(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	_, exists := m.servers[cfg.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("duplicate server name")
	}

	c, err := m.dialer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[cfg.Name] = c
	for _, t := range listed.Tools {
		if prev, ok := m.tools[t.Name]; ok {
			m.log.Warn("tool name already taken, keeping first server",
				zap.String("tool", t.Name),
				zap.String("server", prev.Server),
				zap.String("ignored", cfg.Name),
			)
			continue
		}
		m.tools[t.Name] = Tool{Name: t.Name, Description: t.Description, Server: cfg.Name}
	}
	m.log.Info("tool server ready", zap.String("server", cfg.Name), zap.Int("tools", len(listed.Tools)))
	return nil
}

// ListTools returns every known tool, sorted by name.
func (m *Manager) ListTools(ctx context.Context) ([]Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Tool, 0, len(m.tools))
	for _, t := range m.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ExecuteTool calls the named tool and returns its text output.
func (m *Manager) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	m.mu.RLock()
	tool, ok := m.tools[name]
	var c Client
	if ok {
		c = m.servers[tool.Server]
	}
	m.mu.RUnlock()
	if !ok || c == nil {
		return "", fmt.Errorf("%w: %s", types.ErrUnknownTool, name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s on %s: %w", name, tool.Server, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Cleanup closes every server. The manager is empty afterwards.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]Client)
	m.tools = make(map[string]Tool)
	m.mu.Unlock()

	var errs []error
	for name, c := range servers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}
