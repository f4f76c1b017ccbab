// Package mcp integrates Model Context Protocol servers into the tool
// catalogue. The manager connects to configured servers (stdio subprocess or
// HTTP), discovers their tools and exposes each as a prefixed catalogue tool.
// Remote failures surface as tool failures, never run failures; a crashed
// stdio server is restarted once per call before giving up.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/maestro/telemetry"
	"goa.design/maestro/tools"
)

type (
	// Manager owns the connections to all configured MCP servers and the
	// derived tool catalogue. Safe for concurrent use.
	Manager struct {
		logger telemetry.Logger

		mu      sync.Mutex
		servers map[string]*server

		stop chan struct{}
		wg   sync.WaitGroup
	}

	// ToolInfo describes one remote tool as discovered from a server.
	ToolInfo struct {
		Name        string
		Description string
		InputSchema map[string]any
	}

	// conn abstracts the transport. Implementations are not safe for
	// concurrent use; the owning server serializes access.
	conn interface {
		initialize(ctx context.Context) error
		listTools(ctx context.Context) ([]ToolInfo, error)
		callTool(ctx context.Context, name string, args json.RawMessage) (any, error)
		close() error
	}

	server struct {
		cfg ServerConfig

		mu    sync.Mutex
		conn  conn
		tools []ToolInfo
	}

	// ManagerOption configures a Manager.
	ManagerOption func(*Manager)
)

// WithLogger sets the manager's logger.
func WithLogger(l telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds a manager for the given server configurations. Connect
// must be called before Tools.
func NewManager(cfgs []ServerConfig, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		logger:  telemetry.NoopLogger{},
		servers: make(map[string]*server, len(cfgs)),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, cfg := range cfgs {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if _, dup := m.servers[cfg.Name]; dup {
			return nil, fmt.Errorf("mcp: duplicate server name %q", cfg.Name)
		}
		m.servers[cfg.Name] = &server{cfg: cfg}
	}
	return m, nil
}

// Connect establishes all server connections and performs initial tool
// discovery. Servers with AutoRefreshInterval set get a background refresh
// loop that runs until Close.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	servers := make([]*server, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.Unlock()

	for _, s := range servers {
		if err := s.connect(ctx); err != nil {
			return err
		}
		m.logger.Info(ctx, "mcp server connected",
			"server", s.cfg.Name, "transport", string(s.cfg.Transport), "tools", len(s.tools))
		if s.cfg.AutoRefreshInterval > 0 {
			m.wg.Add(1)
			go m.refreshLoop(s)
		}
	}
	return nil
}

// Tools renders the aggregated catalogue. Each remote tool becomes a
// catalogue tool named "<server>_<tool>" whose executor proxies the call.
func (m *Manager) Tools() []*tools.Tool {
	m.mu.Lock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	var out []*tools.Tool
	for _, name := range names {
		m.mu.Lock()
		s := m.servers[name]
		m.mu.Unlock()
		s.mu.Lock()
		infos := make([]ToolInfo, len(s.tools))
		copy(infos, s.tools)
		s.mu.Unlock()
		for _, info := range infos {
			srv, remote := s.cfg.Name, info.Name
			out = append(out, &tools.Tool{
				Name:        srv + "_" + remote,
				Description: info.Description,
				InputSchema: info.InputSchema,
				Kind:        tools.KindMCP,
				Server:      srv,
				RemoteName:  remote,
				Timeout:     s.cfg.timeout(),
				Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
					return m.Call(ctx, srv, remote, args)
				},
			})
		}
	}
	return out
}

// Call invokes a remote tool. On a stdio transport failure the subprocess is
// restarted once and the call retried; a second failure is returned to the
// caller as the tool outcome.
func (m *Manager) Call(ctx context.Context, serverName, toolName string, args json.RawMessage) (any, error) {
	s, err := m.server(serverName)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeout())
	defer cancel()

	res, err := s.call(ctx, toolName, args)
	if err == nil || ctx.Err() != nil {
		return res, err
	}
	if s.cfg.Transport != TransportStdio {
		return nil, err
	}
	m.logger.Warn(ctx, "mcp call failed, restarting server",
		"server", serverName, "tool", toolName, "err", err)
	if rerr := s.reconnect(ctx); rerr != nil {
		return nil, fmt.Errorf("mcp: server %s restart failed: %w", serverName, rerr)
	}
	return s.call(ctx, toolName, args)
}

// Refresh re-discovers the tool list of one server.
func (m *Manager) Refresh(ctx context.Context, serverName string) error {
	s, err := m.server(serverName)
	if err != nil {
		return err
	}
	return s.refresh(ctx)
}

// Close stops refresh loops and tears down all connections.
func (m *Manager) Close() error {
	close(m.stop)
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, s := range m.servers {
		if err := s.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) server(name string) (*server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("mcp: unknown server %q", name)
	}
	return s, nil
}

func (m *Manager) refreshLoop(s *server) {
	defer m.wg.Done()
	ticker := time.NewTicker(s.cfg.AutoRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.timeout())
			if err := s.refresh(ctx); err != nil {
				m.logger.Warn(ctx, "mcp tool refresh failed", "server", s.cfg.Name, "err", err)
			}
			cancel()
		}
	}
}

func (s *server) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *server) connectLocked(ctx context.Context) error {
	var c conn
	switch s.cfg.Transport {
	case TransportStdio:
		c = newStdioConn(s.cfg)
	case TransportHTTP:
		c = newHTTPConn(s.cfg)
	}
	if err := c.initialize(ctx); err != nil {
		return fmt.Errorf("mcp: server %s: %w", s.cfg.Name, err)
	}
	infos, err := c.listTools(ctx)
	if err != nil {
		c.close()
		return fmt.Errorf("mcp: server %s: list tools: %w", s.cfg.Name, err)
	}
	s.conn = c
	s.tools = s.filter(infos)
	return nil
}

func (s *server) reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.close()
		s.conn = nil
	}
	return s.connectLocked(ctx)
}

func (s *server) refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("mcp: server %s not connected", s.cfg.Name)
	}
	infos, err := s.conn.listTools(ctx)
	if err != nil {
		return fmt.Errorf("mcp: server %s: list tools: %w", s.cfg.Name, err)
	}
	s.tools = s.filter(infos)
	return nil
}

func (s *server) call(ctx context.Context, toolName string, args json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, fmt.Errorf("mcp: server %s not connected", s.cfg.Name)
	}
	return s.conn.callTool(ctx, toolName, args)
}

func (s *server) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.close()
	s.conn = nil
	return err
}

func (s *server) filter(infos []ToolInfo) []ToolInfo {
	out := make([]ToolInfo, 0, len(infos))
	for _, info := range infos {
		if s.cfg.allowed(info.Name) {
			out = append(out, info)
		}
	}
	return out
}
