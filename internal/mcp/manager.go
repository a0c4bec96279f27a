package mcp

import (
	"context"
	"log/slog"
	"sync"
)

// Manager manages multiple MCP server connections. A server that fails to
// connect is logged and skipped: its tools simply do not appear, and the
// remaining servers stay usable.
type Manager struct {
	logger  *slog.Logger
	servers []*ServerConfig
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewManager creates a new MCP manager.
func NewManager(servers []*ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "mcp"),
		servers: servers,
		clients: make(map[string]*Client),
	}
}

// Start connects to all configured MCP servers. Connection failures do not
// fail the session.
func (m *Manager) Start(ctx context.Context) {
	for _, cfg := range m.servers {
		if err := cfg.Validate(); err != nil {
			m.logger.Error("invalid MCP server config, skipping", "server", cfg.Name, "error", err)
			continue
		}

		client := NewClient(cfg, m.logger)
		if err := client.Connect(ctx); err != nil {
			m.logger.Error("failed to connect to MCP server, skipping",
				"server", cfg.Name,
				"error", err)
			continue
		}

		m.mu.Lock()
		m.clients[cfg.Name] = client
		m.mu.Unlock()
	}
}

// Stop disconnects from all MCP servers.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close MCP client", "server", name, "error", err)
		}
		delete(m.clients, name)
	}
}

// Client returns the client for a server by name.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[name]
	return client, ok
}

// Clients returns a snapshot of all connected clients.
func (m *Manager) Clients() map[string]*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*Client, len(m.clients))
	for name, client := range m.clients {
		out[name] = client
	}
	return out
}

// AllTools returns tools grouped by server name.
func (m *Manager) AllTools() map[string][]*Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]*Tool)
	for name, client := range m.clients {
		if tools := client.Tools(); len(tools) > 0 {
			out[name] = tools
		}
	}
	return out
}

// FindTool finds a tool by name across all servers. Returns the server name
// and tool definition, or an empty string when not found.
func (m *Manager) FindTool(name string) (serverName string, tool *Tool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, client := range m.clients {
		for _, t := range client.Tools() {
			if t.Name == name {
				return id, t
			}
		}
	}
	return "", nil
}
