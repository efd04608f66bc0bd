package mcp

import (
	"context"
	"errors"
	"sort"
	"sync"

	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
)

// Manager holds the connections to several named MCP servers.
type Manager struct {
	clients     map[string]*Client
	deniedTools map[string]map[string]bool // server -> tool -> denied
	logger      *logging.Logger
	mu          sync.RWMutex
}

// ToolWithServer pairs a tool with the server that provides it.
type ToolWithServer struct {
	Server string
	Tool   Tool
}

// NewManager creates an empty manager. A nil logger uses logging.New().
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.New()
	}
	return &Manager{
		clients:     make(map[string]*Client),
		deniedTools: make(map[string]map[string]bool),
		logger:      logger.WithComponent("mcp"),
	}
}

// Connect starts a client for config, performs the handshake and caches
// the server's tools under name.
func (m *Manager) Connect(ctx context.Context, name string, config ServerConfig) error {
	client, err := NewClient(config)
	if err != nil {
		return err
	}
	return m.Add(ctx, name, client)
}

// Add initializes an existing client and registers it under name. The
// client is closed if the handshake fails.
func (m *Manager) Add(ctx context.Context, name string, client *Client) error {
	m.mu.RLock()
	_, exists := m.clients[name]
	m.mu.RUnlock()
	if exists {
		client.Close()
		return agenterr.InvalidInput("mcp server " + name + " already connected")
	}

	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return agenterr.Wrap(err, "mcp server "+name)
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return agenterr.Wrap(err, "listing tools of mcp server "+name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clients[name]; exists {
		client.Close()
		return agenterr.InvalidInput("mcp server " + name + " already connected")
	}
	m.clients[name] = client
	m.logger.Info("mcp server connected", map[string]interface{}{
		"server": name,
		"tools":  len(tools),
		"name":   client.ServerInfo().Name,
	})
	return nil
}

// SetDeniedTools hides tools of server from AllTools and FindTool.
func (m *Manager) SetDeniedTools(server string, tools []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	denied := make(map[string]bool, len(tools))
	for _, t := range tools {
		denied[t] = true
	}
	m.deniedTools[server] = denied
}

// Disconnect closes the connection to server.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	client, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()

	if !ok {
		return agenterr.NotFound("mcp server " + name + " not connected")
	}
	return client.Close()
}

// AllTools returns every allowed tool, ordered by server then tool name.
func (m *Manager) AllTools() []ToolWithServer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tools []ToolWithServer
	for server, client := range m.clients {
		denied := m.deniedTools[server]
		for _, tool := range client.Tools() {
			if denied[tool.Name] {
				continue
			}
			tools = append(tools, ToolWithServer{Server: server, Tool: tool})
		}
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Server != tools[j].Server {
			return tools[i].Server < tools[j].Server
		}
		return tools[i].Tool.Name < tools[j].Tool.Name
	})
	return tools
}

// CallTool calls tool on server. Denied tools are refused.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (*ToolCallResult, error) {
	m.mu.RLock()
	client, ok := m.clients[server]
	denied := m.deniedTools[server][tool]
	m.mu.RUnlock()

	if !ok {
		return nil, agenterr.NotFound("mcp server " + server + " not connected")
	}
	if denied {
		return nil, agenterr.InvalidInput("mcp tool " + tool + " is denied on " + server)
	}
	return client.CallTool(ctx, tool, args)
}

// FindTool returns the first server, in name order, offering an allowed
// tool called name.
func (m *Manager) FindTool(name string) (server string, found bool) {
	for _, t := range m.AllTools() {
		if t.Tool.Name == name {
			return t.Server, true
		}
	}
	return "", false
}

// Close disconnects every server.
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var errs []error
	for _, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServerCount returns the number of connected servers.
func (m *Manager) ServerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Servers returns the connected server names, sorted.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
