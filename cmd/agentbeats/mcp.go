package main

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/vinayprograms/agentbeats/mcp"
	"github.com/vinayprograms/agentbeats/shutdown"
)

// mcpVersion is announced by the MCP listener.
const mcpVersion = "1.0.0"

// connectMCP connects the configured tool servers and installs their
// tools as actions on the runtime.
func (n *node) connectMCP(ctx context.Context) error {
	mc := n.cfg.MCP
	if len(mc.Servers) == 0 {
		return nil
	}

	manager := mcp.NewManager(n.logger)
	n.shutdown.RegisterFunc("mcp-clients", shutdown.PhaseStorage, func(context.Context) error {
		return manager.Close()
	})

	names := make([]string, 0, len(mc.Servers))
	for name := range mc.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sc := mc.Servers[name]
		err := manager.Connect(ctx, name, mcp.ServerConfig{
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			URL:     sc.URL,
			APIKey:  sc.APIKey(),
		})
		if err != nil {
			return err
		}
		if len(sc.Deny) > 0 {
			manager.SetDeniedTools(name, sc.Deny)
		}
	}

	installed := mcp.RegisterTools(n.runtime, manager, mc.Prefix)
	n.logger.Info("mcp tools installed", map[string]interface{}{
		"servers": manager.Servers(),
		"actions": installed,
	})
	return nil
}

// serveMCP exposes the runtime's actions as MCP tools when mcp.listen is
// set. Actions registered after this call are not exposed.
func (n *node) serveMCP() error {
	addr := n.cfg.MCP.Listen
	if addr == "" {
		return nil
	}
	server := mcp.NewServer(n.runtime.Name(), mcpVersion, n.logger)
	mcp.ExposeRuntime(server, n.runtime)

	srv := &http.Server{Addr: addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("mcp server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	n.shutdown.RegisterWithPhase("mcp-server", shutdown.ShutdownFunc(srv.Shutdown), shutdown.PhaseIntake)
	n.logger.Info("serving mcp", map[string]interface{}{"addr": addr, "tools": len(server.Tools())})
	return nil
}
