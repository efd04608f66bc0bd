package mcp

import (
	"context"
	"encoding/json"

	"github.com/vinayprograms/agentbeats/agent"
	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/protocol"
)

// SenderID is the sender of the A2A requests built from MCP tool calls.
const SenderID = "mcp"

// RegisterTools installs every allowed tool of m as an action on rt, named
// prefix+tool. Names the runtime already serves, and repeats of a tool
// name across servers, are skipped. It returns the installed action names.
func RegisterTools(rt *agent.Runtime, m *Manager, prefix string) []string {
	taken := make(map[string]bool)
	for _, a := range rt.Capabilities().SupportedActions {
		taken[a] = true
	}

	var installed []string
	for _, t := range m.AllTools() {
		action := prefix + t.Tool.Name
		if taken[action] {
			m.logger.Warn("mcp tool skipped", map[string]interface{}{
				"server": t.Server,
				"tool":   t.Tool.Name,
				"reason": "action name in use",
			})
			continue
		}
		taken[action] = true
		rt.RegisterActionFunc(action, toolAction(m, t.Server, t.Tool.Name))
		installed = append(installed, action)
	}
	return installed
}

func toolAction(m *Manager, server, tool string) agent.ActionFunc {
	return func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		res, err := m.CallTool(ctx, server, tool, req.Parameters)
		if err != nil {
			return nil, err
		}
		if res.IsError {
			return nil, agenterr.New(agenterr.ErrCodeHandlerFailed, res.Text(),
				agenterr.WithMetadata("mcp_server", server),
				agenterr.WithMetadata("tool", tool))
		}
		return decodeText(res.Text()), nil
	}
}

// decodeText returns JSON text as its decoded value and anything else as
// the string itself.
func decodeText(text string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

// ExposeRuntime registers rt's current actions as tools on s, plus two
// resources describing the agent: its capabilities and its known peers.
// Tool calls are dispatched through rt.HandleMessage with SenderID as the
// sender, so they pass the runtime's limiter and telemetry.
func ExposeRuntime(s *Server, rt *agent.Runtime) {
	caps := rt.Capabilities()
	for _, action := range caps.SupportedActions {
		s.RegisterTool(Tool{
			Name:        action,
			Description: "A2A action " + action + " of agent " + rt.ID(),
			InputSchema: map[string]interface{}{"type": "object"},
		}, runtimeTool(rt, action))
	}

	s.RegisterResource(Resource{
		URI:         "a2a://" + rt.ID() + "/capabilities",
		Name:        rt.Name() + " capabilities",
		Description: "Capabilities advertised by agent " + rt.ID(),
		MimeType:    "application/json",
	}, func(context.Context) (string, error) {
		return encodeJSON(rt.Capabilities())
	})
	s.RegisterResource(Resource{
		URI:         "a2a://" + rt.ID() + "/peers",
		Name:        rt.Name() + " peers",
		Description: "Peers agent " + rt.ID() + " has discovered",
		MimeType:    "application/json",
	}, func(context.Context) (string, error) {
		return encodeJSON(rt.KnownPeers())
	})
}

func runtimeTool(rt *agent.Runtime, action string) ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		req := protocol.NewRequest(SenderID, rt.ID(), action, args)
		resp := rt.HandleMessage(ctx, req.Message())
		if resp == nil {
			return nil, agenterr.Internal("no response to " + action)
		}
		if !resp.Success {
			return nil, agenterr.New(agenterr.ErrCodeHandlerFailed, resp.Error)
		}
		return resp.Result, nil
	}
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", agenterr.Internal("encoding resource: " + err.Error())
	}
	return string(data), nil
}
