package main

import (
	"context"

	"github.com/vinayprograms/agentbeats/agent"
	"github.com/vinayprograms/agentbeats/config"
	"github.com/vinayprograms/agentbeats/llm"
	"github.com/vinayprograms/agentbeats/protocol"
)

// ActionRespond is answered by the configured LLM provider.
const ActionRespond = "respond"

// ActionEcho returns the request parameters unchanged.
const ActionEcho = "echo"

// ServeCmd runs an agent until SIGINT or SIGTERM.
type ServeCmd struct {
	Listen   string `help:"Override transport.listen."`
	Provider string `help:"Override llm.provider (anthropic, openai, google, mock)."`
	Model    string `help:"Override llm.model."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, logger, err := cli.load()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Transport.Listen = c.Listen
	}
	if c.Provider != "" {
		cfg.LLM.Provider = c.Provider
	}
	if c.Model != "" {
		cfg.LLM.Model = c.Model
	}

	ctx := context.Background()
	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := n.registerActions(cfg.LLM); err != nil {
		n.close()
		return err
	}
	if err := n.connectMCP(ctx); err != nil {
		n.close()
		return err
	}
	if err := n.start(ctx); err != nil {
		n.close()
		return err
	}

	logger.Info("agent serving", map[string]interface{}{
		"agent_id":  n.runtime.ID(),
		"transport": cfg.Transport.Kind,
		"listen":    cfg.Transport.Listen,
	})
	n.shutdown.HandleSignals()
	<-n.shutdown.Done()
	return n.shutdown.Err()
}

// registerActions installs the built-in actions and, when a provider is
// configured, the LLM-backed respond action.
func (n *node) registerActions(lc config.LLMConfig) error {
	rt, logger := n.runtime, n.logger
	rt.RegisterActionFunc(ActionEcho, func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		return req.Parameters, nil
	})
	rt.RegisterMessageHandler(protocol.KindNotification, agent.MessageFunc(func(ctx context.Context, msg *protocol.Message) error {
		logger.Info("notification received", map[string]interface{}{
			"sender_id": msg.SenderID,
			"payload":   msg.Payload,
		})
		return nil
	}))

	if lc.Provider == "" {
		return nil
	}
	provider, err := llm.NewProvider(llm.Config{
		Provider:  lc.Provider,
		Model:     lc.Model,
		APIKey:    lc.APIKey(),
		MaxTokens: lc.MaxTokens,
		BaseURL:   lc.BaseURL,
	})
	if err != nil {
		return err
	}
	handler := llm.NewActionHandler(provider, lc.System, lc.MaxTokens)
	if limits := n.cfg.Limits; limits.LLMRequests > 0 && n.limiter != nil {
		key := "llm:" + lc.Provider
		n.limiter.SetCapacity(key, limits.LLMRequests, limits.Window)
		handler = handler.WithLimiter(n.limiter, key)
	}
	rt.RegisterActionHandler(ActionRespond, handler)
	return nil
}
