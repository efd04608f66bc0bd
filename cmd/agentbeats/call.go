package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinayprograms/agentbeats/config"
	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
)

// CallCmd sends a single request.
type CallCmd struct {
	Agent   string        `arg:"" help:"Receiver agent ID."`
	Action  string        `arg:"" help:"Action to invoke."`
	Params  string        `short:"p" help:"Parameters as a JSON object." default:"{}"`
	Timeout time.Duration `help:"Response timeout." default:"30s"`
}

func (c *CallCmd) Run(cli *CLI) error {
	params, err := parseParams(c.Params)
	if err != nil {
		return err
	}
	return withClient(cli, func(ctx context.Context, n *node) error {
		resp, err := n.runtime.SendRequest(ctx, c.Agent, c.Action, params, c.Timeout)
		if err != nil {
			return err
		}
		if err := cli.printJSON(resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s failed: %s", c.Action, resp.Error)
		}
		return nil
	})
}

// CapabilitiesCmd asks a peer for its advertisement.
type CapabilitiesCmd struct {
	Agent   string        `arg:"" help:"Agent ID to query."`
	Timeout time.Duration `help:"Response timeout." default:"10s"`
}

func (c *CapabilitiesCmd) Run(cli *CLI) error {
	return withClient(cli, func(ctx context.Context, n *node) error {
		caps, err := n.runtime.Discover(ctx, c.Agent, c.Timeout)
		if err != nil {
			return err
		}
		return cli.printJSON(caps)
	})
}

// AgentsCmd lists the directory, or searches it when a query is given.
type AgentsCmd struct {
	Query string `arg:"" optional:"" help:"Free-text search over names, capabilities and actions."`
	Limit int    `help:"Maximum search results." default:"10"`
}

func (c *AgentsCmd) Run(cli *CLI) error {
	return withClient(cli, func(ctx context.Context, n *node) error {
		if c.Query == "" {
			entries, err := n.dir.List()
			if err != nil {
				return err
			}
			return cli.printJSON(entries)
		}

		entries, err := n.dir.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := n.index.Add(e); err != nil {
				return err
			}
		}
		results, err := n.index.Search(c.Query, c.Limit)
		if err != nil {
			return err
		}
		return cli.printJSON(results)
	})
}

// withClient runs fn on a send-only node that is shut down afterwards.
func withClient(cli *CLI, fn func(ctx context.Context, n *node) error) error {
	cfg, logger, err := cli.load()
	if err != nil {
		return err
	}
	clientConfig(cfg, logger)

	ctx := context.Background()
	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.close()

	if err := n.runtime.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, n)
}

// clientConfig turns a node configuration into a send-only one: no
// listener, no heartbeats, and warnings only.
func clientConfig(cfg *config.Config, logger *logging.Logger) {
	cfg.Transport.Listen = ""
	cfg.Heartbeat.Interval = 0
	cfg.Telemetry.MetricsAddr = ""
	if cfg.Logging.Level == "info" {
		logger.SetLevel(logging.LevelWarn)
	}
}

// parseParams decodes a JSON object. An empty string means no parameters.
func parseParams(s string) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if s == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil, agenterr.InvalidInput("parameters must be a JSON object: " + err.Error())
	}
	return params, nil
}
