package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentbeats/archive"
	"github.com/vinayprograms/agentbeats/config"
	"github.com/vinayprograms/agentbeats/coordinator"
	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/protocol"
	"github.com/vinayprograms/agentbeats/shutdown"
	"github.com/vinayprograms/agentbeats/state"
)

// CoordinateCmd runs a turn-based session over live agents.
type CoordinateCmd struct {
	Participants []string      `arg:"" optional:"" help:"Participant agent IDs in turn order (default: coordinator.participants)."`
	Rounds       int           `help:"Rounds to play (default: coordinator.rounds)."`
	Action       string        `help:"Action requested each turn (default: coordinator.action)."`
	TurnTimeout  time.Duration `name:"turn-timeout" help:"Per-turn response budget (default: coordinator.turn_timeout)."`
	LogDir       string        `name:"log-dir" help:"Directory for the session log (default: coordinator.session_log_dir)." type:"path"`
}

func (c *CoordinateCmd) Run(cli *CLI) error {
	cfg, logger, err := cli.load()
	if err != nil {
		return err
	}
	c.apply(&cfg.Coordinator)
	if len(cfg.Coordinator.Participants) == 0 {
		return agenterr.InvalidInput("no participants: pass agent IDs or set coordinator.participants")
	}

	ctx := context.Background()
	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.close()
	if err := n.start(ctx); err != nil {
		return err
	}

	coord, err := n.newCoordinator()
	if err != nil {
		return err
	}
	summary, err := n.runSession(ctx, coord)
	if err != nil {
		return err
	}

	path, err := coord.SaveSessionLog(cfg.Coordinator.SessionLogDir)
	if err != nil {
		return err
	}
	logger.Info("session log saved", map[string]interface{}{"path": path})
	return cli.printJSON(summary)
}

// apply overlays command-line flags on the coordinator config.
func (c *CoordinateCmd) apply(cc *config.CoordinatorConfig) {
	if len(c.Participants) > 0 {
		cc.Participants = c.Participants
	}
	if c.Rounds > 0 {
		cc.Rounds = c.Rounds
	}
	if c.Action != "" {
		cc.Action = c.Action
	}
	if c.TurnTimeout > 0 {
		cc.TurnTimeout = c.TurnTimeout
	}
	if c.LogDir != "" {
		cc.SessionLogDir = c.LogDir
	}
}

// newCoordinator builds a coordinator wired to the node's telemetry and,
// when configured, a session archive and a NATS state mirror.
func (n *node) newCoordinator() (*coordinator.Coordinator, error) {
	cc := n.cfg.Coordinator
	opts := []coordinator.Option{
		coordinator.WithLogger(n.logger),
		coordinator.WithMetrics(n.metrics),
		coordinator.WithEventExporter(n.exporter),
	}

	if cc.ArchivePath != "" {
		arch, err := archive.NewSQLiteArchive(cc.ArchivePath, n.logger)
		if err != nil {
			return nil, err
		}
		n.shutdown.RegisterWithPhase("archive", arch, shutdown.PhaseStorage)
		opts = append(opts, coordinator.WithArchive(arch))
	}

	if cc.MirrorBucket != "" {
		scfg := state.DefaultNATSStoreConfig()
		scfg.Conn = n.conn
		scfg.Bucket = cc.MirrorBucket
		scfg.Logger = n.logger.WithComponent("state")
		store, err := state.NewNATSStore(scfg)
		if err != nil {
			return nil, err
		}
		n.shutdown.RegisterFunc("state-mirror", shutdown.PhaseStorage, func(context.Context) error {
			return store.Close()
		})
		opts = append(opts, coordinator.WithStateMirror(store))
	}

	return coordinator.New(cc.Name, opts...), nil
}

// runSession discovers the participants, plays the configured rounds and
// ends the session. Turn failures are recorded in the session log and do
// not stop the session.
func (n *node) runSession(ctx context.Context, coord *coordinator.Coordinator) (*coordinator.SessionSummary, error) {
	cc := n.cfg.Coordinator

	caps, err := n.discoverAll(ctx, cc.Participants, cc.TurnTimeout)
	if err != nil {
		return nil, err
	}
	for i, id := range cc.Participants {
		coord.RegisterAgent(id, caps[i].AgentName, caps[i].Capabilities)
	}

	bridge := coordinator.NewBridge(coord, n.runtime, coordinator.BridgeConfig{
		RequestTimeout: cc.TurnTimeout,
		Logger:         n.logger.WithComponent("coordinator-bridge"),
		Tracer:         n.tracer,
	})

	if !coord.StartCoordinationSession() {
		return nil, agenterr.New(agenterr.ErrCodeCoordination, "session already active")
	}
	for round := 1; round <= cc.Rounds; round++ {
		for range cc.Participants {
			n.playTurn(ctx, coord, bridge, round)
			if err := bridge.DeliverPending(ctx); err != nil {
				n.logger.Warn("delivery failed", map[string]interface{}{"error": err.Error()})
			}
			coord.AdvanceTurn()
		}
	}

	summary, ok := coord.EndCoordinationSession()
	if !ok {
		return nil, agenterr.New(agenterr.ErrCodeCoordination, "no active session")
	}
	return summary, nil
}

func (n *node) playTurn(ctx context.Context, coord *coordinator.Coordinator, bridge *coordinator.Bridge, round int) {
	cc := n.cfg.Coordinator
	agentID, _ := coord.GetCurrentTurnAgent()
	if a, ok := coord.Agent(agentID); ok && a.Status == coordinator.StatusError {
		n.logger.Info("turn skipped", map[string]interface{}{"agent_id": agentID, "status": string(a.Status)})
		return
	}
	params := map[string]interface{}{
		"round":        round,
		"shared_state": coord.SharedState(),
	}

	resp, err := bridge.PlayTurn(ctx, cc.Action, params, cc.TurnTimeout)
	switch {
	case agenterr.NoAnswer(err):
		n.logger.Warn("turn missed", map[string]interface{}{"agent_id": agentID, "error": err.Error()})
	case err != nil:
		n.logger.Warn("turn failed", map[string]interface{}{"agent_id": agentID, "error": err.Error()})
	case !resp.Success:
		n.logger.Warn("turn rejected", map[string]interface{}{"agent_id": agentID, "error": resp.Error})
	default:
		coord.UpdateSharedState(fmt.Sprintf("round_%d.%s", round, agentID), resp.Result, agentID)
	}
}

// discoverAll fetches every participant's advertisement concurrently.
// The result is in the order of ids.
func (n *node) discoverAll(ctx context.Context, ids []string, timeout time.Duration) ([]protocol.Capabilities, error) {
	caps := make([]protocol.Capabilities, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			c, err := n.runtime.Discover(gctx, id, timeout)
			if err != nil {
				return fmt.Errorf("discover %s: %w", id, err)
			}
			caps[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return caps, nil
}
