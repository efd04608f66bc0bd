// Package coordinator runs turn-based sessions between registered agents.
//
// A Coordinator owns the agent registry, the round-robin turn order, the
// shared state, a per-agent message queue and the session log. Every
// operation takes the same lock, so callers on many goroutines (for
// example transport handlers) observe a consistent sequence.
//
// Operations report failure with boolean or empty results and never
// panic or return errors: a misbehaving agent cannot break the
// coordinator's control flow.
//
// # Agent lifecycle
//
//	waiting -> thinking -> done -> waiting -> ...
//
// Any state may move to error on a turn timeout or a reported failure.
// An agent in error stays there until ResetAgent is called or the agent
// is registered again.
//
// # Usage
//
//	c := coordinator.New("ChessCoordinator")
//	c.RegisterAgent("white", "chess_agent", []string{"chess"})
//	c.RegisterAgent("black", "chess_agent", []string{"chess"})
//	c.UpdateSharedState("board", startFEN, "")
//	c.StartCoordinationSession()
//
//	current, _ := c.GetCurrentTurnAgent()
//	c.RequestAgentAction(current, "make_move", map[string]interface{}{"board": startFEN})
//	// ... the agent answers ...
//	c.AgentResponseReceived(current, move)
//	c.AdvanceTurn()
//
//	summary, _ := c.EndCoordinationSession()
//
// A Bridge connects a Coordinator to live agents through an agent.Runtime,
// delivering queued messages as A2A notifications and turning action
// requests into A2A requests.
package coordinator
