package coordinator

import (
	"time"
)

// DefaultName is the coordinator name used when none is given.
const DefaultName = "GreenCoordinator"

// AgentStatus is where an agent is in its turn cycle.
type AgentStatus string

const (
	StatusWaiting  AgentStatus = "waiting"
	StatusActive   AgentStatus = "active"
	StatusThinking AgentStatus = "thinking"
	StatusDone     AgentStatus = "done"
	StatusError    AgentStatus = "error"
)

// Session log event types.
const (
	EventAgentRegistered   = "agent_registered"
	EventAgentUnregistered = "agent_unregistered"
	EventAgentReset        = "agent_reset"
	EventStateUpdated      = "state_updated"
	EventStateConflict     = "state_conflict"
	EventMessageSent       = "message_sent"
	EventSessionStarted    = "session_started"
	EventSessionEnded      = "session_ended"
	EventTurnAdvanced      = "turn_advanced"
	EventAgentResponse     = "agent_response"
	EventTurnTimeout       = "turn_timeout"
	EventAgentError        = "agent_error"
)

// Queued message types produced by the coordinator itself.
const (
	MessageStateChange   = "state_change"
	MessageActionRequest = "action_request"
)

// AgentInfo is the coordinator's record of one agent.
type AgentInfo struct {
	AgentID      string      `json:"agent_id"`
	AgentType    string      `json:"agent_type"`
	Status       AgentStatus `json:"status"`
	Capabilities []string    `json:"capabilities"`
	LastActivity time.Time   `json:"last_activity"`
}

func (a *AgentInfo) clone() AgentInfo {
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	return out
}

// QueuedMessage is a message waiting in the coordinator's queue.
type QueuedMessage struct {
	// Seq orders messages across all recipients.
	Seq         uint64      `json:"seq"`
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id"`
	Type        string      `json:"message_type"`
	Content     interface{} `json:"content"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Event is one session log entry. Log order, not Timestamp, is
// authoritative.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
}

// SessionSummary describes an ended session.
type SessionSummary struct {
	SessionID   string    `json:"session_id"`
	Coordinator string    `json:"coordinator"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`

	// SessionDuration is seconds from the first logged event to the end.
	SessionDuration     float64                `json:"session_duration"`
	TotalEvents         int                    `json:"total_events"`
	ParticipatingAgents []string               `json:"participating_agents"`
	FinalState          map[string]interface{} `json:"final_state"`
	SessionLog          []Event                `json:"session_log"`
}

// Duration returns SessionDuration as a time.Duration.
func (s *SessionSummary) Duration() time.Duration {
	return time.Duration(s.SessionDuration * float64(time.Second))
}

// Status is a consistent snapshot of the coordinator.
type Status struct {
	CoordinatorName string               `json:"coordinator_name"`
	SessionActive   bool                 `json:"session_active"`
	CurrentTurn     string               `json:"current_turn"` // empty when no turn
	TurnNumber      int                  `json:"turn_number"`
	Agents          map[string]AgentInfo `json:"agents"`
	SharedStateKeys []string             `json:"shared_state_keys"`
	PendingMessages int                  `json:"pending_messages"`
}
