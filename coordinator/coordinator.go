package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/state"
	"github.com/vinayprograms/agentbeats/telemetry"
)

// MirrorPrefix prefixes shared state keys written to a state mirror.
const MirrorPrefix = "shared."

// SessionArchive persists ended sessions.
type SessionArchive interface {
	SaveSession(ctx context.Context, summary *SessionSummary) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithRules replaces DefaultRules.
func WithRules(r Rules) Option {
	return func(c *Coordinator) { c.rules = r }
}

// WithStateMirror writes every shared state update, JSON encoded, to store
// under MirrorPrefix+key.
func WithStateMirror(store state.StateStore) Option {
	return func(c *Coordinator) { c.mirror = store }
}

// WithEventExporter forwards every session log event to e.
func WithEventExporter(e telemetry.Exporter) Option {
	return func(c *Coordinator) { c.exporter = e }
}

// WithMetrics counts session log events.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithArchive saves the summary of every ended session to a.
func WithArchive(a SessionArchive) Option {
	return func(c *Coordinator) { c.archive = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator manages agents taking turns around shared state.
type Coordinator struct {
	name string

	mu          sync.Mutex
	agents      map[string]*AgentInfo
	turnOrder   []string
	cursor      int
	active      bool
	sharedState map[string]interface{}
	queues      map[string][]QueuedMessage
	pending     int
	seq         uint64
	log         []Event
	sessionID   string
	startedAt   time.Time

	// effects run after mu is released, in mutation order.
	effects []func()
	flushMu sync.Mutex

	rules    Rules
	logger   *logging.Logger
	mirror   state.StateStore
	exporter telemetry.Exporter
	metrics  *telemetry.Metrics
	archive  SessionArchive
	now      func() time.Time
}

// New creates a coordinator. An empty name uses DefaultName.
func New(name string, opts ...Option) *Coordinator {
	if name == "" {
		name = DefaultName
	}
	c := &Coordinator{
		name:        name,
		agents:      make(map[string]*AgentInfo),
		sharedState: make(map[string]interface{}),
		queues:      make(map[string][]QueuedMessage),
		rules:       DefaultRules{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New().WithComponent("coordinator")
	}
	return c
}

// Name returns the coordinator's name. It is also the sender ID of
// messages the coordinator queues.
func (c *Coordinator) Name() string { return c.name }

// unlock releases mu and runs the side effects queued while it was held.
func (c *Coordinator) unlock() {
	effects := c.effects
	c.effects = nil
	if len(effects) == 0 {
		c.mu.Unlock()
		return
	}
	c.flushMu.Lock()
	c.mu.Unlock()
	defer c.flushMu.Unlock()
	for _, fn := range effects {
		fn()
	}
}

// logEvent appends to the session log. Must be called with mu held.
func (c *Coordinator) logEvent(eventType string, data map[string]interface{}) {
	ev := Event{Timestamp: c.now(), Type: eventType, Data: data}
	c.log = append(c.log, ev)

	c.effects = append(c.effects, func() {
		c.metrics.RecordCoordinatorEvent(context.Background(), c.name, eventType)
		if c.exporter == nil {
			return
		}
		exported := make(map[string]interface{}, len(data)+2)
		for k, v := range data {
			exported[k] = v
		}
		exported["coordinator"] = c.name
		exported["timestamp"] = ev.Timestamp
		c.exporter.LogEvent("coordinator."+eventType, exported)
	})
}

// --- Registry ---

// RegisterAgent adds an agent in waiting status at the end of the turn
// order. It returns false if agentID is already registered.
func (c *Coordinator) RegisterAgent(agentID, agentType string, capabilities []string) bool {
	c.mu.Lock()
	defer c.unlock()

	if _, exists := c.agents[agentID]; exists {
		return false
	}
	caps := append([]string{}, capabilities...)
	c.agents[agentID] = &AgentInfo{
		AgentID:      agentID,
		AgentType:    agentType,
		Status:       StatusWaiting,
		Capabilities: caps,
		LastActivity: c.now(),
	}
	c.turnOrder = append(c.turnOrder, agentID)

	c.logEvent(EventAgentRegistered, map[string]interface{}{
		"agent_id":     agentID,
		"agent_type":   agentType,
		"capabilities": append([]string{}, caps...),
	})
	return true
}

// UnregisterAgent removes an agent and its place in the turn order.
// Messages already queued for it stay until drained.
func (c *Coordinator) UnregisterAgent(agentID string) bool {
	c.mu.Lock()
	defer c.unlock()

	if _, exists := c.agents[agentID]; !exists {
		return false
	}
	delete(c.agents, agentID)
	for i, id := range c.turnOrder {
		if id == agentID {
			c.turnOrder = append(c.turnOrder[:i:i], c.turnOrder[i+1:]...)
			break
		}
	}
	c.logEvent(EventAgentUnregistered, map[string]interface{}{"agent_id": agentID})
	return true
}

// Agent returns a copy of the record for agentID.
func (c *Coordinator) Agent(agentID string) (AgentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return a.clone(), true
}

// TurnOrder returns the registered agent IDs in turn order.
func (c *Coordinator) TurnOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.turnOrder...)
}

// --- Shared state ---

// UpdateSharedState sets key and queues a state_change message to every
// registered agent other than requestingAgent.
func (c *Coordinator) UpdateSharedState(key string, value interface{}, requestingAgent string) bool {
	c.mu.Lock()
	defer c.unlock()

	old := c.sharedState[key]
	c.sharedState[key] = value

	var requester interface{}
	if requestingAgent != "" {
		requester = requestingAgent
	}
	c.logEvent(EventStateUpdated, map[string]interface{}{
		"key":              key,
		"old_value":        old,
		"new_value":        value,
		"requesting_agent": requester,
	})

	for _, agentID := range c.turnOrder {
		if agentID == requestingAgent {
			continue
		}
		c.enqueue(c.name, agentID, MessageStateChange, map[string]interface{}{
			"key":   key,
			"value": value,
		})
	}

	if c.mirror != nil {
		mirror := c.mirror
		c.effects = append(c.effects, func() {
			if err := state.PutJSON(mirror, MirrorPrefix+key, value); err != nil {
				c.logger.Warn("state mirror update failed", map[string]interface{}{
					"key":   key,
					"error": err.Error(),
				})
			}
		})
	}
	return true
}

// GetSharedState returns the value stored under key.
func (c *Coordinator) GetSharedState(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.sharedState[key]
	return v, ok
}

// SharedState returns a shallow copy of all shared state.
func (c *Coordinator) SharedState() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyState()
}

func (c *Coordinator) copyState() map[string]interface{} {
	out := make(map[string]interface{}, len(c.sharedState))
	for k, v := range c.sharedState {
		out[k] = v
	}
	return out
}

// --- Messaging ---

// SendMessage queues a message for receiver. The sender must be the
// coordinator or a registered agent, the receiver must be registered, and
// the rules must allow the message.
func (c *Coordinator) SendMessage(sender, receiver, messageType string, content interface{}) bool {
	c.mu.Lock()
	defer c.unlock()
	return c.enqueue(sender, receiver, messageType, content)
}

// enqueue must be called with mu held.
func (c *Coordinator) enqueue(sender, receiver, messageType string, content interface{}) bool {
	if _, ok := c.agents[sender]; !ok && sender != c.name {
		return false
	}
	if _, ok := c.agents[receiver]; !ok {
		return false
	}

	msg := QueuedMessage{
		Seq:         c.seq + 1,
		SenderID:    sender,
		RecipientID: receiver,
		Type:        messageType,
		Content:     content,
		Timestamp:   c.now(),
	}
	if !c.rules.AllowMessage(msg) {
		return false
	}
	c.seq++
	c.queues[receiver] = append(c.queues[receiver], msg)
	c.pending++

	c.logEvent(EventMessageSent, map[string]interface{}{
		"sender":    sender,
		"recipient": receiver,
		"type":      messageType,
		"timestamp": msg.Timestamp,
	})
	return true
}

// GetMessagesForAgent removes and returns every message queued for
// agentID, oldest first. Messages for other agents are untouched.
func (c *Coordinator) GetMessagesForAgent(agentID string) []QueuedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.queues[agentID]
	delete(c.queues, agentID)
	c.pending -= len(msgs)
	if msgs == nil {
		return []QueuedMessage{}
	}
	return msgs
}

// PendingMessages returns the number of queued messages for all agents.
func (c *Coordinator) PendingMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// --- Sessions and turns ---

// StartCoordinationSession starts a session: the turn cursor returns to
// the first agent, the log is cleared and every agent goes back to
// waiting. It returns false if a session is already active.
func (c *Coordinator) StartCoordinationSession() bool {
	c.mu.Lock()
	defer c.unlock()

	if c.active {
		return false
	}
	c.active = true
	c.cursor = 0
	c.log = nil
	c.sessionID = uuid.NewString()
	c.startedAt = c.now()
	for _, a := range c.agents {
		a.Status = StatusWaiting
	}

	c.logEvent(EventSessionStarted, map[string]interface{}{
		"session_id":   c.sessionID,
		"total_agents": len(c.agents),
		"turn_order":   append([]string{}, c.turnOrder...),
	})
	c.logger.SessionEvent(EventSessionStarted, map[string]interface{}{
		"coordinator": c.name,
		"session_id":  c.sessionID,
		"agents":      len(c.agents),
	})
	return true
}

// EndCoordinationSession ends the active session and returns its summary.
// The session_ended event is part of the summary's log.
func (c *Coordinator) EndCoordinationSession() (*SessionSummary, bool) {
	c.mu.Lock()
	defer c.unlock()

	if !c.active {
		return nil, false
	}
	c.active = false

	c.logEvent(EventSessionEnded, map[string]interface{}{
		"session_id":           c.sessionID,
		"participating_agents": append([]string{}, c.turnOrder...),
	})

	now := c.now()
	summary := &SessionSummary{
		SessionID:           c.sessionID,
		Coordinator:         c.name,
		StartedAt:           c.startedAt,
		EndedAt:             now,
		TotalEvents:         len(c.log),
		ParticipatingAgents: append([]string{}, c.turnOrder...),
		FinalState:          c.copyState(),
		SessionLog:          append([]Event(nil), c.log...),
	}
	if d := now.Sub(c.log[0].Timestamp).Seconds(); d > 0 {
		summary.SessionDuration = d
	}

	c.logger.SessionEvent(EventSessionEnded, map[string]interface{}{
		"coordinator": c.name,
		"session_id":  c.sessionID,
		"events":      summary.TotalEvents,
		"duration":    summary.Duration().String(),
	})

	if c.archive != nil {
		archive := c.archive
		c.effects = append(c.effects, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := archive.SaveSession(ctx, summary); err != nil {
				c.logger.Error("session archive failed", map[string]interface{}{
					"session_id": summary.SessionID,
					"error":      err.Error(),
				})
			}
		})
	}
	return summary, true
}

// SessionActive reports whether a session is running.
func (c *Coordinator) SessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SessionLog returns a copy of the current session log.
func (c *Coordinator) SessionLog() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.log...)
}

// GetCurrentTurnAgent returns the agent whose turn it is. It returns
// false when no session is active or no agents are registered.
func (c *Coordinator) GetCurrentTurnAgent() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTurn()
}

func (c *Coordinator) currentTurn() (string, bool) {
	if !c.active || len(c.turnOrder) == 0 {
		return "", false
	}
	return c.turnOrder[c.cursor%len(c.turnOrder)], true
}

// AdvanceTurn moves the turn to the next agent in round-robin order. The
// outgoing agent returns to waiting and the incoming one becomes active;
// agents in error keep that status until ResetAgent.
func (c *Coordinator) AdvanceTurn() (string, bool) {
	c.mu.Lock()
	defer c.unlock()

	from, ok := c.currentTurn()
	if !ok {
		return "", false
	}
	if a, exists := c.agents[from]; exists && a.Status != StatusError {
		a.Status = StatusWaiting
	}

	c.cursor++
	to, _ := c.currentTurn()
	if a, exists := c.agents[to]; exists && a.Status != StatusError {
		a.Status = StatusActive
	}

	c.logEvent(EventTurnAdvanced, map[string]interface{}{
		"from_agent":  from,
		"to_agent":    to,
		"turn_number": c.cursor,
	})
	c.logger.TurnAdvanced(from, to, c.cursor)
	return to, true
}

// --- Actions ---

// RequestAgentAction queues an action_request message for agentID and
// marks it thinking. It returns false, changing nothing, if the agent is
// not registered, is in error, or the rules reject the message.
func (c *Coordinator) RequestAgentAction(agentID, actionType string, parameters map[string]interface{}) bool {
	c.mu.Lock()
	defer c.unlock()

	a, ok := c.agents[agentID]
	if !ok || a.Status == StatusError {
		return false
	}

	if parameters == nil {
		parameters = map[string]interface{}{}
	}
	if !c.enqueue(c.name, agentID, MessageActionRequest, map[string]interface{}{
		"action_type": actionType,
		"parameters":  parameters,
	}) {
		return false
	}
	a.Status = StatusThinking
	a.LastActivity = c.now()
	return true
}

// AgentResponseReceived marks agentID as done and logs its response. An
// agent in error is left there and the response is not recorded.
func (c *Coordinator) AgentResponseReceived(agentID string, response interface{}) bool {
	c.mu.Lock()
	defer c.unlock()

	a, ok := c.agents[agentID]
	if !ok || a.Status == StatusError {
		return false
	}
	a.Status = StatusDone
	a.LastActivity = c.now()

	c.logEvent(EventAgentResponse, map[string]interface{}{
		"agent_id": agentID,
		"response": response,
	})
	return true
}

// --- Status ---

// GetCoordinationStatus returns a consistent snapshot.
func (c *Coordinator) GetCoordinationStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, _ := c.currentTurn()
	agents := make(map[string]AgentInfo, len(c.agents))
	for id, a := range c.agents {
		agents[id] = a.clone()
	}
	keys := make([]string, 0, len(c.sharedState))
	for k := range c.sharedState {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return Status{
		CoordinatorName: c.name,
		SessionActive:   c.active,
		CurrentTurn:     current,
		TurnNumber:      c.cursor,
		Agents:          agents,
		SharedStateKeys: keys,
		PendingMessages: c.pending,
	}
}

// String summarizes the coordinator on one line.
func (c *Coordinator) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := "Inactive"
	if c.active {
		status = "Active"
	}
	turn, ok := c.currentTurn()
	if !ok {
		turn = "none"
	}
	return fmt.Sprintf("Green Agent '%s' - Status: %s, Agents: %d, Turn: %s", c.name, status, len(c.agents), turn)
}
