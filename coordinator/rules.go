package coordinator

// Rules customizes message filtering and state conflict resolution.
// Embed DefaultRules to override one method.
type Rules interface {
	// AllowMessage reports whether msg may be queued.
	AllowMessage(msg QueuedMessage) bool

	// ResolveConflict picks the value kept for key from competing values.
	ResolveConflict(key string, values []interface{}) interface{}
}

// DefaultRules allows all messages and keeps the last conflicting value.
type DefaultRules struct{}

// AllowMessage allows every message.
func (DefaultRules) AllowMessage(QueuedMessage) bool { return true }

// ResolveConflict returns the last value, or nil when there are none.
func (DefaultRules) ResolveConflict(_ string, values []interface{}) interface{} {
	if len(values) == 0 {
		return nil
	}
	return values[len(values)-1]
}

// HandleTurnTimeout marks agentID as failed after it missed its turn.
func (c *Coordinator) HandleTurnTimeout(agentID string) bool {
	c.mu.Lock()
	defer c.unlock()

	a, ok := c.agents[agentID]
	if !ok {
		return false
	}
	a.Status = StatusError
	c.logEvent(EventTurnTimeout, map[string]interface{}{"agent_id": agentID})
	return true
}

// HandleAgentError marks agentID as failed with reason.
func (c *Coordinator) HandleAgentError(agentID, reason string) bool {
	c.mu.Lock()
	defer c.unlock()

	a, ok := c.agents[agentID]
	if !ok {
		return false
	}
	a.Status = StatusError
	c.logEvent(EventAgentError, map[string]interface{}{"agent_id": agentID, "error": reason})
	return true
}

// ResolveStateConflict chooses between competing values for key using the
// configured rules and logs the conflict. The shared state is not changed;
// callers store the result with UpdateSharedState.
func (c *Coordinator) ResolveStateConflict(key string, values []interface{}) interface{} {
	c.mu.Lock()
	defer c.unlock()

	c.logEvent(EventStateConflict, map[string]interface{}{
		"key":                key,
		"conflicting_values": append([]interface{}(nil), values...),
	})
	return c.rules.ResolveConflict(key, values)
}

// ResetAgent returns an agent to waiting. It is the only way out of the
// error status short of registering again.
func (c *Coordinator) ResetAgent(agentID string) bool {
	c.mu.Lock()
	defer c.unlock()

	a, ok := c.agents[agentID]
	if !ok {
		return false
	}
	from := a.Status
	a.Status = StatusWaiting
	a.LastActivity = c.now()
	c.logEvent(EventAgentReset, map[string]interface{}{"agent_id": agentID, "from_status": string(from)})
	return true
}
