package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// sessionFile is the on-disk form written by SaveSessionLog.
type sessionFile struct {
	Coordinator  string                 `json:"coordinator"`
	SessionID    string                 `json:"session_id,omitempty"`
	SessionLog   []Event                `json:"session_log"`
	FinalState   map[string]interface{} `json:"final_state"`
	AgentSummary map[string]AgentInfo   `json:"agent_summary"`
}

// DefaultSessionLogName returns coordination_session_YYYYmmdd_HHMMSS.json
// for t.
func DefaultSessionLogName(t time.Time) string {
	return "coordination_session_" + t.Format("20060102_150405") + ".json"
}

// SaveSessionLog writes the session log, shared state and agent records
// as indented JSON and returns the path written. An empty path uses
// DefaultSessionLogName in the working directory; a path naming an
// existing directory places the default name inside it.
func (c *Coordinator) SaveSessionLog(path string) (string, error) {
	c.mu.Lock()
	file := sessionFile{
		Coordinator:  c.name,
		SessionID:    c.sessionID,
		SessionLog:   append([]Event{}, c.log...),
		FinalState:   c.copyState(),
		AgentSummary: make(map[string]AgentInfo, len(c.agents)),
	}
	for id, a := range c.agents {
		file.AgentSummary[id] = a.clone()
	}
	now := c.now()
	c.mu.Unlock()

	if path == "" {
		path = DefaultSessionLogName(now)
	} else if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultSessionLogName(now))
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode session log: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create session log directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write session log: %w", err)
	}

	c.logger.Info("session log saved", map[string]interface{}{"path": path, "events": len(file.SessionLog)})
	return path, nil
}
