package heartbeat

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/vinayprograms/agentbeats/bus"
	"github.com/vinayprograms/agentbeats/logging"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Agent statuses carried in heartbeats.
const (
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusDraining = "draining"
)

// Heartbeat is a single liveness signal from an agent.
type Heartbeat struct {
	AgentID   string            `json:"agent_id"`
	Timestamp time.Time         `json:"timestamp"`
	Status    string            `json:"status"`
	Load      float64           `json:"load"` // 0.0 to 1.0
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat. An empty agent ID is filled from
// subject when subject is a heartbeat subject.
func Unmarshal(subject string, data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h.AgentID == "" {
		h.AgentID = agentFromSubject(subject)
	}
	if h.AgentID == "" {
		return nil, ErrInvalidConfig
	}
	return &h, nil
}

// Subject returns the subject this heartbeat is published on.
func (h *Heartbeat) Subject() string {
	return bus.HeartbeatSubject(h.AgentID)
}

// wildcard matches every agent's heartbeat subject.
var wildcard = bus.HeartbeatSubject("*")

func agentFromSubject(subject string) string {
	prefix := strings.TrimSuffix(wildcard, "*")
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return strings.TrimPrefix(subject, prefix)
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus carries the heartbeats. Required.
	Bus bus.MessageBus

	// AgentID identifies the sender. Required.
	AgentID string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// InitialStatus is the starting status.
	// Default: "idle"
	InitialStatus string

	// Probe, when set, supplies status and load for every beat instead of
	// the values set on the sender.
	Probe Probe

	// Logger reports failed publishes. Nil uses a default logger.
	Logger *logging.Logger
}

// Probe reports an agent's current status and load.
type Probe func() (status string, load float64)

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.AgentID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:      5 * time.Second,
		InitialStatus: StatusIdle,
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Bus to subscribe on. Required.
	Bus bus.MessageBus

	// Timeout after the last heartbeat at which an agent is dead.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval between dead-agent sweeps.
	// Default: 1 second
	CheckInterval time.Duration

	// Logger for outages and departures. Nil uses a default logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: time.Second,
	}
}
