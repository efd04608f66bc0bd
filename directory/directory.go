// Package directory records which agents exist, what they can do, and
// where to reach them.
//
// Lookups by capability tag or action name return agent IDs sorted
// ascending, so results are deterministic. The in-memory implementation
// serves a single process; NATSDirectory shares one directory across
// processes through a JetStream key-value bucket.
package directory

import (
	"errors"
	"sort"
	"time"

	"github.com/vinayprograms/agentbeats/protocol"
)

// Common errors.
var (
	ErrNotFound  = errors.New("agent not found")
	ErrClosed    = errors.New("directory closed")
	ErrInvalidID = errors.New("invalid agent ID")
)

// Entry is one registered agent.
type Entry struct {
	// AgentID uniquely identifies the agent.
	AgentID string `json:"agent_id"`

	// Capabilities is the agent's advertisement.
	Capabilities protocol.Capabilities `json:"capabilities"`

	// Endpoint is the agent's base URL. May be empty for agents reachable
	// only over persistent connections or the bus.
	Endpoint string `json:"endpoint"`

	// LastSeen is when the agent last registered.
	LastSeen time.Time `json:"last_seen"`
}

// EventType represents the type of directory event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the directory.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Entry is the registered agent. For removals from a NATS directory
	// only AgentID is set.
	Entry Entry
}

// Directory provides agent registration and lookup.
type Directory interface {
	// Register adds or replaces the entry for agentID.
	Register(agentID string, caps protocol.Capabilities, endpoint string) error

	// Unregister removes agentID. Removing an unknown agent is a no-op.
	Unregister(agentID string) error

	// Get returns the entry for agentID or ErrNotFound.
	Get(agentID string) (*Entry, error)

	// FindByCapability returns IDs of agents advertising tag, sorted.
	FindByCapability(tag string) ([]string, error)

	// FindByAction returns IDs of agents supporting action, sorted.
	FindByAction(action string) ([]string, error)

	// GetEndpoint returns the endpoint recorded for agentID.
	GetEndpoint(agentID string) (string, bool)

	// List returns all entries sorted by agent ID.
	List() ([]Entry, error)

	// Watch returns a channel of directory events.
	// The channel is closed when the directory is closed.
	Watch() (<-chan Event, error)

	// Close shuts down the directory.
	Close() error
}

func newEntry(agentID string, caps protocol.Capabilities, endpoint string) Entry {
	if caps.AgentID == "" {
		caps.AgentID = agentID
	}
	return Entry{
		AgentID:      agentID,
		Capabilities: caps,
		Endpoint:     endpoint,
		LastSeen:     time.Now(),
	}
}

// matchIDs returns the sorted IDs of entries accepted by match.
func matchIDs(entries []Entry, match func(Entry) bool) []string {
	ids := []string{}
	for _, e := range entries {
		if match(e) {
			ids = append(ids, e.AgentID)
		}
	}
	sort.Strings(ids)
	return ids
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AgentID < entries[j].AgentID
	})
}
