// Package archive persists finished coordination sessions.
//
// SQLiteArchive implements coordinator.SessionArchive, so a coordinator
// configured WithArchive stores every session summary it produces. Stored
// sessions can be listed, reloaded, and their events queried by type.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/agentbeats/coordinator"
)

// ErrSessionNotFound is returned when no session has the requested ID.
var ErrSessionNotFound = errors.New("session not found")

// Archive stores and retrieves session summaries.
type Archive interface {
	coordinator.SessionArchive

	// List returns the most recent sessions first. limit <= 0 means 50.
	List(ctx context.Context, limit int) ([]SessionRecord, error)

	// Get reloads a full summary including its event log.
	Get(ctx context.Context, sessionID string) (*coordinator.SessionSummary, error)

	// Events returns a session's events of one type in log order. An empty
	// eventType returns all events.
	Events(ctx context.Context, sessionID, eventType string) ([]coordinator.Event, error)

	Close() error
}

// SessionRecord is the list view of an archived session.
type SessionRecord struct {
	SessionID           string
	Coordinator         string
	StartedAt           time.Time
	EndedAt             time.Time
	SessionDuration     float64
	TotalEvents         int
	ParticipatingAgents []string
}
