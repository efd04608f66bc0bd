package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vinayprograms/agentbeats/coordinator"
	"github.com/vinayprograms/agentbeats/logging"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteArchive stores sessions in a SQLite database.
type SQLiteArchive struct {
	db     *sql.DB
	logger *logging.Logger
}

var _ Archive = (*SQLiteArchive)(nil)

// NewSQLiteArchive opens (creating if needed) the database at path.
// Parent directories are created as needed.
func NewSQLiteArchive(path string, logger *logging.Logger) (*SQLiteArchive, error) {
	if logger == nil {
		logger = logging.New().WithComponent("archive")
	}

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	a := &SQLiteArchive{db: db, logger: logger}
	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session archive opened", map[string]interface{}{"path": path})
	return a, nil
}

func (a *SQLiteArchive) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			coordinator TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			session_duration REAL NOT NULL,
			total_events INTEGER NOT NULL,
			participants TEXT NOT NULL,
			final_state TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_ended
			ON sessions(ended_at);

		CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			event_type TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_type
			ON session_events(session_id, event_type);
	`
	_, err := a.db.Exec(schema)
	return err
}

// SaveSession stores s, replacing any earlier copy with the same ID.
func (a *SQLiteArchive) SaveSession(ctx context.Context, s *coordinator.SessionSummary) error {
	if s == nil || s.SessionID == "" {
		return fmt.Errorf("saving session: missing session id")
	}
	participants, err := json.Marshal(nonNilStrings(s.ParticipatingAgents))
	if err != nil {
		return fmt.Errorf("encoding participants: %w", err)
	}
	finalState, err := json.Marshal(nonNilMap(s.FinalState))
	if err != nil {
		return fmt.Errorf("encoding final state: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"session_events", "sessions"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, s.SessionID); err != nil {
			return fmt.Errorf("replacing session: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, coordinator, started_at, ended_at, session_duration,
			total_events, participants, final_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.SessionID,
		s.Coordinator,
		s.StartedAt.UTC().Format(time.RFC3339Nano),
		s.EndedAt.UTC().Format(time.RFC3339Nano),
		s.SessionDuration,
		s.TotalEvents,
		string(participants),
		string(finalState),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_events (session_id, seq, timestamp, event_type, data)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing event insert: %w", err)
	}
	defer stmt.Close()

	for i, ev := range s.SessionLog {
		data, err := json.Marshal(nonNilMap(ev.Data))
		if err != nil {
			return fmt.Errorf("encoding event %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, s.SessionID, i, ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Type, string(data)); err != nil {
			return fmt.Errorf("inserting event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}

	a.logger.Debug("session archived", map[string]interface{}{
		"session_id": s.SessionID,
		"events":     len(s.SessionLog),
	})
	return nil
}

// List returns archived sessions, most recently ended first.
func (a *SQLiteArchive) List(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT session_id, coordinator, started_at, ended_at, session_duration,
		       total_events, participants
		FROM sessions
		ORDER BY ended_at DESC, session_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	records := []SessionRecord{}
	for rows.Next() {
		rec, _, err := scanSession(rows, false)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return records, nil
}

// Get reloads the session with the given ID.
func (a *SQLiteArchive) Get(ctx context.Context, sessionID string) (*coordinator.SessionSummary, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT session_id, coordinator, started_at, ended_at, session_duration,
		       total_events, participants, final_state
		FROM sessions
		WHERE session_id = ?
	`, sessionID)

	rec, finalState, err := scanSession(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	events, err := a.Events(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	return &coordinator.SessionSummary{
		SessionID:           rec.SessionID,
		Coordinator:         rec.Coordinator,
		StartedAt:           rec.StartedAt,
		EndedAt:             rec.EndedAt,
		SessionDuration:     rec.SessionDuration,
		TotalEvents:         rec.TotalEvents,
		ParticipatingAgents: rec.ParticipatingAgents,
		FinalState:          finalState,
		SessionLog:          events,
	}, nil
}

// Events returns the events of sessionID, optionally filtered by type.
func (a *SQLiteArchive) Events(ctx context.Context, sessionID, eventType string) ([]coordinator.Event, error) {
	query := `
		SELECT timestamp, event_type, data
		FROM session_events
		WHERE session_id = ?`
	args := []interface{}{sessionID}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY seq`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []coordinator.Event{}
	for rows.Next() {
		var ts, typ, data string
		if err := rows.Scan(&ts, &typ, &data); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev := coordinator.Event{Type: typ}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing event timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, fmt.Errorf("decoding event data: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	return events, nil
}

// OnShutdown closes the database. It satisfies shutdown.ShutdownHandler.
func (a *SQLiteArchive) OnShutdown(ctx context.Context) error {
	return a.Close()
}

// Close closes the database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner, withState bool) (SessionRecord, map[string]interface{}, error) {
	var (
		rec                     SessionRecord
		started, ended          string
		participants, stateJSON string
	)
	dest := []interface{}{
		&rec.SessionID, &rec.Coordinator, &started, &ended,
		&rec.SessionDuration, &rec.TotalEvents, &participants,
	}
	if withState {
		dest = append(dest, &stateJSON)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, nil, err
		}
		return rec, nil, fmt.Errorf("scanning session: %w", err)
	}

	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return rec, nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if rec.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
		return rec, nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &rec.ParticipatingAgents); err != nil {
		return rec, nil, fmt.Errorf("decoding participants: %w", err)
	}

	var finalState map[string]interface{}
	if withState {
		if err := json.Unmarshal([]byte(stateJSON), &finalState); err != nil {
			return rec, nil, fmt.Errorf("decoding final state: %w", err)
		}
	}
	return rec, finalState, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
