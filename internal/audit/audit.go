// Package audit persists a local trail of tool executions and
// intervention sessions in a sqlite database.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tool_calls (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id    TEXT NOT NULL,
	tool_name   TEXT NOT NULL,
	is_error    INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_agent ON tool_calls(agent_id, id);

CREATE TABLE IF NOT EXISTS interventions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id    TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	mode        TEXT NOT NULL,
	event_count INTEGER NOT NULL,
	summary     TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	ended_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interventions_agent ON interventions(agent_id, id);
`

// Store is the sqlite-backed audit trail. It doubles as the tool
// executor's audit sink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (creating if needed) the audit database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	// sqlite serializes writers; a single connection avoids lock
	// contention errors under concurrent sinks.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "audit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordToolCall inserts one tool execution row. Insert failures are
// logged, not propagated; auditing never blocks the tool path.
func (s *Store) RecordToolCall(agentID, toolName string, isError bool, duration time.Duration) {
	errFlag := 0
	if isError {
		errFlag = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO tool_calls (agent_id, tool_name, is_error, duration_ms, created_at) VALUES (?, ?, ?, ?, ?)`,
		agentID, toolName, errFlag, duration.Milliseconds(), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Warn("tool call record failed", "agent", agentID, "tool", toolName, "error", err)
	}
}

// RecordIntervention inserts one completed intervention session.
func (s *Store) RecordIntervention(agentID, clientID, mode string, eventCount int, summary string, started, ended time.Time) {
	_, err := s.db.Exec(
		`INSERT INTO interventions (agent_id, client_id, mode, event_count, summary, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agentID, clientID, mode, eventCount, summary,
		started.UTC().Format(time.RFC3339Nano), ended.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Warn("intervention record failed", "agent", agentID, "error", err)
	}
}

// ToolCallEntry is one row of the tool trail.
type ToolCallEntry struct {
	ToolName   string    `json:"tool_name"`
	IsError    bool      `json:"is_error"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// InterventionEntry is one recorded intervention session.
type InterventionEntry struct {
	ClientID   string    `json:"client_id"`
	Mode       string    `json:"mode"`
	EventCount int       `json:"event_count"`
	Summary    string    `json:"summary"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// ToolCalls returns the agent's most recent tool executions, newest
// first.
func (s *Store) ToolCalls(agentID string, limit int) ([]ToolCallEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT tool_name, is_error, duration_ms, created_at FROM tool_calls WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallEntry
	for rows.Next() {
		var entry ToolCallEntry
		var errFlag int
		var created string
		if err := rows.Scan(&entry.ToolName, &errFlag, &entry.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("audit: scan tool call: %w", err)
		}
		entry.IsError = errFlag != 0
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Interventions returns the agent's most recent intervention sessions,
// newest first.
func (s *Store) Interventions(agentID string, limit int) ([]InterventionEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT client_id, mode, event_count, summary, started_at, ended_at FROM interventions WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query interventions: %w", err)
	}
	defer rows.Close()

	var out []InterventionEntry
	for rows.Next() {
		var entry InterventionEntry
		var started, ended string
		if err := rows.Scan(&entry.ClientID, &entry.Mode, &entry.EventCount, &entry.Summary, &started, &ended); err != nil {
			return nil, fmt.Errorf("audit: scan intervention: %w", err)
		}
		entry.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		entry.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		out = append(out, entry)
	}
	return out, rows.Err()
}
