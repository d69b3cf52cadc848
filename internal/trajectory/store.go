// Package trajectory persists agent runs and their tool-call events for
// after-the-fact inspection.
package trajectory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Event is a single recorded step inside a run: a model turn, a tool call,
// or a validation failure.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event kinds.
const (
	KindModelTurn  = "model_turn"
	KindToolCall   = "tool_call"
	KindToolResult = "tool_result"
	KindInvalid    = "invalid_output"
	KindFinal      = "final_output"
)

// Store records runs in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the trajectory database and applies the schema.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		issue_key TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		kind TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		payload TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun records a new run and returns its id.
func (s *Store) StartRun(agent, issueKey string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, agent, issue_key, started_at) VALUES (?, ?, ?, ?)`,
		id, agent, issueKey, time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// RecordEvent appends an event to a run.
func (s *Store) RecordEvent(runID, kind, name string, payload any) error {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO events (run_id, kind, name, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, kind, name, string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// FinishRun marks a run's terminal outcome.
func (s *Store) FinishRun(runID, outcome string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET outcome = ?, finished_at = ? WHERE id = ?`,
		outcome, time.Now(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// Events returns a run's events in insertion order.
func (s *Store) Events(runID string) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, kind, name, payload, created_at FROM events WHERE run_id = ? ORDER BY id`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Kind, &ev.Name, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Recorder is the nil-safe recording surface handed to the agent runner.
// A nil Recorder drops everything.
type Recorder struct {
	store *Store
	runID string
}

// NewRecorder starts a run and returns its recorder. A nil store yields a
// nil recorder, which is safe to use.
func NewRecorder(store *Store, agent, issueKey string) (*Recorder, error) {
	if store == nil {
		return nil, nil
	}
	runID, err := store.StartRun(agent, issueKey)
	if err != nil {
		return nil, err
	}
	return &Recorder{store: store, runID: runID}, nil
}

// Record appends an event; errors are swallowed so observability never
// fails the pipeline.
func (r *Recorder) Record(kind, name string, payload any) {
	if r == nil {
		return
	}
	_ = r.store.RecordEvent(r.runID, kind, name, payload)
}

// Finish marks the run's outcome.
func (r *Recorder) Finish(outcome string) {
	if r == nil {
		return
	}
	_ = r.store.FinishRun(r.runID, outcome)
}

// RunID returns the underlying run id, empty for a nil recorder.
func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}
