// Package eventstore is the durable, append-only sink for lifecycle Events
// and the recovery query LogicStage uses after a restart to find a session
// that was left open.
//
// The schema is a single events table, mirroring the original worker's
// events table; this package owns and exclusively writes it.
package eventstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// EventType enumerates the lifecycle events LogicStage emits.
type EventType string

const (
	EventAutoStop     EventType = "AUTO_STOP"
	EventAutoReset    EventType = "AUTO_RESET"
	EventAutoStart    EventType = "AUTO_START"
	EventPersonExit   EventType = "PERSON_EXIT_ROI"
	EventRollStarted  EventType = "ROLL_STARTED"
	EventRollFinished EventType = "ROLL_FINISHED"
	EventErrorDetect  EventType = "ERROR_DETECTED"
	EventFrameCapture EventType = "FRAME_CAPTURED"
)

// Event is one append-only lifecycle record.
type Event struct {
	ID        string
	MachineID string
	Type      EventType
	Payload   map[string]any
	Ts        time.Time
}

// OpenSession describes a ROLL_STARTED event with no later matching
// ROLL_FINISHED for the same machine, used to recover wrappingStartTs after
// a restart.
type OpenSession struct {
	StartTs time.Time
}

// Store wraps one sqlite database. All writes funnel through here; no other
// component touches the database directly.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) and migrates the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer, avoids SQLITE_BUSY under our own load

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	data TEXT,
	ts REAL NOT NULL,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_machine_time ON events(machine_id, ts DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists one event. The id is generated if empty.
func (s *Store) Append(e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("eventstore: marshal payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO events (id, machine_id, event_type, data, ts) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.MachineID, string(e.Type), string(data), float64(e.Ts.UnixNano())/1e9,
	)
	if err != nil {
		return fmt.Errorf("eventstore: insert event: %w", err)
	}
	return nil
}

// FindOpenSession returns the most recent ROLL_STARTED for machineID that
// has no later matching ROLL_FINISHED, or ok=false if none exists.
func (s *Store) FindOpenSession(machineID string) (session OpenSession, ok bool, err error) {
	row := s.db.QueryRow(`
		SELECT ts FROM events
		WHERE machine_id = ? AND event_type = 'ROLL_STARTED'
		AND ts > COALESCE((
			SELECT MAX(ts) FROM events
			WHERE machine_id = ? AND event_type = 'ROLL_FINISHED'
		), 0)
		ORDER BY ts DESC
		LIMIT 1
	`, machineID, machineID)

	var tsSec float64
	switch err := row.Scan(&tsSec); err {
	case nil:
		return OpenSession{StartTs: time.Unix(0, int64(tsSec*1e9))}, true, nil
	case sql.ErrNoRows:
		return OpenSession{}, false, nil
	default:
		return OpenSession{}, false, fmt.Errorf("eventstore: find open session: %w", err)
	}
}
