package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
)

// SQLiteStore keeps the run event log in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (or creates) the event log database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.RunStoreError("failed to open run event database").
			WithContext(logfields.KeyPath, path).
			WithCause(err).
			Build()
	}

	// The modernc driver hands every pooled connection its own private
	// ":memory:" database, so the pool must stay at one connection for
	// the schema and the data to be visible everywhere.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp  INTEGER NOT NULL,
			payload    BLOB,
			metadata   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_timestamp ON run_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_type ON run_events(event_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.RunStoreError("failed to initialize run event schema").
				WithCause(err).
				Build()
		}
	}
	return nil
}

// Append adds one event to the log.
func (s *SQLiteStore) Append(ctx context.Context, runID, eventType string, payload []byte, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta []byte
	if len(metadata) > 0 {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return errors.RunStoreError("failed to marshal event metadata").
				WithContext(logfields.KeyRunID, runID).
				WithCause(err).
				Build()
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, event_type, timestamp, payload, metadata) VALUES (?, ?, ?, ?, ?)`,
		runID, eventType, time.Now().UTC().UnixMilli(), payload, meta)
	if err != nil {
		return errors.RunStoreError("failed to append run event").
			WithContext(logfields.KeyRunID, runID).
			WithContext("event_type", eventType).
			WithCause(err).
			Build()
	}
	return nil
}

// RunEvents returns all events of one run in append order.
func (s *SQLiteStore) RunEvents(ctx context.Context, runID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, timestamp, payload, metadata
		 FROM run_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, errors.RunStoreError("failed to query run events").
			WithContext(logfields.KeyRunID, runID).
			WithCause(err).
			Build()
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Range returns events with timestamps in [start, end] in append order.
func (s *SQLiteStore) Range(ctx context.Context, start, end time.Time) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, timestamp, payload, metadata
		 FROM run_events WHERE timestamp >= ? AND timestamp <= ? ORDER BY id ASC`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, errors.RunStoreError("failed to query run event range").
			WithCause(err).
			Build()
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return errors.RunStoreError("failed to close run event database").
			WithCause(err).
			Build()
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			ev   BaseEvent
			ts   int64
			meta sql.NullString
		)
		if err := rows.Scan(&ev.EventID, &ev.EventRunID, &ev.EventType, &ts, &ev.EventPayload, &meta); err != nil {
			return nil, errors.RunStoreError("failed to scan run event").
				WithCause(err).
				Build()
		}
		ev.EventTimestamp = time.UnixMilli(ts).UTC()
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &ev.EventMetadata); err != nil {
				return nil, errors.RunStoreError("failed to decode event metadata").
					WithContext(logfields.KeyRunID, ev.EventRunID).
					WithCause(err).
					Build()
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.RunStoreError("failed to iterate run events").
			WithCause(err).
			Build()
	}
	return events, nil
}
