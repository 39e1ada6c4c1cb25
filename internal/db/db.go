// Package db keeps a local SQLite history of tunnel sessions.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Several xpos runs in different projects may share the file
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=2000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the database file location
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- One row per xpos invocation
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		server_pid INTEGER NOT NULL DEFAULT 0,
		started_server INTEGER NOT NULL DEFAULT 0,
		url TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	-- Lifecycle events within a session
	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Session is one recorded run
type Session struct {
	ID            string
	Project       string
	Host          string
	Port          int
	ServerPID     int
	StartedServer bool
	URL           string
	Outcome       string
	Error         string
	StartedAt     time.Time
	EndedAt       *time.Time
}

// Duration returns how long the session lasted, or has lasted so far
func (s Session) Duration() time.Duration {
	if s.EndedAt == nil {
		return time.Since(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Event is a lifecycle event of a session
type Event struct {
	ID        int64
	SessionID string
	EventType string
	Details   string
	Timestamp time.Time
}

// StartSession records the start of a run in project and returns a handle
// for the rest of its lifecycle.
func (db *DB) StartSession(project string) (*SessionLog, error) {
	id := uuid.NewString()
	if err := db.exec(
		`INSERT INTO sessions (id, project, started_at) VALUES (?, ?, ?)`,
		id, project, time.Now(),
	); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return &SessionLog{db: db, id: id}, nil
}

// LogEvent logs a session lifecycle event
func (db *DB) LogEvent(sessionID, eventType, details string) error {
	return db.exec(
		`INSERT INTO session_events (session_id, event_type, details, timestamp)
		 VALUES (?, ?, ?, ?)`,
		sessionID, eventType, details, time.Now(),
	)
}

// exec retries briefly if the database is locked (3 attempts, 5ms between).
// History is best-effort and must never hold up a shutdown.
func (db *DB) exec(query string, args ...any) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to write history after %d retries: database locked", maxRetries)
}

// RecentSessions retrieves the most recently started sessions, newest first
func (db *DB) RecentSessions(limit int) ([]Session, error) {
	rows, err := db.conn.Query(
		`SELECT id, project, host, port, server_pid, started_server, url, outcome, error, started_at, ended_at
		 FROM sessions
		 ORDER BY started_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var ended sql.NullTime
		if err := rows.Scan(&s.ID, &s.Project, &s.Host, &s.Port, &s.ServerPID, &s.StartedServer,
			&s.URL, &s.Outcome, &s.Error, &s.StartedAt, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			s.EndedAt = &ended.Time
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionEvents retrieves the events of one session in the order they happened
func (db *DB) SessionEvents(sessionID string) ([]Event, error) {
	rows, err := db.conn.Query(
		`SELECT id, session_id, event_type, details, timestamp
		 FROM session_events
		 WHERE session_id = ?
		 ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
