package db

import "time"

// SessionLog records the lifecycle of one session.
type SessionLog struct {
	db *DB
	id string
}

// ID returns the session's identifier.
func (l *SessionLog) ID() string {
	return l.id
}

// Event appends a lifecycle event.
func (l *SessionLog) Event(eventType, details string) error {
	return l.db.LogEvent(l.id, eventType, details)
}

// Server records which local server the session exposes.
func (l *SessionLog) Server(host string, port, pid int, started bool) error {
	return l.db.exec(
		`UPDATE sessions SET host = ?, port = ?, server_pid = ?, started_server = ? WHERE id = ?`,
		host, port, pid, started, l.id,
	)
}

// URL records the public URL the relay assigned.
func (l *SessionLog) URL(url string) error {
	return l.db.exec(`UPDATE sessions SET url = ? WHERE id = ?`, url, l.id)
}

// End closes the session with an outcome such as "stopped" or "failed".
func (l *SessionLog) End(outcome string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.db.exec(
		`UPDATE sessions SET outcome = ?, error = ?, ended_at = ? WHERE id = ?`,
		outcome, msg, time.Now(), l.id,
	)
}
