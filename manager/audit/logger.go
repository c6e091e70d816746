// Package audit records instance lifecycle events in a sqlite database so
// operators can reconstruct what happened to an instance after the fact.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventType represents the type of audit event
type EventType string

const (
	EventInstanceCreated EventType = "instance_created"
	EventInstanceRunning EventType = "instance_running"
	EventInstanceStopped EventType = "instance_stopped"
	EventInstanceFailed  EventType = "instance_failed"
	EventInstanceRemoved EventType = "instance_removed"
	EventTokenIssued     EventType = "token_issued"
	EventTokenRefreshed  EventType = "token_refreshed"
)

// Event is an audit log entry in the database. Tokens are stored only as
// SHA-256 fingerprints so the log never leaks a live credential.
type Event struct {
	ID               string `db:"id"`
	EventType        string `db:"event_type"`
	Timestamp        int64  `db:"timestamp"`
	Instance         string `db:"instance"`
	Port             int    `db:"port"`
	Detail           string `db:"detail"`
	TokenFingerprint string `db:"token_fingerprint"`
}

// Logger handles audit logging for instance lifecycle events
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db: db,
	}, nil
}

// DBInit initializes the audit events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		instance TEXT NOT NULL,
		port INTEGER,
		detail TEXT,
		token_fingerprint TEXT
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_instance ON audit_events(instance)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type)`)
	return err
}

// tokenFingerprint creates a SHA-256 hash of a token for audit logging
// so token usage can be traced without storing the token value.
func tokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// insertEvent is a helper method to insert an audit event into the database
func (l *Logger) insertEvent(event *Event) error {
	_, err := l.db.Exec(`
		INSERT INTO audit_events (
			id, event_type, timestamp, instance, port, detail, token_fingerprint
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.Instance,
		event.Port,
		event.Detail,
		event.TokenFingerprint,
	)
	return err
}

func (l *Logger) log(eventType EventType, instance string, port int, detail, token string) error {
	return l.insertEvent(&Event{
		ID:               uuid.New().String(),
		EventType:        string(eventType),
		Timestamp:        time.Now().UTC().Unix(),
		Instance:         instance,
		Port:             port,
		Detail:           detail,
		TokenFingerprint: tokenFingerprint(token),
	})
}

// LogInstanceCreated logs the creation of a new instance entry.
func (l *Logger) LogInstanceCreated(instance string) error {
	return l.log(EventInstanceCreated, instance, 0, "", "")
}

// LogInstanceRunning logs an instance passing its first health check.
func (l *Logger) LogInstanceRunning(instance string, port int) error {
	return l.log(EventInstanceRunning, instance, port, "", "")
}

// LogInstanceStopped logs a completed teardown.
func (l *Logger) LogInstanceStopped(instance string, port int) error {
	return l.log(EventInstanceStopped, instance, port, "", "")
}

// LogInstanceFailed logs a terminal failure with its reason.
func (l *Logger) LogInstanceFailed(instance string, port int, reason string) error {
	return l.log(EventInstanceFailed, instance, port, reason, "")
}

// LogInstanceRemoved logs removal of a terminal registry entry.
func (l *Logger) LogInstanceRemoved(instance string) error {
	return l.log(EventInstanceRemoved, instance, 0, "", "")
}

// LogTokenIssued logs the issuance of a fresh admin token.
func (l *Logger) LogTokenIssued(instance string, token string) error {
	return l.log(EventTokenIssued, instance, 0, "", token)
}

// LogTokenRefreshed logs a token refresh that minted a new credential.
func (l *Logger) LogTokenRefreshed(instance string, token string) error {
	return l.log(EventTokenRefreshed, instance, 0, "", token)
}

// GetEventsByInstance retrieves audit events for a specific instance
func (l *Logger) GetEventsByInstance(instance string, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE instance = $1 ORDER BY timestamp DESC LIMIT $2",
		instance, limit)
	return events, err
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM audit_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes audit events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).Unix()
	result, err := l.db.Exec("DELETE FROM audit_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
