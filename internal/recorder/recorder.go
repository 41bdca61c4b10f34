// Package recorder persists polled readings to SQLite. Readings are tagged
// with the session they were measured under, so a reconnect (or a demo run)
// starts a fresh session row and historical data stays attributable to the
// transport and target it came from.
package recorder

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/power.bench/internal/psu"
)

// DB wraps the SQLite handle with reading persistence.
type DB struct {
	*sql.DB
	path string

	mu        sync.Mutex
	sessionID string
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.migrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// StartSession opens a new recording session for the given transport variant
// and target, and makes it the session subsequent readings are tagged with.
func (db *DB) StartSession(transport, target string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		"INSERT INTO sessions (session_id, transport, target) VALUES (?, ?, ?)",
		id, transport, target,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	db.mu.Lock()
	db.sessionID = id
	db.mu.Unlock()
	return id, nil
}

// EndSession detaches the current session; readings recorded afterwards are
// untagged until a new session starts.
func (db *DB) EndSession() {
	db.mu.Lock()
	db.sessionID = ""
	db.mu.Unlock()
}

// CurrentSession returns the active session ID, or "" when none is active.
func (db *DB) CurrentSession() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.sessionID
}

// RecordReading stores one reading under the current session. Missing fields
// are stored as NULL.
func (db *DB) RecordReading(r psu.Reading) error {
	db.mu.Lock()
	session := db.sessionID
	db.mu.Unlock()

	var sessionID any
	if session != "" {
		sessionID = session
	}

	_, err := db.Exec(`
		INSERT INTO readings (session_id, recorded_at, ch1_voltage, ch1_current, ch2_voltage, ch2_current)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, r.Timestamp.UTC(),
		nullable(r.CH1.Voltage), nullable(r.CH1.Current),
		nullable(r.CH2.Voltage), nullable(r.CH2.Current),
	)
	if err != nil {
		return fmt.Errorf("failed to record reading: %w", err)
	}
	return nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// StoredReading is one persisted reading row.
type StoredReading struct {
	SessionID string      `json:"session_id,omitempty"`
	Reading   psu.Reading `json:"reading"`
}

// RecentReadings returns up to limit readings, newest first.
func (db *DB) RecentReadings(limit int) ([]StoredReading, error) {
	rows, err := db.Query(`
		SELECT session_id, recorded_at, ch1_voltage, ch1_current, ch2_voltage, ch2_current
		FROM readings ORDER BY reading_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredReading
	for rows.Next() {
		var (
			session        sql.NullString
			ts             time.Time
			v1, i1, v2, i2 sql.NullFloat64
		)
		if err := rows.Scan(&session, &ts, &v1, &i1, &v2, &i2); err != nil {
			return nil, err
		}
		out = append(out, StoredReading{
			SessionID: session.String,
			Reading: psu.Reading{
				Timestamp: ts,
				CH1:       psu.ChannelReading{Voltage: ptr(v1), Current: ptr(i1)},
				CH2:       psu.ChannelReading{Voltage: ptr(v2), Current: ptr(i2)},
			},
		})
	}
	return out, rows.Err()
}

func ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// ReadingCount reports the total number of stored readings.
func (db *DB) ReadingCount() (int64, error) {
	var n int64
	err := db.QueryRow("SELECT COUNT(*) FROM readings").Scan(&n)
	return n, err
}

// SessionInfo summarizes one recording session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Target    string    `json:"target"`
	StartedAt time.Time `json:"started_at"`
	Readings  int64     `json:"readings"`
}

// Sessions lists all recording sessions, newest first.
func (db *DB) Sessions() ([]SessionInfo, error) {
	rows, err := db.Query(`
		SELECT s.session_id, s.transport, s.target, s.started_at,
		       (SELECT COUNT(*) FROM readings r WHERE r.session_id = s.session_id)
		FROM sessions s ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var s SessionInfo
		if err := rows.Scan(&s.ID, &s.Transport, &s.Target, &s.StartedAt, &s.Readings); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
