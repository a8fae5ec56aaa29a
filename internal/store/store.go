// Package store manages the SQLite database (WAL mode) that records link
// traffic and connection events.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the embedded DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlFrames,
		ddlLinkEvents,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Direction of a recorded frame relative to this host.
const (
	DirIn  = "in"
	DirOut = "out"
)

// FrameRecord is one stored traffic frame.
type FrameRecord struct {
	ID         int64     `json:"id"`
	Direction  string    `json:"direction"`
	Payload    []byte    `json:"payload"`
	RecordedAt time.Time `json:"recorded_at"`
}

// InsertFrame records a frame and returns its row ID.
func (db *DB) InsertFrame(f *FrameRecord) (int64, error) {
	if f.RecordedAt.IsZero() {
		f.RecordedAt = time.Now().UTC()
	}
	res, err := db.Exec(
		`INSERT INTO frames (direction, payload, recorded_at) VALUES (?, ?, ?)`,
		f.Direction, f.Payload, f.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert frame: %w", err)
	}
	return res.LastInsertId()
}

// ListFrames returns up to limit frames, most recent first.
func (db *DB) ListFrames(limit int) ([]*FrameRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT id, direction, payload, recorded_at
		   FROM frames ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list frames: %w", err)
	}
	defer rows.Close()

	var out []*FrameRecord
	for rows.Next() {
		var (
			f  FrameRecord
			ms int64
		)
		if err := rows.Scan(&f.ID, &f.Direction, &f.Payload, &ms); err != nil {
			return nil, err
		}
		f.RecordedAt = time.UnixMilli(ms).UTC()
		out = append(out, &f)
	}
	return out, rows.Err()
}

// InsertLinkEvent records a connection state change.
func (db *DB) InsertLinkEvent(state, detail string) error {
	_, err := db.Exec(
		`INSERT INTO link_events (state, detail, recorded_at) VALUES (?, ?, ?)`,
		state, detail, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: insert link event: %w", err)
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlFrames = `
CREATE TABLE IF NOT EXISTS frames (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    direction   TEXT    NOT NULL,          -- 'in' | 'out'
    payload     BLOB    NOT NULL,
    recorded_at INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_frames_recorded_at ON frames (recorded_at DESC);
`

const ddlLinkEvents = `
CREATE TABLE IF NOT EXISTS link_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    state       TEXT    NOT NULL,          -- transport.ConnectionState
    detail      TEXT,
    recorded_at INTEGER NOT NULL           -- Unix milliseconds
);
`
