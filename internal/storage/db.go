// Package storage is the durable collaborator behind the realtime core:
// accepted contacts (presence fan-out scoping), presence snapshots for
// "last seen" display, and the call history. Everything here is plain
// SQLite; the live event path never blocks on it.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the relay's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "ripple.db")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode so presence upserts and contact reads do not serialize on
	// the whole file.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			user_id    TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			accepted   INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, contact_id)
		);

		CREATE TABLE IF NOT EXISTS presence (
			user_id   TEXT PRIMARY KEY,
			status    TEXT NOT NULL,
			last_seen INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS call_records (
			session_id      TEXT PRIMARY KEY,
			caller_id       TEXT NOT NULL,
			callee_id       TEXT NOT NULL,
			conversation_id TEXT,
			mode            TEXT NOT NULL,
			started_at      INTEGER NOT NULL,
			ended_at        INTEGER,
			end_reason      TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Path returns the filesystem path of the database file.
func (d *DB) Path() string { return d.path }

// Close closes the underlying database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}
