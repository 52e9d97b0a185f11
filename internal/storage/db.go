package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// DB wraps the relay's SQLite database: users and their persisted status,
// friendships, and call outcome records.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			display_name TEXT DEFAULT '',
			avatar       TEXT DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'offline',
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS friends (
			user_id   TEXT NOT NULL,
			friend_id TEXT NOT NULL,
			PRIMARY KEY (user_id, friend_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create friends table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_events (
			id           TEXT PRIMARY KEY,
			from_user_id TEXT NOT NULL,
			to_user_id   TEXT NOT NULL,
			type         TEXT NOT NULL DEFAULT 'voice',
			status       TEXT NOT NULL,
			created_at   DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS call_events_from ON call_events(from_user_id, created_at);
		CREATE INDEX IF NOT EXISTS call_events_to ON call_events(to_user_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call events table: %w", err)
	}

	log.Debugf("STORAGE: opened %s", path)
	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }
