// Package persist keeps the hub's durable state in SQLite: agent numbers,
// rooms and the panels linked to them, configuration blobs and the local
// employee directory used for panel logins.
package persist

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("persist: not found")

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and runs schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for concurrent readers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// NewTestStore creates a fresh in-memory database.
func NewTestStore() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rooms (
		address TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS panels (
		uuid TEXT PRIMARY KEY,
		room_address TEXT NOT NULL REFERENCES rooms(address) ON DELETE CASCADE,
		linked_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_panels_room ON panels(room_address);

	CREATE TABLE IF NOT EXISTS configs (
		id INTEGER PRIMARY KEY,
		val TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS employees (
		email TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS passcodes (
		passcode INTEGER PRIMARY KEY,
		employee_email TEXT NOT NULL REFERENCES employees(email) ON DELETE CASCADE
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ResolveAgent returns the number assigned to the agent with the given
// handshake id, assigning the next one on first contact.
func (s *Store) ResolveAgent(ctx context.Context, uid [8]byte) (uint32, error) {
	key := strconv.FormatUint(binary.LittleEndian.Uint64(uid[:]), 10)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (uid) VALUES (?) ON CONFLICT(uid) DO NOTHING`, key); err != nil {
		return 0, fmt.Errorf("failed to register agent: %w", err)
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE uid = ?`, key).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read agent id: %w", err)
	}
	return uint32(id), nil
}
