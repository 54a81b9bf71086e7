// Package sqlite is a single-node storage backend on an embedded SQLite
// database. Reads go through a WAL read pool; writes commit through a small
// pool that opens transactions with BEGIN IMMEDIATE. Per-user atomicity is
// optimistic: each user has a revision row that every committed write bumps,
// so transactions for different users never wait on each other outside of
// SQLite's own single-writer lock.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/storage"
	_ "modernc.org/sqlite"
)

const (
	defaultReadConnections = 4
	defaultMaxTxRetries    = 16
	writeConnections       = 2
)

// Store implements storage.Store on SQLite
type Store struct {
	read       *sql.DB
	write      *sql.DB
	maxRetries int
}

// Open opens the database at cfg.Path and applies pending migrations.
// ":memory:" opens a private in-memory database on a single connection.
func Open(cfg config.SQLiteConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path must not be empty")
	}

	maxRetries := cfg.MaxTxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxTxRetries
	}

	if path == ":memory:" {
		// Every connection would get its own empty database
		db, err := sql.Open("sqlite", dsn(path, true))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := runMigrations(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return &Store{read: db, write: db, maxRetries: maxRetries}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	write, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	write.SetMaxOpenConns(writeConnections)
	write.SetMaxIdleConns(writeConnections)

	if err := runMigrations(write); err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	readConns := cfg.ReadConnections
	if readConns <= 0 {
		readConns = defaultReadConnections
	}

	read, err := sql.Open("sqlite", dsn(path, false))
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	read.SetMaxOpenConns(readConns)
	read.SetMaxIdleConns(readConns)

	return &Store{read: read, write: write, maxRetries: maxRetries}, nil
}

// dsn applies the pragmas to every pooled connection. Writers take the
// database lock at BEGIN so a busy writer waits instead of failing on upgrade.
func dsn(path string, writer bool) string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	if writer {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}

func (s *Store) Close() error {
	err := s.write.Close()
	if s.read != s.write {
		if rerr := s.read.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

func (s *Store) Sessions() storage.SessionStore {
	return &sessionStore{read: s.read, write: s.write, maxRetries: s.maxRetries}
}

func (s *Store) Settings() storage.SettingsStore { return &settingsStore{read: s.read, write: s.write} }

func (s *Store) Profiles() storage.ProfileStore { return &profileStore{read: s.read, write: s.write} }

// runMigrations applies every migration newer than the recorded version,
// each in its own transaction.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for i, migration := range migrations {
		version := i + 1
		if version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(migration); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// migrations are applied in slice order; version is index+1. Never edit a
// released entry, append a new one.
var migrations = []string{
	migration001Sessions,
	migration002Settings,
	migration003Profiles,
	migration004Revisions,
}

// Timestamps are UTC unix nanoseconds so range predicates compare numerically.
const migration001Sessions = `
CREATE TABLE IF NOT EXISTS work_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	notes TEXT NOT NULL DEFAULT '',
	client_ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX idx_sessions_user_start ON work_sessions(user_id, started_at);
CREATE UNIQUE INDEX idx_sessions_user_open ON work_sessions(user_id) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS session_breaks (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	exceeded_max INTEGER NOT NULL DEFAULT 0,
	capped INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (session_id) REFERENCES work_sessions(id) ON DELETE CASCADE
);

CREATE INDEX idx_breaks_session ON session_breaks(session_id, position);
`

const migration002Settings = `
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	time_zone TEXT NOT NULL,
	rounding_minutes INTEGER NOT NULL,
	max_break_minutes INTEGER NOT NULL,
	enforce_max_break INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings_overrides (
	user_id TEXT PRIMARY KEY,
	time_zone TEXT,
	rounding_minutes INTEGER,
	max_break_minutes INTEGER,
	enforce_max_break INTEGER
);
`

const migration003Profiles = `
CREATE TABLE IF NOT EXISTS user_profiles (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migration004Revisions = `
CREATE TABLE IF NOT EXISTS user_revisions (
	user_id TEXT PRIMARY KEY,
	rev INTEGER NOT NULL
);
`
