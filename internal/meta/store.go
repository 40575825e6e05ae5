// Package meta is the metadata store of a knowledge base: documents, chunks,
// the FTS5 full-text index, blob refcounts, file fingerprints, jobs, and
// vector index state, all in one SQLite database per knowledge base.
//
// The store owns crash recovery: opening a database sweeps any rows a crash
// left in 'processing' back to a restartable state before the engine sees
// them.
package meta

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// Store wraps the per-knowledge-base SQLite database.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// Open opens (creating if needed) the metadata database at path, applies
// pending migrations, and runs crash recovery. An empty path opens an
// in-memory database for testing.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create meta db directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open meta db: %w", err)
	}

	// Single writer prevents SQLITE_BUSY between goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate meta db: %w", err)
	}
	if err := s.recover(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recover meta db: %w", err)
	}
	return s, nil
}

// Close releases the underlying database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path ("" for in-memory stores).
func (s *Store) Path() string { return s.path }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE id = ?", m.id).Scan(&n); err != nil {
			return fmt.Errorf("check migration %d: %w", m.id, err)
		}
		if n > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.id, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.id, m.name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations(id, name, applied_at) VALUES (?, ?, ?)",
			m.id, m.name, nowMillis(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.id, err)
		}
	}
	return nil
}

// recover sweeps rows a crash left mid-flight. Interrupted jobs become
// paused so the operator decides whether to resume; their items go back to
// pending so no work is lost or double-counted.
func (s *Store) recover() error {
	now := nowMillis()
	if _, err := s.db.Exec(
		"UPDATE jobs SET status = 'paused', updated_at = ? WHERE status = 'processing'", now,
	); err != nil {
		return fmt.Errorf("sweep processing jobs: %w", err)
	}
	if _, err := s.db.Exec(
		"UPDATE job_items SET status = 'pending', updated_at = ? WHERE status = 'processing'", now,
	); err != nil {
		return fmt.Errorf("sweep processing job items: %w", err)
	}
	return nil
}

// guard returns an error when the store is closed. All public methods call it
// before touching the database.
func (s *Store) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("meta store is closed")
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isFTSQueryError detects user-supplied FTS5 match syntax errors, which are
// answered with empty results rather than surfaced as failures.
func isFTSQueryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "fts5") || strings.Contains(msg, "malformed MATCH")
}
