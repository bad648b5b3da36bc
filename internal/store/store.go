package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/clipforge/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets the HTTP readers run alongside the archiver and trigger
	// writers; busy_timeout makes writers wait instead of failing with
	// SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			priority     TEXT NOT NULL,
			concurrent   BOOLEAN DEFAULT TRUE,
			kind         TEXT NOT NULL,
			capabilities TEXT,
			weight       INTEGER DEFAULT 1,
			required     BOOLEAN DEFAULT FALSE,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id           TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			mode         TEXT NOT NULL,
			prompt       TEXT NOT NULL,
			progress     INTEGER DEFAULT 0,
			snapshot     TEXT NOT NULL,
			accepted_at  DATETIME NOT NULL,
			completed_at DATETIME,
			archived_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_accepted ON workflow_runs(accepted_at)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			schedule         TEXT NOT NULL,
			prompt           TEXT NOT NULL,
			mode             TEXT NOT NULL DEFAULT '',
			platforms        TEXT NOT NULL,
			parameters       TEXT,
			status           TEXT DEFAULT 'active',
			next_run_at      DATETIME,
			last_run_at      DATETIME,
			last_status      TEXT,
			last_error       TEXT,
			last_workflow_id TEXT,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
