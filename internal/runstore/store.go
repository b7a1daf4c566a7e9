// SPDX-License-Identifier: MPL-2.0

// Package runstore keeps a local history of training runs in SQLite.
package runstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// interruptedExitCode is the conventional exit status after SIGINT.
const interruptedExitCode = 130

var (
	//go:embed migrations/*.sql
	migrationFiles embed.FS

	// ErrNotFound is returned when a run ID is unknown.
	ErrNotFound = errors.New("run not found")
)

type (
	// Status is the lifecycle state of a run.
	Status string

	// Run is one recorded trainer invocation.
	Run struct {
		ID          string     `json:"id" yaml:"id"`
		Name        string     `json:"name" yaml:"name"`
		Profile     string     `json:"profile" yaml:"profile"`
		Command     string     `json:"command" yaml:"command"`
		LogDir      string     `json:"log_dir" yaml:"log_dir"`
		DatasetHash string     `json:"dataset_hash" yaml:"dataset_hash"`
		Status      Status     `json:"status" yaml:"status"`
		ExitCode    *int       `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
		StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
		FinishedAt  *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	}

	// Store is a SQLite-backed run history.
	Store struct {
		db *sql.DB
	}
)

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("run database path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return nil, fmt.Errorf("create run database directory: %w", err)
	}
	db, err := sql.Open("sqlite", clean+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping run database: %w", err)
	}

	migrations, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applyMigrations(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Start records a run as running. ID, Name and Profile are required.
func (s *Store) Start(ctx context.Context, r Run) error {
	if r.ID == "" || r.Name == "" || r.Profile == "" {
		return errors.New("run id, name and profile are required")
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, name, profile, command, log_dir, dataset_hash, status, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, r.ID, r.Name, r.Profile, r.Command, r.LogDir, r.DatasetHash, StatusRunning, r.StartedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// Finish stores the exit code of a run and derives its final status.
func (s *Store) Finish(ctx context.Context, id string, exitCode int, finishedAt time.Time) error {
	status := StatusFailed
	switch exitCode {
	case 0:
		status = StatusSucceeded
	case interruptedExitCode:
		status = StatusInterrupted
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?
`, status, exitCode, finishedAt.UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns one run.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	rows, err := s.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return Run{}, err
	}
	if len(rows) == 0 {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rows[0], nil
}

// List returns up to limit runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}
	return s.query(ctx, `ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
}

func (s *Store) query(ctx context.Context, tail string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, profile, command, log_dir, dataset_hash, status, exit_code, started_at, finished_at
FROM runs `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			exitCode sql.NullInt64
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Profile, &r.Command, &r.LogDir, &r.DatasetHash, &r.Status, &exitCode, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if exitCode.Valid {
			code := int(exitCode.Int64)
			r.ExitCode = &code
		}
		if finished.Valid {
			t := time.UnixMilli(finished.Int64).UTC()
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Duration is the wall time of a finished run, or the time since start.
func (r Run) Duration(now time.Time) time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}
