// Package store persists job records and pipeline events in SQLite.
//
// A job row is written by exactly one pipeline runner: created as
// "processing" at submission, then transitioned exactly once to "ready"
// or "error". Terminal rows reject further transitions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Job status values. A job is created as processing and ends in exactly
// one of ready or error.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

var (
	// ErrNotFound is returned when no row matches the requested ID.
	ErrNotFound = errors.New("store: not found")

	// ErrTerminal is returned when a transition is attempted on a job
	// already in a terminal state.
	ErrTerminal = errors.New("store: job already terminal")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL DEFAULT 'processing',
    source_format    TEXT NOT NULL DEFAULT '',
    mime_type        TEXT NOT NULL DEFAULT '',
    file_path        TEXT NOT NULL DEFAULT '',
    blueprint        TEXT,
    processing_error TEXT,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id      TEXT NOT NULL,
    stage       TEXT NOT NULL,
    status      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_job ON pipeline_events(job_id);

CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);
`

// Store wraps the SQLite database holding jobs and events.
type Store struct {
	DB *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Init creates the tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}
