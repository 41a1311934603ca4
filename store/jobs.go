package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/veskar/blueprint/dbopen"
)

// maxErrorLen bounds the persisted processing_error message.
const maxErrorLen = 1000

// Job is one pipeline run's persisted record.
type Job struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	SourceFormat    string          `json:"source_format,omitempty"`
	MimeType        string          `json:"mime_type,omitempty"`
	FilePath        string          `json:"-"`
	Blueprint       json.RawMessage `json:"blueprint,omitempty"`
	ProcessingError string          `json:"processing_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusReady || j.Status == StatusError
}

// CreateJob inserts a new job in the processing state.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		return fmt.Errorf("store: create job: empty id")
	}
	now := time.Now().UnixMilli()
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO jobs (id, status, source_format, mime_type, file_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, StatusProcessing, j.SourceFormat, j.MimeType, j.FilePath, now, now)
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	j.Status = StatusProcessing
	j.CreatedAt = time.UnixMilli(now)
	j.UpdatedAt = time.UnixMilli(now)
	return nil
}

// GetJob loads one job by ID. Returns ErrNotFound for unknown IDs.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, status, source_format, mime_type, file_path, blueprint, processing_error, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// MarkReady transitions a processing job to ready with its blueprint.
func (s *Store) MarkReady(ctx context.Context, id string, blueprint json.RawMessage) error {
	return s.finish(ctx, id, StatusReady, string(blueprint), "")
}

// MarkError transitions a processing job to error. The message is
// truncated to 1000 characters before persisting.
func (s *Store) MarkError(ctx context.Context, id, msg string) error {
	if r := []rune(msg); len(r) > maxErrorLen {
		msg = string(r[:maxErrorLen])
	}
	return s.finish(ctx, id, StatusError, "", msg)
}

// finish applies a terminal transition. The status guard in the WHERE
// clause enforces single-transition semantics at the database level.
func (s *Store) finish(ctx context.Context, id, status, blueprint, procErr string) error {
	var bp, pe any
	if blueprint != "" {
		bp = blueprint
	}
	if procErr != "" {
		pe = procErr
	}
	res, err := dbopen.Exec(ctx, s.DB, `
		UPDATE jobs SET status = ?, blueprint = ?, processing_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, bp, pe, time.Now().UnixMilli(), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("store: mark %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark %s: %w", status, err)
	}
	if n == 0 {
		// Either the job does not exist or it is already terminal.
		if _, err := s.GetJob(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTerminal
	}
	return nil
}

// CountByStatus returns job counts per status, for health reporting.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: count by status: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var blueprint, procErr sql.NullString
	var created, updated int64
	err := row.Scan(&j.ID, &j.Status, &j.SourceFormat, &j.MimeType, &j.FilePath,
		&blueprint, &procErr, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan job: %w", err)
	}
	if blueprint.Valid {
		j.Blueprint = json.RawMessage(blueprint.String)
	}
	if procErr.Valid {
		j.ProcessingError = procErr.String
	}
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	return &j, nil
}
