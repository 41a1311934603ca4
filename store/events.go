package store

import (
	"context"
	"fmt"
	"time"

	"github.com/veskar/blueprint/dbopen"
)

// Event statuses recorded per pipeline stage.
const (
	EventOK      = "ok"
	EventError   = "error"
	EventTimeout = "timeout"
)

// Event is one stage outcome within a pipeline run.
type Event struct {
	ID         int64         `json:"id"`
	JobID      string        `json:"job_id"`
	Stage      string        `json:"stage"`
	Status     string        `json:"status"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	CreatedAt  time.Time     `json:"created_at"`
}

// RecordEvent inserts one stage event. Callers treat failures as
// non-fatal; the pipeline outcome never depends on event persistence.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	ms := ev.DurationMS
	if ms == 0 && ev.Duration > 0 {
		ms = ev.Duration.Milliseconds()
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO pipeline_events (job_id, stage, status, detail, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.Stage, ev.Status, ev.Detail, ms, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

// EventsForJob returns a job's stage events in insertion order.
func (s *Store) EventsForJob(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, job_id, stage, status, detail, duration_ms, created_at
		FROM pipeline_events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: events for job: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var created int64
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Stage, &ev.Status, &ev.Detail, &ev.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}
