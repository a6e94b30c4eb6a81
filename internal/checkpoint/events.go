package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome recorded for one source file in one run.
type Status string

const (
	StatusTodo  Status = "todo"  // scheduled for ingestion
	StatusSkip  Status = "skip"  // already processed
	StatusDone  Status = "done"  // committed to both stores
	StatusError Status = "error" // failed; left unprocessed
)

// FileEvent is one row of the per-file status log.
type FileEvent struct {
	RunID      string
	SourceFile string
	Status     Status
	Chunks     int
	Message    string
	CreatedAt  time.Time
}

// NewRunID returns an identifier for one ingestion run.
func NewRunID() string {
	return uuid.NewString()
}

// RecordEvent appends ev to the status log.
func (l *Ledger) RecordEvent(ctx context.Context, ev FileEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errClosed
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO file_events (run_id, source_file, status, chunks, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.SourceFile, string(ev.Status), ev.Chunks, ev.Message, ev.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return checkpointError("record event", err).WithDetail("source_file", ev.SourceFile)
	}
	return nil
}

// Events returns the events of runID in insertion order. An empty runID
// selects the most recent run.
func (l *Ledger) Events(ctx context.Context, runID string) ([]FileEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errClosed
	}

	if runID == "" {
		err := l.db.QueryRowContext(ctx,
			`SELECT run_id FROM file_events ORDER BY id DESC LIMIT 1`).Scan(&runID)
		if err != nil {
			// No runs yet
			return []FileEvent{}, nil
		}
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, source_file, status, chunks, message, created_at
		 FROM file_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, checkpointError("query events", err)
	}
	defer func() { _ = rows.Close() }()

	events := []FileEvent{}
	for rows.Next() {
		var ev FileEvent
		var status, created string
		if err := rows.Scan(&ev.RunID, &ev.SourceFile, &status, &ev.Chunks, &ev.Message, &created); err != nil {
			return nil, checkpointError("scan event", err)
		}
		ev.Status = Status(status)
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, checkpointError("read events", err)
	}
	return events, nil
}

// StatusCounts tallies the events of one run by status.
func StatusCounts(events []FileEvent) map[Status]int {
	counts := make(map[Status]int)
	for _, ev := range events {
		counts[ev.Status]++
	}
	return counts
}
