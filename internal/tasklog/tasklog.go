// Package tasklog keeps a SQLite record of completed tasks so their outcome
// can be looked up after the caller's callback has run.
package tasklog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/forkq/internal/queue"
	"github.com/mattjoyce/forkq/internal/storage"
)

var ErrNotFound = errors.New("task not found")

// Timestamps are stored in UTC with a fixed width so they sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schema = []string{`
CREATE TABLE IF NOT EXISTS task_log (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	worker_id    INTEGER NOT NULL,
	pid          INTEGER NOT NULL,
	result       TEXT,
	error        TEXT,
	enqueued_at  TEXT NOT NULL,
	completed_at TEXT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS task_log_completed_at ON task_log(completed_at);`,
}

// Entry is one completed task.
type Entry struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      queue.Status    `json:"status"`
	WorkerID    int             `json:"worker_id"`
	PID         int             `json:"pid,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Duration is the time from enqueue to completion.
func (e *Entry) Duration() time.Duration {
	return e.CompletedAt.Sub(e.EnqueuedAt)
}

// Store persists entries.
type Store struct {
	db *sql.DB
}

// Open opens the task log at path. storage.MemoryPath gives a private in-memory log.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path, schema...)
	if err != nil {
		return nil, fmt.Errorf("open task log: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores the outcome of resp. Recording the same task twice keeps the first row.
func (s *Store) Record(ctx context.Context, resp *queue.Response) error {
	var result []byte
	if resp.Result != nil {
		b, err := json.Marshal(resp.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = b
	} else if resp.Stats != nil {
		b, err := json.Marshal(resp.Stats)
		if err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
		result = b
	}

	var errText sql.NullString
	if resp.Err != nil {
		errText = sql.NullString{String: resp.Err.Error(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_log(id, type, status, worker_id, pid, result, error, enqueued_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`,
		resp.TaskID,
		resp.Type,
		string(resp.Status()),
		resp.WorkerID,
		resp.PID,
		nullableText(result),
		errText,
		resp.EnqueuedAt.UTC().Format(timeLayout),
		resp.CompletedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", resp.TaskID, err)
	}
	return nil
}

// Get returns the entry for id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, type, status, worker_id, pid, result, error, enqueued_at, completed_at
FROM task_log WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, type, status, worker_id, pid, result, error, enqueued_at, completed_at
FROM task_log ORDER BY completed_at DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent tasks: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries completed before now minus retention and returns
// how many were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune task log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                       Entry
		status                  string
		result, errText         sql.NullString
		enqueuedAt, completedAt string
	)
	if err := sc.Scan(&e.ID, &e.Type, &status, &e.WorkerID, &e.PID, &result, &errText, &enqueuedAt, &completedAt); err != nil {
		return nil, err
	}
	e.Status = queue.Status(status)
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	e.Error = errText.String

	var err error
	if e.EnqueuedAt, err = time.Parse(timeLayout, enqueuedAt); err != nil {
		return nil, fmt.Errorf("parse enqueued_at: %w", err)
	}
	if e.CompletedAt, err = time.Parse(timeLayout, completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &e, nil
}

func nullableText(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
