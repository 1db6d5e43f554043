// Package inspect renders task log entries for the terminal.
package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/forkq/internal/tasklog"
)

// Store is the part of the task log the reports read.
type Store interface {
	Get(ctx context.Context, id string) (*tasklog.Entry, error)
	Recent(ctx context.Context, limit int) ([]*tasklog.Entry, error)
}

// Report is the structured JSON representation of one task.
type Report struct {
	TaskID      string          `json:"task_id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	WorkerID    int             `json:"worker_id"`
	PID         int             `json:"pid,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMS  int64           `json:"duration_ms"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// BuildReport renders a terminal-friendly report for a task.
func BuildReport(ctx context.Context, store Store, taskID string) (string, error) {
	report, err := gatherReport(ctx, store, taskID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Task Report\n")
	fmt.Fprintf(&out, "Task ID     : %s\n", report.TaskID)
	fmt.Fprintf(&out, "Type        : %s\n", report.Type)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Worker      : %d (pid %s)\n", report.WorkerID, renderPID(report.PID))
	fmt.Fprintf(&out, "Enqueued    : %s\n", report.EnqueuedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Completed   : %s\n", report.CompletedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Duration    : %s\n", time.Duration(report.DurationMS)*time.Millisecond)
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}

	fmt.Fprintf(&out, "Result      :\n")
	result := prettyJSON(report.Result)
	for _, line := range strings.Split(strings.TrimSpace(result), "\n") {
		fmt.Fprintf(&out, "  %s\n", line)
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report for a task.
func BuildJSONReport(ctx context.Context, store Store, taskID string) (string, error) {
	report, err := gatherReport(ctx, store, taskID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildRecent renders the newest limit tasks, one per line.
func BuildRecent(ctx context.Context, store Store, limit int) (string, error) {
	entries, err := store.Recent(ctx, limit)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(entries) == 0 {
		return "No tasks recorded.\n", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%-36s  %-16s  %-9s  %6s  %10s  %s\n", "TASK ID", "TYPE", "STATUS", "WORKER", "DURATION", "COMPLETED")
	for _, e := range entries {
		fmt.Fprintf(&out, "%-36s  %-16s  %-9s  %6d  %10s  %s\n",
			e.ID, e.Type, e.Status, e.WorkerID,
			e.Duration().Round(time.Millisecond), e.CompletedAt.Local().Format(time.DateTime))
	}
	return out.String(), nil
}

func gatherReport(ctx context.Context, store Store, taskID string) (*Report, error) {
	entry, err := store.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("lookup task %s: %w", taskID, err)
	}
	return &Report{
		TaskID:      entry.ID,
		Type:        entry.Type,
		Status:      string(entry.Status),
		WorkerID:    entry.WorkerID,
		PID:         entry.PID,
		EnqueuedAt:  entry.EnqueuedAt,
		CompletedAt: entry.CompletedAt,
		DurationMS:  entry.Duration().Milliseconds(),
		Error:       entry.Error,
		Result:      entry.Result,
	}, nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "<none>"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func renderPID(pid int) string {
	if pid == 0 {
		return "unknown"
	}
	return fmt.Sprint(pid)
}
