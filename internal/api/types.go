package api

import (
	"encoding/json"

	"github.com/mattjoyce/forkq/internal/protocol"
)

// SubmitRequest is the JSON body for POST /tasks/{type}
type SubmitRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// AcceptedResponse is returned for ?async=true submissions
type AcceptedResponse struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// TaskResponse is returned once a task completed
type TaskResponse struct {
	TaskID     string          `json:"task_id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	WorkerID   int             `json:"worker_id"`
	PID        int             `json:"pid,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *TaskErrorBody  `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// TaskErrorBody describes a failed task
type TaskErrorBody struct {
	Kind     protocol.ErrorKind `json:"kind,omitempty"`
	Message  string             `json:"message"`
	Caught   string             `json:"caught,omitempty"`
	Shutdown bool               `json:"shutdown,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueLength   int    `json:"queue_length"`
	PoolSize      int    `json:"pool_size"`
	BusyWorkers   int    `json:"busy_workers"`
}
