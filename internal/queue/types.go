package queue

import (
	"errors"
	"time"

	"github.com/mattjoyce/forkq/internal/protocol"
)

// Status is the terminal outcome recorded for a task.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Task is a unit of work. It is immutable once enqueued.
type Task struct {
	ID         string
	Type       string
	Payload    map[string]any
	EnqueuedAt time.Time
	Callback   ResponseFunc
}

// Response is delivered to a task's callback exactly once.
type Response struct {
	TaskID      string
	Type        string
	WorkerID    int
	PID         int
	Result      map[string]any
	Stats       *protocol.Stats // set for get-stats tasks
	Err         error
	EnqueuedAt  time.Time
	CompletedAt time.Time
}

// Status reports the outcome of the response.
func (r *Response) Status() Status {
	if r.Err != nil {
		return StatusFailed
	}
	return StatusSucceeded
}

// Duration is the time between enqueue and completion.
func (r *Response) Duration() time.Duration {
	if r.EnqueuedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.EnqueuedAt)
}

// ResponseFunc receives a task's response. It runs on the coordinator's reply
// path and must not block.
type ResponseFunc func(*Response)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)
