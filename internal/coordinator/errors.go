package coordinator

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/forkq/internal/protocol"
)

var (
	ErrStopped         = errors.New("coordinator stopped")
	ErrNotStarted      = errors.New("coordinator not started")
	ErrWorkerLost      = errors.New("worker lost")
	ErrPoolUnavailable = errors.New("worker pool unavailable")
)

// TaskError is a failure reported by a worker for one task.
type TaskError struct {
	Kind     protocol.ErrorKind
	Message  string
	Caught   string
	WorkerID int
	// Shutdown is set when the worker retired after this reply.
	Shutdown bool
	Original *protocol.Message
}

func (e *TaskError) Error() string {
	if e.Caught != "" && e.Caught != e.Message {
		return fmt.Sprintf("%s error: %s: %s", e.Kind, e.Message, e.Caught)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func taskError(workerID int, r *protocol.Reply) *TaskError {
	return &TaskError{
		Kind:     r.Error.Kind,
		Message:  r.Error.Message,
		Caught:   r.Error.Caught,
		WorkerID: workerID,
		Shutdown: r.Shutdown,
		Original: r.OriginalMessage,
	}
}
