package pool

import (
	"io"
	"sync"
	"time"

	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/queue"
)

// HandleState is the coordinator's view of one worker incarnation.
type HandleState int

const (
	HandleStarting HandleState = iota
	HandleIdle
	HandleBusy
	HandleTerminating
	HandleExited
)

func (s HandleState) String() string {
	switch s {
	case HandleStarting:
		return "starting"
	case HandleIdle:
		return "idle"
	case HandleBusy:
		return "busy"
	case HandleTerminating:
		return "terminating"
	case HandleExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Handle is one worker incarnation occupying a pool slot. Its mutable fields
// are guarded by the owning Manager's mutex.
type Handle struct {
	m           *Manager
	slot        int
	incarnation int
	token       string
	proc        Process

	sendMu  sync.Mutex
	enc     protocol.Encoder
	written int64

	pid           int
	state         HandleState
	task          *queue.Task
	messages      int64
	startedAt     time.Time
	lastActivity  time.Time
	noticed       bool
	unread        bool
	stopRequested bool

	ready  chan *protocol.Reply
	exited chan struct{}
}

// ID returns the pool slot the handle occupies.
func (h *Handle) ID() int { return h.slot }

// Incarnation counts spawns of this slot, starting at 1.
func (h *Handle) Incarnation() int { return h.incarnation }

// PID returns the process id the worker reported at handshake.
func (h *Handle) PID() int {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.pid
}

// State returns the handle's current state.
func (h *Handle) State() HandleState {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.state
}

// Noticed reports whether the worker announced its own shutdown before exiting.
func (h *Handle) Noticed() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.noticed
}

// Unread reports whether the worker announced its shutdown before reading the
// task it held. Such a task never ran.
func (h *Handle) Unread() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.unread
}

// Exited is closed once the worker process has been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Deliver sends t to the worker. The handle must have been reserved.
func (h *Handle) Deliver(t *queue.Task) error {
	return h.m.deliver(h, t)
}

func (h *Handle) send(m *protocol.Message) error {
	_, err := h.sendFrame(m)
	return err
}

// sendFrame encodes m and reports whether any byte of it reached the worker.
func (h *Handle) sendFrame(m *protocol.Message) (bool, error) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	before := h.written
	err := h.enc.Encode(m)
	return h.written > before, err
}

// countingWriter tracks the bytes written to a worker's stdin.
type countingWriter struct {
	w io.Writer
	n *int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}

// WorkerInfo is a point-in-time view of a slot.
type WorkerInfo struct {
	Slot         int       `json:"slot"`
	Incarnation  int       `json:"incarnation"`
	PID          int       `json:"pid,omitempty"`
	State        string    `json:"state"`
	Messages     int64     `json:"messages"`
	TaskID       string    `json:"task_id,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	Failures     int       `json:"failures,omitempty"`
}
