package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mattjoyce/forkq/internal/log"
	"github.com/mattjoyce/forkq/internal/queue"
)

// ErrNotDelivered is wrapped by Worker.Deliver when no part of the task
// reached the worker. The dispatcher returns such tasks to the head of the queue.
var ErrNotDelivered = errors.New("task not delivered")

// Worker is a reserved pool member able to accept one task.
type Worker interface {
	ID() int
	Deliver(t *queue.Task) error
}

// WorkerPool hands out idle workers.
type WorkerPool interface {
	// Reserve returns an idle worker and marks it busy.
	Reserve() (Worker, bool)
	// Release returns an unused reservation.
	Release(w Worker)
	// Grow starts up to want new workers and returns how many were started.
	Grow(want int) int
}

// TaskSource is the pending task buffer.
type TaskSource interface {
	Dequeue() (*queue.Task, bool)
	// Requeue puts a dequeued task back at the head.
	Requeue(t *queue.Task) error
	Len() int
}

// FailFunc is called when a dequeued task could not be handed to its worker.
type FailFunc func(t *queue.Task, w Worker, err error)

// Dispatcher moves tasks from a TaskSource to a WorkerPool.
type Dispatcher struct {
	source TaskSource
	pool   WorkerPool
	fail   FailFunc
	wake   chan struct{}
	logger *slog.Logger
}

// New creates a new Dispatcher.
func New(source TaskSource, pool WorkerPool, fail FailFunc) *Dispatcher {
	return &Dispatcher{
		source: source,
		pool:   pool,
		fail:   fail,
		wake:   make(chan struct{}, 1),
		logger: log.WithComponent("dispatch"),
	}
}

// Notify schedules a dispatch pass. It never blocks; notifications that
// arrive while one is already pending coalesce.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run processes notifications until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Debug("dispatch loop started")
	defer d.logger.Debug("dispatch loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
			d.Pass()
		}
	}
}

// Pass hands queued tasks to idle workers until either runs out. It returns
// the number of tasks delivered.
func (d *Dispatcher) Pass() int {
	delivered := 0
	for {
		pending := d.source.Len()
		if pending == 0 {
			return delivered
		}

		w, ok := d.pool.Reserve()
		if !ok {
			if n := d.pool.Grow(pending); n > 0 {
				d.logger.Debug("pool grown", "started", n, "pending", pending)
			}
			return delivered
		}

		t, ok := d.source.Dequeue()
		if !ok {
			d.pool.Release(w)
			return delivered
		}

		if err := w.Deliver(t); err != nil {
			if errors.Is(err, ErrNotDelivered) {
				rerr := d.source.Requeue(t)
				if rerr == nil {
					d.logger.Debug("task returned to queue", "task_id", t.ID, "worker_id", w.ID(), "error", err)
					continue
				}
				err = errors.Join(err, rerr)
			}
			d.logger.Warn("task delivery failed", "task_id", t.ID, "worker_id", w.ID(), "error", err)
			if d.fail != nil {
				d.fail(t, w, err)
			}
			continue
		}
		delivered++
	}
}
