package coordinator

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/forkq/internal/events"
	"github.com/mattjoyce/forkq/internal/pool"
	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/queue"
)

// listener turns pool events into routed responses and dispatch passes.
type listener struct {
	c *Coordinator
}

func (l *listener) WorkerReady(h *pool.Handle) {
	l.c.hub.Publish(events.WorkerReady, map[string]any{
		"worker_id":   h.ID(),
		"pid":         h.PID(),
		"incarnation": h.Incarnation(),
	})
	l.c.dispatcher.Notify()
}

func (l *listener) Reply(h *pool.Handle, t *queue.Task, r *protocol.Reply) {
	resp := &queue.Response{
		WorkerID: h.ID(),
		PID:      h.PID(),
		Result:   r.Result,
		Stats:    r.Stats,
	}
	if r.Error != nil {
		resp.Err = taskError(h.ID(), r)
	}
	l.c.router.Resolve(t.ID, resp)

	if r.Shutdown {
		l.c.pool.Retire(h)
	} else {
		l.c.pool.Release(h)
	}
	l.c.dispatcher.Notify()
}

func (l *listener) WorkerExited(h *pool.Handle, t *queue.Task, err error) {
	c := l.c
	if t != nil {
		switch {
		case t.Type == protocol.TypeTerminate:
			c.router.Resolve(t.ID, &queue.Response{
				WorkerID: h.ID(),
				PID:      h.PID(),
				Result:   map[string]any{"terminated": true},
			})
		case h.Unread() && !c.stopped.Load():
			if qerr := c.queue.Requeue(t); qerr != nil {
				c.router.FailWith(t.ID, &queue.Response{
					WorkerID: h.ID(),
					PID:      h.PID(),
					Err:      fmt.Errorf("%w: requeue after worker %d retired: %w", ErrWorkerLost, h.ID(), qerr),
				})
			} else {
				c.metrics.QueueDepth(c.queue.Len())
				c.logger.Info("task requeued after worker retired", "task_id", t.ID, "worker_id", h.ID())
			}
		default:
			cause := err
			if cause == nil {
				cause = errors.New("exited without replying")
			}
			c.router.FailWith(t.ID, &queue.Response{
				WorkerID: h.ID(),
				PID:      h.PID(),
				Err:      fmt.Errorf("%w: worker %d (pid %d): %w", ErrWorkerLost, h.ID(), h.PID(), cause),
			})
		}
	}

	data := map[string]any{
		"worker_id": h.ID(),
		"pid":       h.PID(),
		"noticed":   h.Noticed(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	c.hub.Publish(events.WorkerExited, data)
	c.dispatcher.Notify()
}

func (l *listener) PoolUnavailable(err error) {
	c := l.c
	c.logger.Error("worker pool unavailable", "error", err)
	c.hub.Publish(events.PoolUnavailable, map[string]any{"error": err.Error()})

	failure := fmt.Errorf("%w: %w", ErrPoolUnavailable, err)
	for _, t := range c.queue.Drain() {
		c.router.Fail(t.ID, failure)
	}
	c.metrics.QueueDepth(c.queue.Len())
}

var _ pool.Listener = (*listener)(nil)
