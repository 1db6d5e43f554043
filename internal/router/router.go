// Package router delivers task responses to their callers.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/forkq/internal/log"
	"github.com/mattjoyce/forkq/internal/queue"
)

// ErrDuplicateTask is returned by Track for an id that is already outstanding.
var ErrDuplicateTask = errors.New("task id already tracked")

// CompletionHook observes every delivered response after its callback ran.
type CompletionHook func(t *queue.Task, resp *queue.Response)

// Router maps outstanding correlation ids to tasks. Each tracked task's
// callback is invoked exactly once, by whichever of Resolve or Fail claims it first.
type Router struct {
	mu      sync.Mutex
	pending map[string]*queue.Task
	hooks   []CompletionHook
	now     func() time.Time
	logger  *slog.Logger
}

// New returns an empty router.
func New(hooks ...CompletionHook) *Router {
	return &Router{
		pending: make(map[string]*queue.Task),
		hooks:   hooks,
		now:     time.Now,
		logger:  log.WithComponent("router"),
	}
}

// Track registers t as outstanding.
func (r *Router) Track(t *queue.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	r.pending[t.ID] = t
	return nil
}

// Forget drops a task without invoking its callback. Used when admission
// fails after Track.
func (r *Router) Forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Resolve delivers resp to the task with the given id. It reports false when
// the id is unknown or was already delivered.
func (r *Router) Resolve(id string, resp *queue.Response) bool {
	t := r.claim(id)
	if t == nil {
		r.logger.Warn("response for unknown task dropped", "task_id", id)
		return false
	}
	r.deliver(t, resp)
	return true
}

// Fail delivers err to the task with the given id.
func (r *Router) Fail(id string, err error) bool {
	return r.FailWith(id, &queue.Response{Err: err})
}

// FailWith delivers a failed response that carries worker details.
func (r *Router) FailWith(id string, resp *queue.Response) bool {
	t := r.claim(id)
	if t == nil {
		return false
	}
	r.deliver(t, resp)
	return true
}

// FailAll delivers err to every outstanding task and returns how many were failed.
func (r *Router) FailAll(err error) int {
	r.mu.Lock()
	tasks := make([]*queue.Task, 0, len(r.pending))
	for id, t := range r.pending {
		tasks = append(tasks, t)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		r.deliver(t, &queue.Response{Err: err})
	}
	return len(tasks)
}

// Pending returns the number of outstanding tasks.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) claim(id string) *queue.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return t
}

func (r *Router) deliver(t *queue.Task, resp *queue.Response) {
	resp.TaskID = t.ID
	resp.Type = t.Type
	resp.EnqueuedAt = t.EnqueuedAt
	if resp.CompletedAt.IsZero() {
		resp.CompletedAt = r.now()
	}

	if t.Callback != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("task callback panicked", "task_id", t.ID, "panic", fmt.Sprint(p))
				}
			}()
			t.Callback(resp)
		}()
	}
	for _, hook := range r.hooks {
		hook(t, resp)
	}
}
