package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/forkq/internal/protocol"
)

// Task is what a handler sees of a delivered message.
type Task struct {
	ID       string
	Type     string
	Payload  map[string]any
	WorkerID int
}

// Handler executes tasks of one type. Returning completes the task; a returned
// error is reported to the caller and the worker stays available. A panic is
// treated as a fault and retires the worker.
type Handler interface {
	Handle(ctx context.Context, env *Env, task *Task) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *Env, task *Task) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, env *Env, task *Task) (map[string]any, error) {
	return f(ctx, env, task)
}

// Factory builds a handler from its registration.
type Factory func(ref protocol.HandlerRef) (Handler, error)

// StartupFunc customizes a worker before it reports ready. Resources it
// creates are published on env and released through env.OnStop.
type StartupFunc func(ctx context.Context, env *Env, args map[string]any) error

// Env is the per-process state shared by the startup module and handlers.
type Env struct {
	WorkerID int
	Logger   *slog.Logger

	mu        sync.Mutex
	resources map[string]any
	stops     []func() error
}

// NewEnv returns an empty Env. The runtime builds its own; tests of startup
// modules and handlers use this one.
func NewEnv(logger *slog.Logger, workerID int) *Env {
	return &Env{WorkerID: workerID, Logger: logger, resources: make(map[string]any)}
}

// Set publishes a resource under name.
func (e *Env) Set(name string, v any) {
	e.mu.Lock()
	e.resources[name] = v
	e.mu.Unlock()
}

// Resource returns the resource published under name.
func (e *Env) Resource(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.resources[name]
	return v, ok
}

// OnStop registers fn to run when the worker retires. Hooks run last-in first-out.
func (e *Env) OnStop(fn func() error) {
	e.mu.Lock()
	e.stops = append(e.stops, fn)
	e.mu.Unlock()
}

// Stop runs the registered stop hooks once.
func (e *Env) Stop() error {
	e.mu.Lock()
	stops := e.stops
	e.stops = nil
	e.mu.Unlock()

	var errs []error
	for i := len(stops) - 1; i >= 0; i-- {
		if err := callStop(stops[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func callStop(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stop hook panicked: %v", r)
		}
	}()
	return fn()
}

// Lifecycle event names passed to an Observer.
const (
	EventStarted       = "started"
	EventReceived      = "received"
	EventHandlerLoaded = "handler_loaded"
	EventFinished      = "finished"
	EventError         = "error"
	EventStop          = "stop"
)

// Event describes a lifecycle transition of the runtime.
type Event struct {
	Name     string
	WorkerID int
	TaskID   string
	Type     string
	Err      error
}

// Observer receives lifecycle events. It is called on the runtime's goroutine
// and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }
