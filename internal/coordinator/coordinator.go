// Package coordinator is the composition root of a forkq pool: it owns the
// queue, the dispatcher, the worker pool and the response router, and is the
// API callers use to enqueue tasks.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/forkq/internal/backoff"
	"github.com/mattjoyce/forkq/internal/config"
	"github.com/mattjoyce/forkq/internal/dispatch"
	"github.com/mattjoyce/forkq/internal/events"
	"github.com/mattjoyce/forkq/internal/log"
	"github.com/mattjoyce/forkq/internal/metrics"
	"github.com/mattjoyce/forkq/internal/pool"
	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/queue"
	"github.com/mattjoyce/forkq/internal/router"
	"github.com/mattjoyce/forkq/internal/tasklog"
)

// Coordinator accepts tasks and runs them on the worker pool.
type Coordinator struct {
	cfg        *config.Config
	queue      *queue.Queue
	router     *router.Router
	pool       *pool.Manager
	dispatcher *dispatch.Dispatcher
	hub        *events.Hub
	metrics    metrics.Collector
	tasks      *tasklog.Store
	exit       func(int)
	logger     *slog.Logger
	backoff    backoff.Strategy

	startedAt time.Time
	started   atomic.Bool
	stopped   atomic.Bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
	stopOnce  sync.Once
	stopErr   error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEvents publishes coordinator activity to hub.
func WithEvents(hub *events.Hub) Option {
	return func(c *Coordinator) { c.hub = hub }
}

// WithMetrics records pool and queue metrics.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTaskLog records every completed task in store.
func WithTaskLog(store *tasklog.Store) Option {
	return func(c *Coordinator) { c.tasks = store }
}

// WithExit replaces os.Exit for pools configured with exit_on_stop.
func WithExit(fn func(int)) Option {
	return func(c *Coordinator) { c.exit = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithBackoff sets the worker respawn strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(c *Coordinator) { c.backoff = s }
}

// New wires a coordinator for cfg. Workers are started through spawner.
func New(cfg *config.Config, spawner pool.Spawner, opts ...Option) (*Coordinator, error) {
	fingerprint, err := config.Fingerprint(cfg.Handlers)
	if err != nil {
		return nil, err
	}
	codec, err := protocol.GetCodec(cfg.Pool.Codec)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:     cfg,
		queue:   queue.New(cfg.Pool.MaxQueueLength),
		hub:     events.NewHub(0),
		metrics: metrics.Noop(),
		exit:    os.Exit,
		logger:  log.WithComponent("coordinator"),
		backoff: backoff.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.router = router.New(c.completed)
	c.pool = pool.New(pool.Config{
		Size:                    cfg.Pool.Size,
		Handlers:                cfg.Handlers,
		Fingerprint:             fingerprint,
		InactivityLimit:         cfg.Pool.WorkerInactivityLimit,
		InactivityCheckInterval: cfg.Pool.WorkerInactivityCheckInterval,
		Logging:                 cfg.Pool.Logging,
		Startup:                 cfg.Pool.OnStartup,
		Codec:                   codec,
		StartupTimeout:          cfg.Pool.StartupTimeout,
		MaxStartupRetries:       cfg.Pool.MaxStartupRetries,
		StopGracePeriod:         cfg.Pool.StopGracePeriod,
	}, spawner, &listener{c},
		pool.WithMetrics(c.metrics),
		pool.WithBackoff(c.backoff),
		pool.WithLogger(log.WithComponent("pool")),
	)
	c.dispatcher = dispatch.New(c.queue, c.pool, c.deliveryFailed)
	return c, nil
}

// Events returns the hub coordinator activity is published to.
func (c *Coordinator) Events() *events.Hub { return c.hub }

// Start launches the dispatcher and, with prestart, every worker. It does not block.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already started")
	}
	c.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelRun = cancel
	c.runDone = make(chan struct{})
	go func() {
		defer close(c.runDone)
		_ = c.dispatcher.Run(runCtx)
	}()

	c.pool.Start(c.cfg.Pool.Prestart)
	c.logger.Info("coordinator started",
		"pool_size", c.cfg.Pool.Size,
		"max_queue_length", c.cfg.Pool.MaxQueueLength,
		"isolation", c.cfg.Pool.Isolation,
		"codec", c.cfg.Pool.Codec,
		"handlers", len(c.cfg.Handlers),
	)
	// Tasks enqueued before Start are waiting for a pass.
	c.dispatcher.Notify()
	return nil
}

// Enqueue admits a task and returns its correlation id. cb receives the
// response exactly once; it runs on the coordinator's reply path and must not
// block. Enqueue fails with queue.ErrQueueFull when the queue is at capacity.
func (c *Coordinator) Enqueue(taskType string, payload map[string]any, cb queue.ResponseFunc) (string, error) {
	if c.stopped.Load() {
		return "", ErrStopped
	}
	if !c.pool.Available() {
		return "", ErrPoolUnavailable
	}
	if taskType == "" {
		return "", fmt.Errorf("task type is empty")
	}

	t := &queue.Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		Callback:   cb,
	}
	if err := c.router.Track(t); err != nil {
		return "", err
	}
	if err := c.queue.Enqueue(t); err != nil {
		c.router.Forget(t.ID)
		c.metrics.TaskRejected(taskType, rejectReason(err))
		c.hub.Publish(events.TaskRejected, map[string]any{"type": taskType, "error": err.Error()})
		if c.stopped.Load() {
			return "", ErrStopped
		}
		return "", err
	}

	c.metrics.TaskEnqueued(taskType)
	c.metrics.QueueDepth(c.queue.Len())
	c.hub.Publish(events.TaskEnqueued, map[string]any{"id": t.ID, "type": taskType})
	c.dispatcher.Notify()
	return t.ID, nil
}

// Submit enqueues a task and waits for its response. A task-level failure is
// returned both in the response and as the error.
func (c *Coordinator) Submit(ctx context.Context, taskType string, payload map[string]any) (*queue.Response, error) {
	ch := make(chan *queue.Response, 1)
	if _, err := c.Enqueue(taskType, payload, func(r *queue.Response) { ch <- r }); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WorkerStats asks one worker for its self-reported statistics. The request
// travels through the queue like any task.
func (c *Coordinator) WorkerStats(ctx context.Context) (*protocol.Stats, error) {
	resp, err := c.Submit(ctx, protocol.TypeGetStats, nil)
	if err != nil {
		return nil, err
	}
	if resp.Stats == nil {
		return nil, fmt.Errorf("worker %d returned no stats", resp.WorkerID)
	}
	return resp.Stats, nil
}

// QueueLength returns the number of tasks waiting for a worker.
func (c *Coordinator) QueueLength() int { return c.queue.Len() }

// Snapshot is the coordinator's view of the pool.
type Snapshot struct {
	QueueLength   int               `json:"queue_length"`
	QueueCapacity int               `json:"queue_capacity"`
	Pending       int               `json:"pending"`
	PoolSize      int               `json:"pool_size"`
	Available     bool              `json:"available"`
	Stopped       bool              `json:"stopped"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Workers       []pool.WorkerInfo `json:"workers"`
}

// Stats returns a snapshot of the queue and every worker slot.
func (c *Coordinator) Stats() Snapshot {
	s := Snapshot{
		QueueLength:   c.queue.Len(),
		QueueCapacity: c.queue.Cap(),
		Pending:       c.router.Pending(),
		PoolSize:      c.pool.Size(),
		Available:     c.pool.Available(),
		Stopped:       c.stopped.Load(),
		Workers:       c.pool.Workers(),
	}
	if c.started.Load() {
		s.UptimeSeconds = time.Since(c.startedAt).Seconds()
	}
	return s
}

// Stop refuses new tasks, fails the ones still queued with ErrStopped, and
// retires every worker after its in-flight task. When ctx expires first the
// remaining workers are signalled and killed. With exit_on_stop the exit
// function runs once all workers are gone.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.hub.Publish(events.CoordinatorStop, nil)
		c.queue.Close()
		for _, t := range c.queue.Drain() {
			c.router.Fail(t.ID, ErrStopped)
		}
		c.metrics.QueueDepth(0)

		c.stopErr = c.pool.Stop(ctx)

		if c.cancelRun != nil {
			c.cancelRun()
			<-c.runDone
		}
		if n := c.router.FailAll(ErrStopped); n > 0 {
			c.logger.Warn("tasks failed at stop", "count", n)
		}
		c.logger.Info("coordinator stopped", "error", c.stopErr)

		if c.cfg.Pool.ExitOnStop {
			c.exit(0)
		}
	})
	return c.stopErr
}

// completed runs after every response is delivered.
func (c *Coordinator) completed(t *queue.Task, resp *queue.Response) {
	status := string(resp.Status())
	c.metrics.TaskCompleted(t.Type, status, resp.Duration())

	data := map[string]any{
		"id":          t.ID,
		"type":        t.Type,
		"status":      status,
		"worker_id":   resp.WorkerID,
		"duration_ms": resp.Duration().Milliseconds(),
	}
	if resp.Err != nil {
		data["error"] = resp.Err.Error()
	}
	c.hub.Publish(events.TaskCompleted, data)

	if c.tasks != nil {
		if err := c.tasks.Record(context.Background(), resp); err != nil {
			c.logger.Warn("task log write failed", "task_id", t.ID, "error", err)
		}
	}
}

func (c *Coordinator) deliveryFailed(t *queue.Task, w dispatch.Worker, err error) {
	c.router.FailWith(t.ID, &queue.Response{
		WorkerID: w.ID(),
		Err:      fmt.Errorf("%w: %w", ErrWorkerLost, err),
	})
}

func rejectReason(err error) string {
	if errors.Is(err, queue.ErrQueueFull) {
		return "queue_full"
	}
	return "closed"
}
