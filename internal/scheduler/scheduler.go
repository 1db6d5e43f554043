// Package scheduler enqueues configured task types on fixed intervals and
// prunes the task log.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/forkq/internal/config"
	"github.com/mattjoyce/forkq/internal/events"
	"github.com/mattjoyce/forkq/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/forkq/internal/scheduler Enqueuer,Pruner

// Enqueuer accepts scheduled tasks.
type Enqueuer interface {
	Enqueue(taskType string, payload map[string]any, cb queue.ResponseFunc) (string, error)
}

// Pruner removes old task log entries.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration, now time.Time) (int64, error)
}

// pruneEvery bounds how often the task log is pruned regardless of tick rate.
const pruneEvery = time.Minute

// Skip reasons published with ScheduleSkipped.
const (
	reasonOutstanding  = "outstanding"
	reasonEnqueueError = "enqueue_error"
)

// Scheduler manages periodic enqueueing and task log retention.
type Scheduler struct {
	cfg    *config.Config
	queue  Enqueuer
	pruner Pruner
	events *events.Hub
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	next        map[string]time.Time
	outstanding map[string]int
	lastPrune   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. pruner may be nil when there is no task log.
func New(cfg *config.Config, q Enqueuer, pruner Pruner, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		cfg:         cfg,
		queue:       q,
		pruner:      pruner,
		events:      hub,
		logger:      logger.With("component", "scheduler"),
		now:         time.Now,
		next:        make(map[string]time.Time),
		outstanding: make(map[string]int),
		stopCh:      make(chan struct{}),
	}
}

// Enabled reports whether cfg gives the scheduler anything to do.
func Enabled(cfg *config.Config) bool {
	return len(cfg.Schedules) > 0 || cfg.State.Retention > 0
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "schedules", len(s.cfg.Schedules), "tick", s.cfg.Service.TickInterval)
	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop halts the tick loop. Tasks already enqueued are left to the coordinator.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	// Initial tick immediately
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Service.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick performs a single scheduling pass.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	// Sorted for deterministic enqueue order.
	schedules := make([]config.ScheduleConfig, len(s.cfg.Schedules))
	copy(schedules, s.cfg.Schedules)
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].Name < schedules[j].Name })

	for _, sc := range schedules {
		if !s.due(sc, now) {
			continue
		}
		s.fire(sc)
	}

	s.prune(ctx, now)
}

// due reports whether sc should fire at now and, if so, books its next run.
// A schedule first fires on the tick after Start.
func (s *Scheduler) due(sc config.ScheduleConfig, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, seen := s.next[sc.Name]
	if seen && now.Before(next) {
		return false
	}
	s.next[sc.Name] = now.Add(calculateJitteredInterval(sc.Every, sc.Jitter))
	return true
}

func (s *Scheduler) fire(sc config.ScheduleConfig) {
	limit := sc.MaxOutstanding
	if limit <= 0 {
		limit = 1
	}

	s.mu.Lock()
	if s.outstanding[sc.Name] >= limit {
		s.mu.Unlock()
		s.skip(sc, reasonOutstanding)
		return
	}
	s.outstanding[sc.Name]++
	s.mu.Unlock()

	id, err := s.queue.Enqueue(sc.Type, clonePayload(sc.Payload), func(r *queue.Response) {
		s.mu.Lock()
		s.outstanding[sc.Name]--
		s.mu.Unlock()
		if r.Err != nil {
			s.logger.Warn("Scheduled task failed", "schedule", sc.Name, "task_id", r.TaskID, "error", r.Err)
		}
	})
	if err != nil {
		s.mu.Lock()
		s.outstanding[sc.Name]--
		s.mu.Unlock()
		s.logger.Error("Failed to enqueue scheduled task", "schedule", sc.Name, "type", sc.Type, "error", err)
		s.skip(sc, reasonEnqueueError)
		return
	}

	s.events.Publish(events.ScheduleFired, map[string]any{
		"schedule": sc.Name,
		"type":     sc.Type,
		"task_id":  id,
	})
	s.logger.Debug("Enqueued scheduled task", "schedule", sc.Name, "type", sc.Type, "task_id", id)
}

func (s *Scheduler) skip(sc config.ScheduleConfig, reason string) {
	s.events.Publish(events.ScheduleSkipped, map[string]any{
		"schedule": sc.Name,
		"type":     sc.Type,
		"reason":   reason,
	})
	s.logger.Info("Skipped scheduled task", "schedule", sc.Name, "reason", reason)
}

func (s *Scheduler) prune(ctx context.Context, now time.Time) {
	retention := s.cfg.State.Retention
	if retention <= 0 || s.pruner == nil {
		return
	}
	s.mu.Lock()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneEvery {
		s.mu.Unlock()
		return
	}
	s.lastPrune = now
	s.mu.Unlock()

	n, err := s.pruner.Prune(ctx, retention, now)
	if err != nil {
		s.logger.Error("Failed to prune task log", "error", err)
		return
	}
	if n > 0 {
		s.events.Publish(events.TaskLogPruned, map[string]any{"deleted": n})
		s.logger.Info("Pruned task log", "deleted", n, "retention", retention)
	}
}

// Outstanding returns the number of queued or running tasks per schedule.
func (s *Scheduler) Outstanding() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.outstanding))
	for k, v := range s.outstanding {
		out[k] = v
	}
	return out
}

// calculateJitteredInterval adds a random jitter in [0, jitter) to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}

// clonePayload gives each scheduled task its own top-level map.
func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
