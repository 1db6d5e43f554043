// Package metrics records pool and queue activity.
package metrics

import "time"

// Collector receives pool and queue events from the coordinator.
type Collector interface {
	// WorkerSpawned records a worker incarnation that completed its handshake.
	WorkerSpawned(slot int)

	// WorkerStartFailed records a failed handshake for a slot.
	WorkerStartFailed(slot int, reason string)

	// WorkerExited records a worker process exit. reason is one of
	// "notice", "retired" or "lost".
	WorkerExited(slot int, reason string)

	// WorkersBusy records the number of workers holding a task.
	WorkersBusy(n int)

	// QueueDepth records the current number of queued tasks.
	QueueDepth(n int)

	// TaskEnqueued records an accepted task.
	TaskEnqueued(taskType string)

	// TaskRejected records an enqueue refused with the given reason.
	TaskRejected(taskType, reason string)

	// TaskCompleted records a delivered response.
	TaskCompleted(taskType, status string, d time.Duration)
}

type noopCollector struct{}

func (noopCollector) WorkerSpawned(int)                           {}
func (noopCollector) WorkerStartFailed(int, string)               {}
func (noopCollector) WorkerExited(int, string)                    {}
func (noopCollector) WorkersBusy(int)                             {}
func (noopCollector) QueueDepth(int)                              {}
func (noopCollector) TaskEnqueued(string)                         {}
func (noopCollector) TaskRejected(string, string)                 {}
func (noopCollector) TaskCompleted(string, string, time.Duration) {}

// Noop returns a collector that discards everything.
func Noop() Collector {
	return noopCollector{}
}
