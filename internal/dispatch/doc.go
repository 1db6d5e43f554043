// Package dispatch pairs queued tasks with available workers.
//
// The dispatcher is edge triggered: callers Notify it after an enqueue or
// after a worker becomes available, and a single loop goroutine drains the
// queue into idle workers until one side runs out.
//
// Ordering:
//   - Tasks leave the queue in FIFO order
//   - A task is dequeued only after a worker has been reserved for it
//   - When no worker is idle the pool is asked to grow, and the task stays queued
//
// Error handling:
//   - A delivery failure is reported through FailFunc and the loop keeps going
package dispatch
