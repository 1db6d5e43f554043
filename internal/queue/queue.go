package queue

import (
	"fmt"
	"sync"
)

// Queue is a bounded FIFO of tasks awaiting an idle worker. It is safe for
// concurrent use. A rejected Enqueue leaves the queue unchanged.
type Queue struct {
	mu       sync.Mutex
	buf      []*Task
	capacity int
	head     int
	size     int
	closed   bool
}

// New returns a queue holding at most capacity tasks. A capacity of zero
// rejects every task.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{buf: make([]*Task, capacity), capacity: capacity}
}

// Enqueue appends t to the tail. It returns ErrQueueFull when the queue is at
// capacity and ErrQueueClosed after Close.
func (q *Queue) Enqueue(t *Task) error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.size >= q.capacity {
		return fmt.Errorf("%w: %d tasks queued", ErrQueueFull, q.size)
	}

	q.buf[(q.head+q.size)%len(q.buf)] = t
	q.size++
	return nil
}

// Requeue puts an already admitted task back at the head, ahead of everything
// queued. It is not subject to capacity, so the queue may briefly hold more
// than Cap tasks. It returns ErrQueueClosed after Close.
func (q *Queue) Requeue(t *Task) error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.size == len(q.buf) {
		q.growLocked()
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = t
	q.size++
	return nil
}

func (q *Queue) growLocked() {
	buf := make([]*Task, len(q.buf)+1)
	for i := 0; i < q.size; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}

// Dequeue removes and returns the oldest task. ok is false when the queue is empty.
func (q *Queue) Dequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, false
	}
	t := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return t, true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the maximum number of queued tasks.
func (q *Queue) Cap() int {
	return q.capacity
}

// Drain removes every queued task and returns them oldest-first.
func (q *Queue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Task, 0, q.size)
	for q.size > 0 {
		out = append(out, q.buf[q.head])
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
	}
	q.head = 0
	return out
}

// Close makes later Enqueue calls fail with ErrQueueClosed. Queued tasks stay
// until dequeued or drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
