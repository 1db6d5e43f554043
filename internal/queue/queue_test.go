package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTask(id string) *Task {
	return &Task{ID: id, Type: "echo", EnqueuedAt: time.Now()}
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()

	q := New(3)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(newTask(id)); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Dequeue()
		if !ok || got.ID != want {
			t.Fatalf("Dequeue: got %v ok=%v, want %s", got, ok, want)
		}
	}

	if _, ok := q.Dequeue(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestQueueWrapsAround(t *testing.T) {
	t.Parallel()

	q := New(2)
	_ = q.Enqueue(newTask("1"))
	_ = q.Enqueue(newTask("2"))
	q.Dequeue()
	if err := q.Enqueue(newTask("3")); err != nil {
		t.Fatalf("Enqueue after dequeue: %v", err)
	}

	var order []string
	for {
		tk, ok := q.Dequeue()
		if !ok {
			break
		}
		order = append(order, tk.ID)
	}
	if fmt.Sprint(order) != "[2 3]" {
		t.Fatalf("order = %v, want [2 3]", order)
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		capacity int
		fill     int
	}{
		{name: "zero capacity", capacity: 0, fill: 0},
		{name: "single slot", capacity: 1, fill: 1},
		{name: "several slots", capacity: 4, fill: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(tt.capacity)
			for i := 0; i < tt.fill; i++ {
				if err := q.Enqueue(newTask(fmt.Sprint(i))); err != nil {
					t.Fatalf("Enqueue %d: %v", i, err)
				}
			}

			err := q.Enqueue(newTask("overflow"))
			if !errors.Is(err, ErrQueueFull) {
				t.Fatalf("want ErrQueueFull, got %v", err)
			}
			if q.Len() != tt.fill {
				t.Fatalf("rejected enqueue changed length: %d", q.Len())
			}
			if tt.fill > 0 {
				head, _ := q.Dequeue()
				if head.ID != "0" {
					t.Fatalf("rejected enqueue changed head: %s", head.ID)
				}
			}
		})
	}
}

func TestQueueRequeuePutsTaskAtHead(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		capacity int
		queued   []string
		dequeue  int
		want     string
	}{
		{name: "ahead of later tasks", capacity: 3, queued: []string{"a", "b"}, want: "[r a b]"},
		{name: "after wraparound", capacity: 2, queued: []string{"a", "b", "c"}, dequeue: 1, want: "[r b c]"},
		{name: "beyond capacity", capacity: 2, queued: []string{"a", "b"}, want: "[r a b]"},
		{name: "zero capacity", capacity: 0, want: "[r]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(tt.capacity)
			for i, id := range tt.queued {
				if i == tt.capacity && tt.dequeue > 0 {
					for j := 0; j < tt.dequeue; j++ {
						q.Dequeue()
					}
				}
				_ = q.Enqueue(newTask(id))
			}

			if err := q.Requeue(newTask("r")); err != nil {
				t.Fatalf("Requeue: %v", err)
			}
			if q.Cap() != tt.capacity {
				t.Fatalf("Cap = %d, want %d", q.Cap(), tt.capacity)
			}
			if err := q.Enqueue(newTask("late")); !errors.Is(err, ErrQueueFull) {
				t.Fatalf("want ErrQueueFull after requeue, got %v", err)
			}

			var order []string
			for _, tk := range q.Drain() {
				order = append(order, tk.ID)
			}
			if fmt.Sprint(order) != tt.want {
				t.Fatalf("order = %v, want %s", order, tt.want)
			}
		})
	}
}

func TestQueueRequeueAfterClose(t *testing.T) {
	t.Parallel()

	q := New(1)
	q.Close()
	if err := q.Requeue(newTask("r")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("want ErrQueueClosed, got %v", err)
	}
}

func TestQueueDrainAndClose(t *testing.T) {
	t.Parallel()

	q := New(5)
	_ = q.Enqueue(newTask("a"))
	_ = q.Enqueue(newTask("b"))

	drained := q.Drain()
	if len(drained) != 2 || drained[0].ID != "a" || drained[1].ID != "b" {
		t.Fatalf("unexpected drain: %v", drained)
	}
	if q.Len() != 0 {
		t.Fatalf("Len after drain = %d", q.Len())
	}

	q.Close()
	if err := q.Enqueue(newTask("c")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("want ErrQueueClosed, got %v", err)
	}
}

func TestQueueConcurrentBound(t *testing.T) {
	t.Parallel()

	const capacity = 50
	q := New(capacity)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := q.Enqueue(newTask(fmt.Sprint(i)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if errors.Is(err, ErrQueueFull) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	if accepted != capacity || rejected != 150 {
		t.Fatalf("accepted=%d rejected=%d", accepted, rejected)
	}
	if q.Len() != capacity {
		t.Fatalf("Len = %d, want %d", q.Len(), capacity)
	}
}

func TestResponseStatus(t *testing.T) {
	start := time.Now()
	ok := &Response{EnqueuedAt: start, CompletedAt: start.Add(time.Second)}
	if ok.Status() != StatusSucceeded || ok.Duration() != time.Second {
		t.Fatalf("unexpected ok response: %v %v", ok.Status(), ok.Duration())
	}
	failed := &Response{Err: errors.New("boom")}
	if failed.Status() != StatusFailed || failed.Duration() != 0 {
		t.Fatalf("unexpected failed response: %v %v", failed.Status(), failed.Duration())
	}
}
