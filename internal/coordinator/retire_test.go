package coordinator

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkq/internal/pool"
	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/queue"
)

type completion struct {
	name string
	resp *queue.Response
}

type completions struct {
	mu   sync.Mutex
	done []completion
	ch   chan struct{}
}

func newCompletions() *completions {
	return &completions{ch: make(chan struct{}, 16)}
}

func (c *completions) callback(name string) queue.ResponseFunc {
	return func(r *queue.Response) {
		c.mu.Lock()
		c.done = append(c.done, completion{name, r})
		c.mu.Unlock()
		c.ch <- struct{}{}
	}
}

func (c *completions) wait(t *testing.T, n int) []completion {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("timed out after %d of %d responses", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]completion(nil), c.done...)
}

func names(done []completion) []string {
	out := make([]string, 0, len(done))
	for _, d := range done {
		out = append(out, d.name)
	}
	return out
}

// SIGTERM on a busy worker lets the running task finish on that process, runs
// it exactly once, and keeps later tasks behind it.
func TestSigtermDrainsBusyWorker(t *testing.T) {
	dir := t.TempDir()
	runs := filepath.Join(dir, "runs")
	script := "#!/bin/sh\ncat >/dev/null\necho run >> '" + runs + "'\nsleep 1\necho '{\"status\":\"ok\",\"result\":{\"done\":true}}'\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "count.sh"), []byte(script), 0o755))

	cfg := testConfig(1, 10)
	cfg.Handlers["count"] = protocol.HandlerRef{Module: "count.sh", Path: dir}
	c := start(t, cfg, execSpawner())

	got := newCompletions()
	_, err := c.Enqueue("count", nil, got.callback("A"))
	require.NoError(t, err)
	_, err = c.Enqueue("echo", map[string]any{"n": 2}, got.callback("B"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(runs)
		return err == nil && len(data) > 0
	}, 10*time.Second, 10*time.Millisecond)
	pid := c.Stats().Workers[0].PID
	require.NotZero(t, pid)
	require.NoError(t, syscall.Kill(pid, syscall.SIGTERM))

	done := got.wait(t, 2)
	assert.Equal(t, []string{"A", "B"}, names(done))

	a := done[0].resp
	require.NoError(t, a.Err)
	assert.Equal(t, true, a.Result["done"])
	assert.Equal(t, pid, a.PID, "the signalled worker finishes its task")

	b := done[1].resp
	require.NoError(t, b.Err)
	assert.NotEqual(t, pid, b.PID, "the next task runs on a fresh process")

	data, err := os.ReadFile(runs)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "run"))
}

// noticeProcess completes the handshake, takes one task frame off the pipe,
// then announces its shutdown reporting that it read nothing.
type noticeProcess struct {
	inR     *io.PipeReader
	inW     *io.PipeWriter
	outR    *io.PipeReader
	outW    *io.PipeWriter
	arrived chan string
	release chan struct{}
	once    sync.Once
	done    chan struct{}
}

func newNoticeProcess() *noticeProcess {
	p := &noticeProcess{
		arrived: make(chan string, 1),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.inR, p.inW = io.Pipe()
	p.outR, p.outW = io.Pipe()
	go p.run()
	return p
}

func (p *noticeProcess) run() {
	defer func() { _ = p.Kill() }()
	dec := protocol.JSONCodec{}.NewDecoder(p.inR)
	enc := protocol.JSONCodec{}.NewEncoder(p.outW)

	var init protocol.Message
	if err := dec.Decode(&init); err != nil || init.Init == nil {
		return
	}
	ack := &protocol.Reply{
		WorkerID:    init.Init.WorkerID,
		PID:         p.PID(),
		Fingerprint: init.Init.Fingerprint,
		Control:     protocol.Control{Init: true},
	}
	if err := enc.Encode(ack); err != nil {
		return
	}

	var m protocol.Message
	if err := dec.Decode(&m); err != nil {
		return
	}
	p.arrived <- m.ID
	select {
	case <-p.release:
	case <-p.done:
		return
	}
	_ = enc.Encode(&protocol.Reply{Control: protocol.Control{Shutdown: true}})
}

func (p *noticeProcess) PID() int               { return 4343 }
func (p *noticeProcess) Stdin() io.WriteCloser  { return p.inW }
func (p *noticeProcess) Stdout() io.Reader      { return p.outR }
func (p *noticeProcess) Signal(os.Signal) error { return p.Kill() }
func (p *noticeProcess) Wait() error            { <-p.done; return nil }
func (p *noticeProcess) Kill() error {
	p.once.Do(func() {
		_ = p.outW.Close()
		_ = p.inR.Close()
		close(p.done)
	})
	return nil
}

// firstSpawner hands out one prepared process, then delegates.
type firstSpawner struct {
	mu    sync.Mutex
	first pool.Process
	rest  pool.Spawner
}

func (s *firstSpawner) Spawn(slot int) (pool.Process, error) {
	s.mu.Lock()
	p := s.first
	s.first = nil
	s.mu.Unlock()
	if p != nil {
		return p, nil
	}
	return s.rest.Spawn(slot)
}

// A task sent to a worker that had already announced its shutdown goes back to
// the head of the queue, even when the queue is full, and runs before tasks
// submitted after it.
func TestUnreadTaskRequeuedAtHead(t *testing.T) {
	proc := newNoticeProcess()
	c := start(t, testConfig(1, 2), &firstSpawner{first: proc, rest: inprocSpawner()})

	got := newCompletions()
	idA, err := c.Enqueue("echo", map[string]any{"name": "A"}, got.callback("A"))
	require.NoError(t, err)

	select {
	case id := <-proc.arrived:
		require.Equal(t, idA, id)
	case <-time.After(10 * time.Second):
		t.Fatal("task A was not delivered")
	}

	_, err = c.Enqueue("echo", map[string]any{"name": "B"}, got.callback("B"))
	require.NoError(t, err)
	_, err = c.Enqueue("echo", map[string]any{"name": "C"}, got.callback("C"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.QueueLength(), "queue is full behind the in-flight task")

	close(proc.release)

	done := got.wait(t, 3)
	assert.Equal(t, []string{"A", "B", "C"}, names(done))
	for _, d := range done {
		require.NoError(t, d.resp.Err, d.name)
		assert.Equal(t, d.name, d.resp.Result["name"])
		assert.NotEqual(t, 4343, d.resp.PID)
	}
	assert.Equal(t, 2, c.Stats().Workers[0].Incarnation)
}
