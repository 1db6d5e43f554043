// Package pool owns the worker processes: spawning, handshake, reservation,
// retirement and shutdown.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/forkq/internal/backoff"
	"github.com/mattjoyce/forkq/internal/dispatch"
	"github.com/mattjoyce/forkq/internal/log"
	"github.com/mattjoyce/forkq/internal/metrics"
	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/queue"
)

var (
	ErrStartupTimeout = errors.New("worker handshake timed out")
	ErrStopping       = errors.New("pool is stopping")
	ErrAllSlotsFailed = errors.New("every worker slot failed to start")
	errNotReserved    = errors.New("worker is not reserved")
)

// StartupError is a handshake rejected by the worker.
type StartupError struct {
	Slot   int
	Detail protocol.ErrorDetail
}

func (e *StartupError) Error() string {
	if e.Detail.Caught != "" && e.Detail.Caught != e.Detail.Message {
		return fmt.Sprintf("worker %d startup: %s (%s)", e.Slot, e.Detail.Message, e.Detail.Caught)
	}
	return fmt.Sprintf("worker %d startup: %s", e.Slot, e.Detail.Message)
}

// Listener receives pool events. Calls are made without the manager's lock held.
type Listener interface {
	// WorkerReady is called once a worker completed its handshake.
	WorkerReady(h *Handle)
	// Reply delivers a task reply. t is the task the handle was executing.
	Reply(h *Handle, t *queue.Task, r *protocol.Reply)
	// WorkerExited is called after a ready worker's process was reaped. t is
	// the task it still held, if any.
	WorkerExited(h *Handle, t *queue.Task, err error)
	// PoolUnavailable is called when no slot can be started any more.
	PoolUnavailable(err error)
}

// Config is the pool's static configuration.
type Config struct {
	Size                    int
	Handlers                map[string]protocol.HandlerRef
	Fingerprint             string
	InactivityLimit         time.Duration
	InactivityCheckInterval time.Duration
	Logging                 bool
	Startup                 *protocol.Startup
	Codec                   protocol.Codec
	StartupTimeout          time.Duration
	MaxStartupRetries       int
	StopGracePeriod         time.Duration
}

type slot struct {
	id           int
	handle       *Handle
	spawning     bool
	failures     int
	failed       bool
	incarnations int
}

// Manager keeps up to Config.Size workers alive.
type Manager struct {
	cfg      Config
	spawner  Spawner
	listener Listener
	backoff  backoff.Strategy
	metrics  metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	slots     []*slot
	accepting bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackoff sets the respawn delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(m *Manager) { m.backoff = s }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a manager. No worker is started until Start or Grow.
func New(cfg Config, spawner Spawner, listener Listener, opts ...Option) *Manager {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.MaxStartupRetries < 1 {
		cfg.MaxStartupRetries = 1
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 5 * time.Second
	}

	m := &Manager{
		cfg:       cfg,
		spawner:   spawner,
		listener:  listener,
		backoff:   backoff.Default(),
		metrics:   metrics.Noop(),
		logger:    log.WithComponent("pool"),
		now:       time.Now,
		slots:     make([]*slot, cfg.Size),
		accepting: true,
		stopCh:    make(chan struct{}),
	}
	for i := range m.slots {
		m.slots[i] = &slot{id: i}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Size returns the number of slots.
func (m *Manager) Size() int { return m.cfg.Size }

// Start spawns every slot when prestart is set. Otherwise workers start on demand.
func (m *Manager) Start(prestart bool) {
	if prestart {
		m.Grow(m.cfg.Size)
	}
}

// Reserve marks the lowest idle worker busy and returns it.
func (m *Manager) Reserve() (dispatch.Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accepting {
		return nil, false
	}
	for _, s := range m.slots {
		if h := s.handle; h != nil && h.state == HandleIdle {
			h.state = HandleBusy
			m.metrics.WorkersBusy(m.busyLocked())
			return h, true
		}
	}
	return nil, false
}

// Release returns a busy worker to idle. When a stop was requested while it
// was busy it is sent terminate instead.
func (m *Manager) Release(w dispatch.Worker) {
	h, ok := w.(*Handle)
	if !ok {
		return
	}
	m.mu.Lock()
	if h.state != HandleBusy {
		m.mu.Unlock()
		return
	}
	terminate := h.stopRequested || !m.accepting
	if terminate {
		h.state = HandleTerminating
	} else {
		h.state = HandleIdle
	}
	m.metrics.WorkersBusy(m.busyLocked())
	m.mu.Unlock()

	if terminate {
		m.terminate(h)
	}
}

// Retire marks a worker that announced it will exit. It is never reserved
// again and is killed if it has not exited within the stop grace period.
func (m *Manager) Retire(h *Handle) {
	m.mu.Lock()
	if h.state == HandleExited {
		m.mu.Unlock()
		return
	}
	h.state = HandleTerminating
	m.metrics.WorkersBusy(m.busyLocked())
	m.mu.Unlock()

	go m.killAfter(h, m.cfg.StopGracePeriod)
}

// Grow starts workers for up to want pending tasks, counting workers that are
// already starting. It returns the number of spawns begun.
func (m *Manager) Grow(want int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accepting {
		return 0
	}
	for _, s := range m.slots {
		if s.spawning {
			want--
		}
	}
	started := 0
	for _, s := range m.slots {
		if want <= 0 {
			break
		}
		if s.handle != nil || s.spawning || s.failed {
			continue
		}
		s.spawning = true
		m.wg.Add(1)
		go m.startSlot(s)
		started++
		want--
	}
	return started
}

// Available reports whether at least one slot can still run a worker.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.allFailedLocked()
}

// Workers returns a snapshot of every slot.
func (m *Manager) Workers() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerInfo, 0, len(m.slots))
	for _, s := range m.slots {
		info := WorkerInfo{Slot: s.id, Incarnation: s.incarnations, Failures: s.failures}
		switch h := s.handle; {
		case h != nil:
			info.PID = h.pid
			info.State = h.state.String()
			info.Messages = h.messages
			info.StartedAt = h.startedAt
			info.LastActivity = h.lastActivity
			if h.task != nil {
				info.TaskID = h.task.ID
			}
		case s.failed:
			info.State = "failed"
		case s.spawning:
			info.State = HandleStarting.String()
		default:
			info.State = "stopped"
		}
		out = append(out, info)
	}
	return out
}

// Stop stops accepting work and retires every worker: idle ones at once, busy
// ones after their current reply. If ctx expires first the remaining
// processes get SIGTERM and, after the stop grace period, SIGKILL.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.accepting = false
	m.stopOnce.Do(func() { close(m.stopCh) })
	var idle []*Handle
	for _, s := range m.slots {
		h := s.handle
		if h == nil {
			continue
		}
		switch h.state {
		case HandleIdle:
			h.state = HandleTerminating
			idle = append(idle, h)
		case HandleBusy:
			h.stopRequested = true
		}
	}
	m.mu.Unlock()

	for _, h := range idle {
		m.terminate(h)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all workers stopped")
		return nil
	case <-ctx.Done():
	}

	m.logger.Warn("stop deadline reached, signalling workers", "grace", m.cfg.StopGracePeriod)
	m.signalAll(func(p Process) error { return p.Signal(syscall.SIGTERM) })
	select {
	case <-done:
	case <-time.After(m.cfg.StopGracePeriod):
		m.signalAll(Process.Kill)
		<-done
	}
	return fmt.Errorf("forced stop: %w", ctx.Err())
}

func (m *Manager) startSlot(s *slot) {
	defer m.wg.Done()
	for attempt := 1; ; attempt++ {
		h, err := m.spawn(s)
		if err == nil {
			m.listener.WorkerReady(h)
			return
		}

		m.mu.Lock()
		stopping := !m.accepting
		if !stopping {
			s.failures++
		}
		failed := !stopping && s.failures >= m.cfg.MaxStartupRetries
		if stopping || failed {
			s.spawning = false
		}
		if failed {
			s.failed = true
		}
		allFailed := failed && m.allFailedLocked()
		m.mu.Unlock()

		if stopping {
			return
		}
		m.metrics.WorkerStartFailed(s.id, failureReason(err))
		m.logger.Warn("worker failed to start", "worker_id", s.id, "attempt", attempt, "error", err)

		if failed {
			m.logger.Error("worker slot disabled", "worker_id", s.id, "failures", attempt)
			if allFailed {
				m.listener.PoolUnavailable(fmt.Errorf("%w: %w", ErrAllSlotsFailed, err))
			}
			return
		}

		select {
		case <-time.After(m.backoff.Delay(attempt)):
		case <-m.stopCh:
			m.mu.Lock()
			s.spawning = false
			m.mu.Unlock()
			return
		}
	}
}

// spawn starts one incarnation of s and completes its handshake.
func (m *Manager) spawn(s *slot) (*Handle, error) {
	proc, err := m.spawner.Spawn(s.id)
	if err != nil {
		return nil, fmt.Errorf("spawn worker %d: %w", s.id, err)
	}

	h := &Handle{
		m:      m,
		slot:   s.id,
		token:  uuid.NewString(),
		proc:   proc,
		pid:    proc.PID(),
		state:  HandleStarting,
		ready:  make(chan *protocol.Reply, 1),
		exited: make(chan struct{}),
	}
	h.enc = m.cfg.Codec.NewEncoder(countingWriter{w: proc.Stdin(), n: &h.written})

	m.mu.Lock()
	if !m.accepting {
		m.mu.Unlock()
		_ = proc.Kill()
		_ = proc.Wait()
		return nil, ErrStopping
	}
	s.incarnations++
	h.incarnation = s.incarnations
	h.startedAt = m.now()
	s.handle = h
	m.wg.Add(1)
	m.mu.Unlock()

	go m.readLoop(h)

	init := &protocol.Message{Init: &protocol.Init{
		WorkerID:                s.id,
		Token:                   h.token,
		Handlers:                m.cfg.Handlers,
		Fingerprint:             m.cfg.Fingerprint,
		InactivityCheckInterval: m.cfg.InactivityCheckInterval,
		InactivityLimit:         m.cfg.InactivityLimit,
		Logging:                 m.cfg.Logging,
		Startup:                 m.cfg.Startup,
	}}
	if err := h.send(init); err != nil {
		m.abandon(h)
		return nil, fmt.Errorf("send handshake to worker %d: %w", s.id, err)
	}

	timer := time.NewTimer(m.cfg.StartupTimeout)
	defer timer.Stop()

	var ack *protocol.Reply
	select {
	case ack = <-h.ready:
	case <-h.exited:
		return nil, fmt.Errorf("worker %d exited during handshake", s.id)
	case <-timer.C:
		m.abandon(h)
		return nil, fmt.Errorf("worker %d: %w after %s", s.id, ErrStartupTimeout, m.cfg.StartupTimeout)
	case <-m.stopCh:
		m.abandon(h)
		return nil, ErrStopping
	}

	if !ack.IsInitAck() {
		m.abandon(h)
		if ack.Error != nil {
			return nil, &StartupError{Slot: s.id, Detail: *ack.Error}
		}
		return nil, fmt.Errorf("worker %d sent a malformed handshake reply", s.id)
	}

	m.mu.Lock()
	if !m.accepting {
		h.state = HandleTerminating
		m.mu.Unlock()
		m.terminate(h)
		return nil, ErrStopping
	}
	if ack.PID != 0 {
		h.pid = ack.PID
	}
	h.state = HandleIdle
	h.lastActivity = m.now()
	s.spawning = false
	s.failures = 0
	m.mu.Unlock()

	if ack.Fingerprint != m.cfg.Fingerprint {
		m.logger.Warn("worker handler fingerprint mismatch", "worker_id", s.id, "want", m.cfg.Fingerprint, "got", ack.Fingerprint)
	}
	m.metrics.WorkerSpawned(s.id)
	m.logger.Info("worker ready", "worker_id", s.id, "pid", h.pid, "incarnation", h.incarnation)
	return h, nil
}

// abandon kills an incarnation that never became ready and waits for it to be reaped.
func (m *Manager) abandon(h *Handle) {
	_ = h.proc.Kill()
	<-h.exited
}

func (m *Manager) readLoop(h *Handle) {
	defer m.wg.Done()
	dec := m.cfg.Codec.NewDecoder(h.proc.Stdout())
	for {
		var r protocol.Reply
		if err := dec.Decode(&r); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, errKilled) {
				m.logger.Error("unreadable worker frame, killing worker", "worker_id", h.slot, "error", err)
				_ = h.proc.Kill()
			}
			break
		}
		m.route(h, &r)
	}
	m.onExit(h, h.proc.Wait())
}

func (m *Manager) route(h *Handle, r *protocol.Reply) {
	m.mu.Lock()
	switch {
	case h.state == HandleStarting:
		m.mu.Unlock()
		select {
		case h.ready <- r:
		default:
		}
		return

	case r.IsShutdownNotice():
		h.noticed = true
		// Frames arrive in order, so a notice counting fewer frames than were
		// delivered was sent before the worker read the held task.
		h.unread = h.task != nil && r.Received < h.messages
		if h.state == HandleIdle || h.state == HandleBusy {
			h.state = HandleTerminating
		}
		m.metrics.WorkersBusy(m.busyLocked())
		m.mu.Unlock()
		m.logger.Debug("worker shutdown notice", "worker_id", h.slot, "pid", h.pid)
		return

	case h.task != nil && r.ID == h.task.ID:
		t := h.task
		h.task = nil
		h.lastActivity = m.now()
		m.mu.Unlock()
		m.listener.Reply(h, t, r)
		return
	}
	m.mu.Unlock()

	m.logger.Warn("unmatched worker reply dropped", "worker_id", h.slot, "reply_id", r.ID, "error", r.Error)
}

func (m *Manager) onExit(h *Handle, err error) {
	m.mu.Lock()
	prev := h.state
	t := h.task
	h.task = nil
	h.state = HandleExited
	s := m.slots[h.slot]
	if s.handle == h {
		s.handle = nil
	}
	noticed := h.noticed
	m.metrics.WorkersBusy(m.busyLocked())
	close(h.exited)
	m.mu.Unlock()

	if prev == HandleStarting {
		return
	}

	reason := "lost"
	if noticed {
		reason = "notice"
	}
	m.metrics.WorkerExited(h.slot, reason)
	m.logger.Info("worker exited", "worker_id", h.slot, "pid", h.pid, "reason", reason, "error", err)
	m.listener.WorkerExited(h, t, err)
}

func (m *Manager) deliver(h *Handle, t *queue.Task) error {
	m.mu.Lock()
	if h.state != HandleBusy || h.task != nil {
		m.mu.Unlock()
		return fmt.Errorf("worker %d: %w: %w", h.slot, dispatch.ErrNotDelivered, errNotReserved)
	}
	h.task = t
	h.messages++
	h.lastActivity = m.now()
	m.mu.Unlock()

	wrote, err := h.sendFrame(&protocol.Message{ID: t.ID, Type: t.Type, Token: h.token, Payload: t.Payload})
	if err == nil {
		return nil
	}

	m.mu.Lock()
	if h.task == t {
		h.task = nil
	}
	if h.state != HandleExited {
		h.state = HandleTerminating
	}
	m.mu.Unlock()
	_ = h.proc.Kill()
	if !wrote {
		return fmt.Errorf("deliver to worker %d: %w: %w", h.slot, dispatch.ErrNotDelivered, err)
	}
	return fmt.Errorf("deliver to worker %d: %w", h.slot, err)
}

func (m *Manager) terminate(h *Handle) {
	if err := h.send(&protocol.Message{Type: protocol.TypeTerminate, Token: h.token}); err != nil {
		m.logger.Warn("send terminate failed", "worker_id", h.slot, "error", err)
		_ = h.proc.Kill()
		return
	}
	go m.killAfter(h, m.cfg.StopGracePeriod)
}

func (m *Manager) killAfter(h *Handle, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.exited:
	case <-timer.C:
		m.logger.Warn("worker did not exit, killing", "worker_id", h.slot, "pid", h.PID())
		_ = h.proc.Kill()
	}
}

func (m *Manager) signalAll(fn func(Process) error) {
	m.mu.Lock()
	var procs []Process
	for _, s := range m.slots {
		if s.handle != nil {
			procs = append(procs, s.handle.proc)
		}
	}
	m.mu.Unlock()
	for _, p := range procs {
		_ = fn(p)
	}
}

func (m *Manager) busyLocked() int {
	n := 0
	for _, s := range m.slots {
		if s.handle != nil && s.handle.state == HandleBusy {
			n++
		}
	}
	return n
}

func (m *Manager) allFailedLocked() bool {
	for _, s := range m.slots {
		if !s.failed {
			return false
		}
	}
	return true
}

func failureReason(err error) string {
	var se *StartupError
	switch {
	case errors.As(err, &se):
		return "startup_error"
	case errors.Is(err, ErrStartupTimeout):
		return "timeout"
	default:
		return "spawn"
	}
}
