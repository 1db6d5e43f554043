package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mattjoyce/forkq/internal/protocol"
)

// Defaults applied when the handshake leaves inactivity settings unset.
const (
	DefaultInactivityCheckInterval = time.Minute
	DefaultInactivityLimit         = 3 * time.Minute
)

// Runtime is the state of one worker process. Serve drives it; all state
// transitions happen on the Serve goroutine.
type Runtime struct {
	reg      *Registry
	codec    protocol.Codec
	logger   *slog.Logger
	observer Observer
	pid      int
	dir      string
	now      func() time.Time

	enc protocol.Encoder

	mu             sync.Mutex
	state          State
	toBeTerminated bool
	workerID       int
	token          string
	fingerprint    string
	handlers       map[string]protocol.HandlerRef
	cache          map[string]Handler
	messages       int64
	startedAt      time.Time
	lastActivity   time.Time
	checkInterval  time.Duration
	limit          time.Duration
	logging        bool
	current        *protocol.Message
	received       int64

	abortOnce sync.Once
	aborted   chan struct{}

	env     *Env
	ticker  *time.Ticker
	results chan execResult
}

type execResult struct {
	msg      *protocol.Message
	result   map[string]any
	err      error
	panicked bool
	caught   string
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the diagnostic logger. Workers log to stderr.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithObserver receives lifecycle events.
func WithObserver(o Observer) Option {
	return func(r *Runtime) { r.observer = o }
}

// WithPID overrides the reported process id. In-process workers use it.
func WithPID(pid int) Option {
	return func(r *Runtime) { r.pid = pid }
}

// WithDir sets the directory executable handler modules are resolved against.
func WithDir(dir string) Option {
	return func(r *Runtime) { r.dir = dir }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// New returns a runtime that resolves handlers through reg and frames messages with codec.
func New(reg *Registry, codec protocol.Codec, opts ...Option) *Runtime {
	r := &Runtime{
		reg:      reg,
		codec:    codec,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer: ObserverFunc(func(Event) {}),
		pid:      os.Getpid(),
		now:      time.Now,
		cache:    make(map[string]Handler),
		results:  make(chan execResult, 1),
		aborted:  make(chan struct{}),
	}
	if wd, err := os.Getwd(); err == nil {
		r.dir = wd
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.now()
	r.env = NewEnv(r.logger, 0)
	return r
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Messages returns the number of tasks handed to handlers so far.
func (r *Runtime) Messages() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Abort cancels the context handlers run under. Serve keeps running until the
// current handler returns.
func (r *Runtime) Abort() {
	r.abortOnce.Do(func() { close(r.aborted) })
}

// Serve processes frames from in and writes replies to out until the worker
// retires or in reaches EOF. Cancelling ctx asks the worker to retire; a busy
// worker finishes its current task first. Handlers are cancelled only by Abort.
func (r *Runtime) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	r.enc = r.codec.NewEncoder(out)
	dec := r.codec.NewDecoder(in)

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	go func() {
		select {
		case <-r.aborted:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	msgs := make(chan *protocol.Message)
	readErr := make(chan error, 1)
	stopRead := make(chan struct{})
	defer close(stopRead)

	go func() {
		for {
			var m protocol.Message
			if err := dec.Decode(&m); err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- &m:
			case <-stopRead:
				return
			}
		}
	}()

	defer func() {
		if r.ticker != nil {
			r.ticker.Stop()
		}
	}()

	retire := ctx.Done()
	for {
		in := msgs
		if r.State() == StateBusy {
			in = nil
		}
		var tick <-chan time.Time
		if r.ticker != nil {
			tick = r.ticker.C
		}

		select {
		case <-retire:
			retire = nil
			r.trace("retirement requested", "state", r.State().String())
			r.requestShutdown("retirement requested")

		case m := <-in:
			r.handle(runCtx, m)

		case res := <-r.results:
			r.finish(res)

		case <-tick:
			r.checkInactivity()

		case err := <-readErr:
			readErr = nil
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				r.logger.Warn("read frame failed", "error", err)
			}
			r.requestShutdown("input closed")
		}

		if r.State() == StateTerminated {
			return nil
		}
	}
}

func (r *Runtime) handle(ctx context.Context, m *protocol.Message) {
	if m.Init != nil {
		r.initialize(ctx, m)
		return
	}

	state := r.State()
	if state == StateUninitialized || state == StateInitializing {
		r.protocolError(m, "worker has not been initialised")
		return
	}
	if state != StateIdle {
		r.logger.Debug("message dropped", "task_id", m.ID, "type", m.Type, "state", state.String())
		return
	}

	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	if m.Token == "" {
		r.protocolError(m, "invalid message: missing session token")
		return
	}
	if m.Token != r.token {
		r.protocolError(m, "invalid session token")
		return
	}
	if m.Type == "" {
		r.protocolError(m, "no type specified")
		return
	}

	r.touch()

	switch m.Type {
	case protocol.TypeTerminate:
		r.trace("terminate requested")
		r.shutdown("terminate requested")
		return
	case protocol.TypeGetStats:
		r.send(&protocol.Reply{
			ID:      m.ID,
			Stats:   r.stats(),
			Control: protocol.Control{Finished: true},
		})
		return
	}

	h, err := r.resolve(m.Type)
	if err != nil {
		kind := protocol.KindHandlerResolution
		if _, registered := r.handlers[m.Type]; !registered {
			kind = protocol.KindProtocol
		}
		r.replyError(m, kind, err.Error(), "", false)
		return
	}

	r.mu.Lock()
	r.messages++
	r.state = StateBusy
	r.current = m
	r.mu.Unlock()

	r.observer.OnEvent(Event{Name: EventReceived, WorkerID: r.workerID, TaskID: m.ID, Type: m.Type})
	r.trace("task received", "task_id", m.ID, "type", m.Type)

	task := &Task{ID: m.ID, Type: m.Type, Payload: m.Payload, WorkerID: r.workerID}
	go r.execute(ctx, h, m, task)
}

func (r *Runtime) execute(ctx context.Context, h Handler, m *protocol.Message, task *Task) {
	res := execResult{msg: m}
	defer func() {
		if p := recover(); p != nil {
			res.panicked = true
			res.caught = fmt.Sprintf("%v", p)
			r.logger.Error("handler panicked", "task_id", m.ID, "panic", res.caught, "stack", string(debug.Stack()))
		}
		r.results <- res
	}()
	res.result, res.err = h.Handle(ctx, r.env, task)
}

func (r *Runtime) finish(res execResult) {
	m := res.msg
	r.mu.Lock()
	r.current = nil
	r.lastActivity = r.now()
	r.mu.Unlock()

	switch {
	case res.panicked:
		r.replyError(m, protocol.KindHandlerExecution,
			fmt.Sprintf("error running handler for type %q", m.Type), res.caught, true)
		r.shutdown("handler fault")
		return
	case res.err != nil:
		r.replyError(m, protocol.KindHandler, res.err.Error(), "", false)
	default:
		result := res.result
		if result == nil {
			result = map[string]any{}
		}
		r.send(&protocol.Reply{
			ID:      m.ID,
			Result:  result,
			Control: protocol.Control{Finished: true},
		})
		r.observer.OnEvent(Event{Name: EventFinished, WorkerID: r.workerID, TaskID: m.ID, Type: m.Type})
	}

	r.mu.Lock()
	r.state = StateIdle
	deferred := r.toBeTerminated
	r.mu.Unlock()

	if deferred {
		r.shutdown("deferred retirement")
	}
}

func (r *Runtime) resolve(taskType string) (Handler, error) {
	if h, ok := r.cache[taskType]; ok {
		return h, nil
	}
	ref, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("no handler defined for type %q", taskType)
	}
	h, err := r.reg.Resolve(ref, r.dir)
	if err != nil {
		return nil, fmt.Errorf("unable to load handler for type %q: %w", taskType, err)
	}
	r.cache[taskType] = h
	r.observer.OnEvent(Event{Name: EventHandlerLoaded, WorkerID: r.workerID, Type: taskType})
	r.trace("handler loaded", "type", taskType)
	return h, nil
}

func (r *Runtime) initialize(ctx context.Context, m *protocol.Message) {
	if r.State() != StateUninitialized {
		r.protocolError(m, "worker has already been initialised")
		return
	}
	init := m.Init
	if init.Token == "" {
		r.protocolError(m, "invalid message: missing session token")
		return
	}

	r.mu.Lock()
	r.state = StateInitializing
	r.workerID = init.WorkerID
	r.token = init.Token
	r.fingerprint = init.Fingerprint
	r.handlers = init.Handlers
	r.logging = init.Logging
	r.checkInterval = init.InactivityCheckInterval
	if r.checkInterval <= 0 {
		r.checkInterval = DefaultInactivityCheckInterval
	}
	r.limit = init.InactivityLimit
	if r.limit <= 0 {
		r.limit = DefaultInactivityLimit
	}
	r.mu.Unlock()

	r.env.WorkerID = init.WorkerID

	if init.Startup != nil && init.Startup.Module != "" {
		if err := r.runStartup(ctx, init.Startup); err != nil {
			r.mu.Lock()
			r.state = StateUninitialized
			r.token = ""
			r.handlers = nil
			r.mu.Unlock()
			r.replyError(m, protocol.KindStartup, err.Error(), errors.Unwrap(err).Error(), false)
			return
		}
	}

	r.mu.Lock()
	r.state = StateIdle
	r.lastActivity = r.now()
	r.mu.Unlock()

	r.ticker = time.NewTicker(r.checkInterval)

	r.send(&protocol.Reply{
		PID:         r.pid,
		Fingerprint: r.fingerprint,
		Control:     protocol.Control{Init: true},
	})
	r.observer.OnEvent(Event{Name: EventStarted, WorkerID: r.workerID})
	r.trace("worker initialised", "handlers", len(r.handlers), "inactivity_limit", r.limit)
}

func (r *Runtime) runStartup(ctx context.Context, s *protocol.Startup) (err error) {
	fn, ok := r.reg.Startup(s.Module)
	if !ok {
		return fmt.Errorf("unable to load startup module %q: %w", s.Module, errors.New("module not registered"))
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("error running startup module %q: %w", s.Module, fmt.Errorf("panic: %v", p))
		}
	}()
	if err := fn(ctx, r.env, s.Args); err != nil {
		return fmt.Errorf("error running startup module %q: %w", s.Module, err)
	}
	return nil
}

func (r *Runtime) checkInactivity() {
	r.mu.Lock()
	idleFor := r.now().Sub(r.lastActivity)
	over := idleFor > r.limit
	state := r.state
	if over && state == StateBusy {
		r.toBeTerminated = true
	}
	r.mu.Unlock()

	if !over {
		return
	}
	if state == StateIdle {
		r.trace("inactivity limit reached", "idle_for", idleFor)
		r.shutdown("inactivity")
	}
}

// requestShutdown retires the worker now, or after the in-flight task if busy.
func (r *Runtime) requestShutdown(reason string) {
	r.mu.Lock()
	busy := r.state == StateBusy
	if busy {
		r.toBeTerminated = true
	}
	r.mu.Unlock()
	if !busy {
		r.shutdown(reason)
	}
}

func (r *Runtime) shutdown(reason string) {
	r.mu.Lock()
	if r.state == StateTerminating || r.state == StateTerminated {
		r.mu.Unlock()
		return
	}
	r.state = StateTerminating
	r.mu.Unlock()

	if r.ticker != nil {
		r.ticker.Stop()
	}

	if err := r.env.Stop(); err != nil {
		r.logger.Warn("stop hooks failed", "error", err)
	}
	r.observer.OnEvent(Event{Name: EventStop, WorkerID: r.workerID})
	r.trace("worker shutting down", "reason", reason)

	r.mu.Lock()
	received := r.received
	r.mu.Unlock()
	r.send(&protocol.Reply{Received: received, Control: protocol.Control{Shutdown: true}})
	r.setState(StateTerminated)
}

func (r *Runtime) protocolError(m *protocol.Message, msg string) {
	r.replyError(m, protocol.KindProtocol, msg, "", false)
}

func (r *Runtime) replyError(m *protocol.Message, kind protocol.ErrorKind, msg, caught string, retire bool) {
	orig := *m
	r.send(&protocol.Reply{
		ID:              m.ID,
		Error:           &protocol.ErrorDetail{Kind: kind, Message: msg, Caught: caught},
		Shutdown:        retire,
		Control:         protocol.Control{Init: m.Init != nil},
		OriginalMessage: &orig,
	})
	r.observer.OnEvent(Event{Name: EventError, WorkerID: r.workerID, TaskID: m.ID, Type: m.Type, Err: errors.New(msg)})
	r.trace("error reply", "task_id", m.ID, "kind", kind, "error", msg)
}

func (r *Runtime) send(reply *protocol.Reply) {
	reply.WorkerID = r.workerID
	if err := r.enc.Encode(reply); err != nil {
		r.logger.Error("write reply failed", "error", err)
	}
}

func (r *Runtime) touch() {
	r.mu.Lock()
	r.lastActivity = r.now()
	r.mu.Unlock()
}

func (r *Runtime) stats() *protocol.Stats {
	r.mu.Lock()
	uptime := r.now().Sub(r.startedAt)
	messages := r.messages
	r.mu.Unlock()
	return &protocol.Stats{
		PID:           r.pid,
		Uptime:        FormatUptime(uptime),
		UptimeSeconds: uptime.Seconds(),
		NoOfMessages:  messages,
		Memory:        memorySnapshot(),
	}
}

// trace logs worker diagnostics when the handshake enabled logging.
func (r *Runtime) trace(msg string, args ...any) {
	if !r.logging {
		return
	}
	r.logger.Info(msg, append([]any{"worker_id", r.workerID, "pid", r.pid}, args...)...)
}
