package pool

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/mattjoyce/forkq/internal/log"
	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/worker"
)

var errKilled = errors.New("worker killed")

// InprocSpawner runs each worker on a goroutine inside the coordinator,
// connected through in-memory pipes. Handler panics on the runtime's own
// goroutine are contained, but a panic on any goroutine a handler starts
// takes the whole coordinator down, and a handler that ignores its context
// keeps running after Kill.
type InprocSpawner struct {
	Registry *worker.Registry
	Codec    protocol.Codec
	Dir      string
}

func (s *InprocSpawner) Spawn(slot int) (Process, error) {
	codec := s.Codec
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	opts := []worker.Option{worker.WithLogger(log.WithWorker(slot, os.Getpid()))}
	if s.Dir != "" {
		opts = append(opts, worker.WithDir(s.Dir))
	}
	rt := worker.New(s.Registry, codec, opts...)

	p := &inprocProcess{
		stdin:  inW,
		stdout: outR,
		outW:   outW,
		rt:     rt,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		p.err = rt.Serve(ctx, inR, outW)
		_ = outW.Close()
		_ = inR.Close()
		close(p.done)
	}()
	return p, nil
}

type inprocProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	outW   *io.PipeWriter
	rt     *worker.Runtime
	cancel context.CancelFunc

	done chan struct{}
	err  error

	killOnce sync.Once
}

func (p *inprocProcess) PID() int              { return os.Getpid() }
func (p *inprocProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *inprocProcess) Stdout() io.Reader     { return p.stdout }

func (p *inprocProcess) Wait() error {
	<-p.done
	return p.err
}

// Signal asks the runtime to retire after its current task, the in-process
// analogue of SIGTERM.
func (p *inprocProcess) Signal(os.Signal) error {
	p.cancel()
	return nil
}

func (p *inprocProcess) Kill() error {
	p.killOnce.Do(func() {
		p.cancel()
		p.rt.Abort()
		_ = p.stdin.CloseWithError(errKilled)
		_ = p.outW.CloseWithError(errKilled)
	})
	return nil
}
