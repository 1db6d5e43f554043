package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/mattjoyce/forkq/internal/log"
	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/worker"
)

// Process is a running worker. Stdin and Stdout carry protocol frames.
type Process interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the worker has exited. It is safe to call more than once.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(slot int) (Process, error)
}

// ExecSpawner starts workers as OS processes running Command.
type ExecSpawner struct {
	Command  []string
	Codec    string
	LogLevel string
	Dir      string
	Env      []string
}

// DefaultCommand runs the current executable in worker mode.
func DefaultCommand() ([]string, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return []string{self, "worker"}, nil
}

func (s *ExecSpawner) Spawn(slot int) (Process, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}

	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		protocol.EnvCodec+"="+s.Codec,
		worker.EnvLogLevel+"="+s.LogLevel,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &execProcess{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		relayed: make(chan struct{}),
	}
	go func() {
		defer close(p.relayed)
		relayStderr(stderr, log.WithWorker(slot, cmd.Process.Pid))
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	relayed chan struct{}

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		<-p.relayed
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// relayStderr copies a worker's stderr into the coordinator log. Lines that
// are slog JSON records keep their level, message and attributes.
func relayStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Info("worker stderr", "line", string(line))
			continue
		}
		msg, _ := rec["msg"].(string)
		levelName, _ := rec["level"].(string)
		delete(rec, "msg")
		delete(rec, "level")
		delete(rec, "time")
		attrs := make([]any, 0, len(rec)*2)
		for k, v := range rec {
			attrs = append(attrs, k, v)
		}
		logger.Log(context.Background(), log.ParseLevel(levelName), msg, attrs...)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("worker stderr relay stopped", "error", err)
	}
}
