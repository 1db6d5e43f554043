package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/forkq/internal/protocol"
)

const (
	maxStderrBytes         = 64 * 1024
	terminationGracePeriod = 5 * time.Second
)

// execHandler runs an executable once per task using the exec protocol.
type execHandler struct {
	path   string
	config map[string]any
	grace  time.Duration
}

func newExecHandler(path string, config map[string]any) *execHandler {
	return &execHandler{path: path, config: config, grace: terminationGracePeriod}
}

func (h *execHandler) Handle(ctx context.Context, env *Env, task *Task) (map[string]any, error) {
	req := &protocol.ExecRequest{
		Protocol: protocol.ExecProtocolVersion,
		TaskID:   task.ID,
		Type:     task.Type,
		WorkerID: task.WorkerID,
		Config:   h.config,
		Payload:  task.Payload,
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	logger := env.Logger.With("task_id", task.ID, "entrypoint", h.path)

	// Don't use CommandContext: termination is managed here.
	cmd := exec.Command(h.path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning handler")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeExecRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("handler cancelled, sending SIGTERM")
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(h.grace)
		defer grace.Stop()

		select {
		case <-waitErr:
		case <-grace.C:
			logger.Warn("handler did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return nil, ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())

		if werr := <-writeErr; werr != nil {
			return nil, withStderr(werr, stderrStr)
		}

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, withStderr(fmt.Errorf("wait for process: %w", err), stderrStr)
			}
			logger.Warn("handler exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, rawBytes, err := protocol.DecodeExecResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode handler response", "error", err, "stdout", string(rawBytes))
			return nil, withStderr(fmt.Errorf("decode response: %w", err), stderrStr)
		}

		for _, entry := range resp.Logs {
			logger.Info(entry.Message, "handler_level", entry.Level)
		}

		if resp.Status == "error" {
			return nil, withStderr(errors.New(resp.Error), stderrStr)
		}
		if resp.Result == nil {
			resp.Result = map[string]any{}
		}
		return resp.Result, nil
	}
}

func withStderr(err error, stderr string) error {
	if stderr == "" {
		return err
	}
	return fmt.Errorf("%w (stderr: %s)", err, stderr)
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
