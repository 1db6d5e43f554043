package worker

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/forkq/internal/log"
	"github.com/mattjoyce/forkq/internal/protocol"
)

// EnvLogLevel sets the level of a worker's stderr logger.
const EnvLogLevel = "FORKQ_WORKER_LOG_LEVEL"

// Main runs a worker process on the given streams and returns its exit code.
// SIGINT is ignored so that Ctrl-C in a terminal reaches only the coordinator;
// SIGTERM retires the worker once its current task is done.
func Main(ctx context.Context, reg *Registry, stdin io.Reader, stdout, stderr io.Writer) int {
	signal.Ignore(os.Interrupt)

	log.SetupWriter(stderr, os.Getenv(EnvLogLevel), "json")
	logger := log.WithComponent("worker")

	codec, err := protocol.GetCodec(os.Getenv(protocol.EnvCodec))
	if err != nil {
		logger.Error("worker codec", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	rt := New(reg, codec, WithLogger(logger))
	if err := rt.Serve(ctx, stdin, stdout); err != nil {
		logger.Error("worker stopped", "error", err)
		return 1
	}
	return 0
}
