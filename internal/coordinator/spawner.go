package coordinator

import (
	"fmt"

	"github.com/mattjoyce/forkq/internal/config"
	"github.com/mattjoyce/forkq/internal/pool"
	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/worker"
)

// NewSpawner returns the spawner selected by cfg.Pool.Isolation. reg is only
// used for in-process workers; process workers carry their own registry.
func NewSpawner(cfg *config.Config, reg *worker.Registry) (pool.Spawner, error) {
	codec, err := protocol.GetCodec(cfg.Pool.Codec)
	if err != nil {
		return nil, err
	}

	switch cfg.Pool.Isolation {
	case config.IsolationInproc:
		return &pool.InprocSpawner{Registry: reg, Codec: codec}, nil
	case "", config.IsolationProcess:
		command := cfg.Pool.WorkerCommand
		if len(command) == 0 {
			if command, err = pool.DefaultCommand(); err != nil {
				return nil, err
			}
		}
		return &pool.ExecSpawner{
			Command:  command,
			Codec:    codec.Name(),
			LogLevel: cfg.Service.LogLevel,
		}, nil
	default:
		return nil, fmt.Errorf("unknown isolation mode %q", cfg.Pool.Isolation)
	}
}
