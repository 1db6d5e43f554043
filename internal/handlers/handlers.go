// Package handlers holds the handler modules and startup modules compiled
// into the forkq worker binary.
package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mattjoyce/forkq/internal/worker"
)

// Module names.
const (
	ModuleEcho    = "echo"
	ModuleSleep   = "sleep"
	ModuleKV      = "kv"
	ModuleCounter = "counter"

	StartupSQLite = "sqlite"
	StartupRedis  = "redis"
)

// Register adds every built-in handler and startup module to reg.
func Register(reg *worker.Registry) {
	reg.Register(ModuleEcho, newEcho)
	reg.Register(ModuleSleep, newSleep)
	reg.Register(ModuleKV, newKV)
	reg.Register(ModuleCounter, newCounter)

	reg.RegisterStartup(StartupSQLite, SQLiteStartup)
	reg.RegisterStartup(StartupRedis, RedisStartup)
}

// Registry returns a registry holding the built-ins.
func Registry() *worker.Registry {
	reg := worker.NewRegistry()
	Register(reg)
	return reg
}

// intArg reads an integer from a payload or args map. Payload numbers arrive
// as float64 from JSON and as int64 from msgpack.
func intArg(m map[string]any, key string, def int64) (int64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%s: expected a number, got %T", key, v)
	}
}

func stringArg(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}
