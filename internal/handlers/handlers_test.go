package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/worker"
)

func newTestEnv(t *testing.T) *worker.Env {
	t.Helper()
	env := worker.NewEnv(slog.New(slog.NewTextHandler(io.Discard, nil)), 1)
	t.Cleanup(func() { _ = env.Stop() })
	return env
}

func resolve(t *testing.T, module string, config map[string]any) worker.Handler {
	t.Helper()
	h, err := Registry().Resolve(protocol.HandlerRef{Module: module, Config: config}, t.TempDir())
	require.NoError(t, err)
	return h
}

func run(t *testing.T, h worker.Handler, env *worker.Env, payload map[string]any) (map[string]any, error) {
	t.Helper()
	return h.Handle(context.Background(), env, &worker.Task{ID: "t", Type: "x", WorkerID: env.WorkerID, Payload: payload})
}

func TestEcho(t *testing.T) {
	out, err := run(t, resolve(t, ModuleEcho, nil), newTestEnv(t), map[string]any{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "b", "worker_id": 1}, out)
}

func TestSleep(t *testing.T) {
	h := resolve(t, ModuleSleep, map[string]any{"ms": 5})

	start := time.Now()
	out, err := run(t, h, newTestEnv(t), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), out["slept_ms"])
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Handle(ctx, newTestEnv(t), &worker.Task{Payload: map[string]any{"ms": 10000}})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = run(t, h, newTestEnv(t), map[string]any{"ms": []int{1}})
	assert.Error(t, err)
}

func TestIntArg(t *testing.T) {
	tests := []struct {
		name    string
		v       any
		want    int64
		wantErr bool
	}{
		{name: "missing", v: nil, want: 9},
		{name: "json float", v: float64(3), want: 3},
		{name: "msgpack int64", v: int64(4), want: 4},
		{name: "msgpack int8", v: int8(5), want: 5},
		{name: "msgpack uint8", v: uint8(6), want: 6},
		{name: "json number", v: json.Number("7"), want: 7},
		{name: "string", v: "8", want: 8},
		{name: "bad string", v: "eight", wantErr: true},
		{name: "bool", v: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := intArg(map[string]any{"n": tt.v}, "n", 9)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKVWithSQLiteStartup(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "kv.db")
	require.NoError(t, SQLiteStartup(context.Background(), env, map[string]any{"path": path}))

	h := resolve(t, ModuleKV, nil)

	tests := []struct {
		name    string
		payload map[string]any
		want    map[string]any
		wantErr string
	}{
		{name: "get missing", payload: map[string]any{"key": "a"}, want: map[string]any{"key": "a", "found": false}},
		{name: "put", payload: map[string]any{"op": "put", "key": "a", "value": "1"}, want: map[string]any{"key": "a", "value": "1"}},
		{name: "overwrite", payload: map[string]any{"op": "put", "key": "a", "value": "2"}, want: map[string]any{"key": "a", "value": "2"}},
		{name: "get", payload: map[string]any{"op": "get", "key": "a"}, want: map[string]any{"key": "a", "value": "2", "found": true}},
		{name: "delete", payload: map[string]any{"op": "delete", "key": "a"}, want: map[string]any{"key": "a", "deleted": true}},
		{name: "delete again", payload: map[string]any{"op": "delete", "key": "a"}, want: map[string]any{"key": "a", "deleted": false}},
		{name: "missing key", payload: map[string]any{"op": "get"}, wantErr: "key is empty"},
		{name: "bad op", payload: map[string]any{"op": "scan", "key": "a"}, wantErr: "unknown kv op"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := run(t, h, env, tt.payload)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKVWithoutStartup(t *testing.T) {
	_, err := run(t, resolve(t, ModuleKV, nil), newTestEnv(t), map[string]any{"key": "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sqlite connection")
}

func TestSQLiteStartupClosesOnStop(t *testing.T) {
	env := worker.NewEnv(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
	require.NoError(t, SQLiteStartup(context.Background(), env, nil))

	db, err := sqliteResource(env)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	require.NoError(t, env.Stop())
	assert.Error(t, db.Ping())
}

func TestCounterWithRedisStartup(t *testing.T) {
	mr := miniredis.RunT(t)

	env := newTestEnv(t)
	require.NoError(t, RedisStartup(context.Background(), env, map[string]any{"addr": mr.Addr()}))

	h := resolve(t, ModuleCounter, map[string]any{"prefix": "test:"})

	out, err := run(t, h, env, map[string]any{"key": "hits"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out["value"])

	out, err = run(t, h, env, map[string]any{"key": "hits", "by": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), out["value"])

	got, err := mr.Get("test:hits")
	require.NoError(t, err)
	assert.Equal(t, "5", got)

	_, err = run(t, h, env, map[string]any{})
	assert.Error(t, err)
}

func TestRedisStartupErrors(t *testing.T) {
	env := newTestEnv(t)

	err := RedisStartup(context.Background(), env, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "addr is empty")

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	err = RedisStartup(context.Background(), env, map[string]any{"addr": addr, "dial_timeout_ms": 200})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")

	_, ok := env.Resource(StartupRedis)
	assert.False(t, ok)
}

func TestCounterWithoutStartup(t *testing.T) {
	_, err := run(t, resolve(t, ModuleCounter, nil), newTestEnv(t), map[string]any{"key": "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no redis client")
}
