package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/worker"
)

func newEcho(protocol.HandlerRef) (worker.Handler, error) {
	return worker.HandlerFunc(func(_ context.Context, _ *worker.Env, t *worker.Task) (map[string]any, error) {
		out := make(map[string]any, len(t.Payload)+1)
		for k, v := range t.Payload {
			out[k] = v
		}
		out["worker_id"] = t.WorkerID
		return out, nil
	}), nil
}

// newSleep waits payload "ms" milliseconds, falling back to config "ms".
func newSleep(ref protocol.HandlerRef) (worker.Handler, error) {
	def, err := intArg(ref.Config, "ms", 0)
	if err != nil {
		return nil, err
	}
	return worker.HandlerFunc(func(ctx context.Context, _ *worker.Env, t *worker.Task) (map[string]any, error) {
		ms, err := intArg(t.Payload, "ms", def)
		if err != nil {
			return nil, err
		}
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			return map[string]any{"slept_ms": ms}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), nil
}

// newKV reads and writes the kv table of the sqlite startup resource.
func newKV(protocol.HandlerRef) (worker.Handler, error) {
	return worker.HandlerFunc(func(ctx context.Context, env *worker.Env, t *worker.Task) (map[string]any, error) {
		db, err := sqliteResource(env)
		if err != nil {
			return nil, err
		}

		key := stringArg(t.Payload, "key", "")
		if key == "" {
			return nil, fmt.Errorf("key is empty")
		}

		switch op := stringArg(t.Payload, "op", "get"); op {
		case "put":
			value := stringArg(t.Payload, "value", "")
			_, err := db.ExecContext(ctx, `
INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
			if err != nil {
				return nil, fmt.Errorf("put %q: %w", key, err)
			}
			return map[string]any{"key": key, "value": value}, nil
		case "get":
			var value string
			err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?;`, key).Scan(&value)
			if errors.Is(err, sql.ErrNoRows) {
				return map[string]any{"key": key, "found": false}, nil
			}
			if err != nil {
				return nil, fmt.Errorf("get %q: %w", key, err)
			}
			return map[string]any{"key": key, "value": value, "found": true}, nil
		case "delete":
			res, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key)
			if err != nil {
				return nil, fmt.Errorf("delete %q: %w", key, err)
			}
			n, _ := res.RowsAffected()
			return map[string]any{"key": key, "deleted": n > 0}, nil
		default:
			return nil, fmt.Errorf("unknown kv op %q", op)
		}
	}), nil
}

// newCounter increments a redis key held by the redis startup resource.
func newCounter(ref protocol.HandlerRef) (worker.Handler, error) {
	prefix := stringArg(ref.Config, "prefix", "forkq:counter:")
	return worker.HandlerFunc(func(ctx context.Context, env *worker.Env, t *worker.Task) (map[string]any, error) {
		client, err := redisResource(env)
		if err != nil {
			return nil, err
		}
		key := stringArg(t.Payload, "key", "")
		if key == "" {
			return nil, fmt.Errorf("key is empty")
		}
		by, err := intArg(t.Payload, "by", 1)
		if err != nil {
			return nil, err
		}
		n, err := client.IncrBy(ctx, prefix+key, by).Result()
		if err != nil {
			return nil, fmt.Errorf("incr %q: %w", key, err)
		}
		return map[string]any{"key": key, "value": n}, nil
	}), nil
}

func sqliteResource(env *worker.Env) (*sql.DB, error) {
	v, ok := env.Resource(StartupSQLite)
	if !ok {
		return nil, fmt.Errorf("no sqlite connection: configure pool.on_startup.module=%s", StartupSQLite)
	}
	db, ok := v.(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("sqlite resource has type %T", v)
	}
	return db, nil
}

func redisResource(env *worker.Env) (*redis.Client, error) {
	v, ok := env.Resource(StartupRedis)
	if !ok {
		return nil, fmt.Errorf("no redis client: configure pool.on_startup.module=%s", StartupRedis)
	}
	client, ok := v.(*redis.Client)
	if !ok {
		return nil, fmt.Errorf("redis resource has type %T", v)
	}
	return client, nil
}
