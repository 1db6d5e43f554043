package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/forkq/internal/storage"
	"github.com/mattjoyce/forkq/internal/worker"
)

const kvSchema = `CREATE TABLE IF NOT EXISTS kv (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`

// SQLiteStartup opens one database connection for the life of the worker.
// args: path (default in-memory).
func SQLiteStartup(ctx context.Context, env *worker.Env, args map[string]any) error {
	path := stringArg(args, "path", storage.MemoryPath)
	db, err := storage.OpenSQLite(ctx, path, kvSchema)
	if err != nil {
		return err
	}
	env.Set(StartupSQLite, db)
	env.OnStop(db.Close)
	env.Logger.Debug("sqlite connection opened", "path", path)
	return nil
}

// RedisStartup connects one redis client for the life of the worker.
// args: addr (required), password, db, dial_timeout_ms.
func RedisStartup(ctx context.Context, env *worker.Env, args map[string]any) error {
	addr := stringArg(args, "addr", "")
	if addr == "" {
		return fmt.Errorf("redis addr is empty")
	}
	db, err := intArg(args, "db", 0)
	if err != nil {
		return err
	}
	dialMS, err := intArg(args, "dial_timeout_ms", 5000)
	if err != nil {
		return err
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    stringArg(args, "password", ""),
		DB:          int(db),
		DialTimeout: time.Duration(dialMS) * time.Millisecond,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	env.Set(StartupRedis, client)
	env.OnStop(client.Close)
	env.Logger.Debug("redis client connected", "addr", addr)
	return nil
}
