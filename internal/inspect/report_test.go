package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkq/internal/queue"
	"github.com/mattjoyce/forkq/internal/storage"
	"github.com/mattjoyce/forkq/internal/tasklog"
)

func seededStore(t *testing.T) *tasklog.Store {
	t.Helper()
	ctx := context.Background()
	store, err := tasklog.Open(ctx, storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, &queue.Response{
		TaskID: "task-1", Type: "echo", WorkerID: 0, PID: 4242,
		Result:     map[string]any{"msg": "hi"},
		EnqueuedAt: base, CompletedAt: base.Add(15 * time.Millisecond),
	}))
	require.NoError(t, store.Record(ctx, &queue.Response{
		TaskID: "task-2", Type: "sleep", WorkerID: 1,
		Err:        errors.New("handler error: boom"),
		EnqueuedAt: base.Add(time.Second), CompletedAt: base.Add(2 * time.Second),
	}))
	return store
}

func TestBuildReport(t *testing.T) {
	store := seededStore(t)

	out, err := BuildReport(context.Background(), store, "task-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Task ID     : task-1")
	assert.Contains(t, out, "Status      : succeeded")
	assert.Contains(t, out, "Worker      : 0 (pid 4242)")
	assert.Contains(t, out, "Duration    : 15ms")
	assert.Contains(t, out, `"msg": "hi"`)
	assert.NotContains(t, out, "Error")

	out, err = BuildReport(context.Background(), store, "task-2")
	require.NoError(t, err)
	assert.Contains(t, out, "Error       : handler error: boom")
	assert.Contains(t, out, "(pid unknown)")
	assert.Contains(t, out, "<none>")
}

func TestBuildReportMissing(t *testing.T) {
	_, err := BuildReport(context.Background(), seededStore(t), "nope")
	assert.ErrorIs(t, err, tasklog.ErrNotFound)
}

func TestBuildJSONReport(t *testing.T) {
	out, err := BuildJSONReport(context.Background(), seededStore(t), "task-2")
	require.NoError(t, err)

	var r Report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "task-2", r.TaskID)
	assert.Equal(t, "failed", r.Status)
	assert.Equal(t, int64(1000), r.DurationMS)
}

func TestBuildRecent(t *testing.T) {
	out, err := BuildRecent(context.Background(), seededStore(t), 10)
	require.NoError(t, err)
	assert.Regexp(t, `(?s)TASK ID.*task-2.*task-1`, out)

	empty, err := tasklog.Open(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	defer empty.Close()
	out, err = BuildRecent(context.Background(), empty, 10)
	require.NoError(t, err)
	assert.Equal(t, "No tasks recorded.\n", out)
}
