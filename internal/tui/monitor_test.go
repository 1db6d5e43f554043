package tui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkq/internal/coordinator"
	"github.com/mattjoyce/forkq/internal/events"
	"github.com/mattjoyce/forkq/internal/pool"
)

func event(id int64, typ, data string) events.Event {
	return events.Event{ID: id, Type: typ, Data: json.RawMessage(data)}
}

func TestHandleEventTracksTasks(t *testing.T) {
	m := NewMonitor("http://localhost")

	m.handleEvent(event(1, events.TaskEnqueued, `{"id":"task-aaaaaaaa","type":"echo"}`))
	m.handleEvent(event(2, events.TaskEnqueued, `{"id":"task-bbbbbbbb","type":"sleep"}`))
	m.handleEvent(event(3, events.TaskCompleted, `{"id":"task-aaaaaaaa","type":"echo","status":"failed","worker_id":1,"duration_ms":12,"error":"boom"}`))
	m.handleEvent(event(4, events.WorkerReady, `{"worker_id":0,"pid":99}`))

	require.Len(t, m.tasks, 2)
	assert.Equal(t, []string{"task-bbbbbbbb", "task-aaaaaaaa"}, m.order)

	a := m.tasks["task-aaaaaaaa"]
	assert.Equal(t, "failed", a.Status)
	assert.Equal(t, 1, a.WorkerID)
	assert.Equal(t, int64(12), a.DurationMS)
	assert.Equal(t, "boom", a.Error)
	assert.Equal(t, "queued", m.tasks["task-bbbbbbbb"].Status)

	assert.Len(t, m.eventLog, 4)
	assert.Equal(t, events.WorkerReady, m.eventLog[0].Type)

	m.updateTaskTable()
	rows := m.taskTable.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "sleep", rows[0][1])
	assert.Equal(t, "task-bbb", rows[0][2])
	assert.Equal(t, "-", rows[0][3])
	assert.Equal(t, "1", rows[1][3])
	assert.Equal(t, "12ms", rows[1][4])
}

func TestTrackBoundsHistory(t *testing.T) {
	m := NewMonitor("http://localhost")
	for i := 0; i < maxTasks+10; i++ {
		m.track(strings.Repeat("x", i+1), "echo")
	}
	assert.Len(t, m.order, maxTasks)
	assert.Len(t, m.tasks, maxTasks)
	_, oldest := m.tasks["x"]
	assert.False(t, oldest)
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: task.enqueued",
		`data: {"id":"a"}`,
		"",
		"id: 8",
		"event: task.completed",
		`data: {"id":"a","status":"succeeded"}`,
		"",
	}, "\n")

	out := make(chan events.Event, 4)
	require.NoError(t, readSSE(context.Background(), strings.NewReader(stream), out))
	close(out)

	var got []events.Event
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.TaskEnqueued, got[0].Type)
	assert.JSONEq(t, `{"id":"a","status":"succeeded"}`, string(got[1].Data))
}

func TestFetchStats(t *testing.T) {
	snap := coordinator.Snapshot{
		QueueLength: 1, QueueCapacity: 5, PoolSize: 1, Available: true,
		Workers: []pool.WorkerInfo{{Slot: 0, Incarnation: 2, PID: 321, State: "busy", Messages: 4, TaskID: "0123456789"}},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stats", r.URL.Path)
		_ = json.NewEncoder(w).Encode(snap)
	}))
	defer ts.Close()

	m := NewMonitor(ts.URL + "/")
	msg := m.fetchStats()
	require.IsType(t, snapshotMsg{}, msg)

	next, _ := m.Update(msg)
	model := next.(Model)
	assert.Equal(t, 5, model.snapshot.QueueCapacity)
	rows := model.workerTable.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"0", "busy", "321", "2", "4", "01234567"}, []string(rows[0]))
}

func TestFetchStatsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	m := NewMonitor(ts.URL)
	msg := m.fetchStats()
	require.IsType(t, errMsg{}, msg)

	next, _ := m.Update(msg)
	assert.Error(t, next.(Model).lastErr)
}

func TestViewRenders(t *testing.T) {
	m := NewMonitor("http://localhost")
	assert.Equal(t, "Initializing...", m.View())

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	view := next.View()
	assert.Contains(t, view, "Workers")
	assert.Contains(t, view, "No events yet...")
}

func TestFetchStatsSendsToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(coordinator.Snapshot{PoolSize: 3})
	}))
	defer ts.Close()

	require.IsType(t, errMsg{}, NewMonitor(ts.URL).fetchStats())
	require.IsType(t, snapshotMsg{}, NewMonitor(ts.URL).WithToken("s3cret").fetchStats())
}
