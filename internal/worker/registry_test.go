package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkq/internal/protocol"
)

func testEnv() *Env {
	return NewEnv(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRegistryResolve(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ok.sh", "cat >/dev/null\necho '{\"status\":\"ok\"}'\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.txt"), []byte("x"), 0o644))

	reg := NewRegistry()
	reg.Register("echo", func(protocol.HandlerRef) (Handler, error) {
		return HandlerFunc(func(context.Context, *Env, *Task) (map[string]any, error) { return nil, nil }), nil
	})

	tests := []struct {
		name    string
		ref     protocol.HandlerRef
		wantErr string
		check   func(t *testing.T, h Handler)
	}{
		{
			name: "registered module",
			ref:  protocol.HandlerRef{Module: "echo"},
		},
		{
			name: "inline text",
			ref:  protocol.HandlerRef{Text: "hi"},
			check: func(t *testing.T, h Handler) {
				_, ok := h.(*templateHandler)
				assert.True(t, ok)
			},
		},
		{
			name: "executable relative to worker dir",
			ref:  protocol.HandlerRef{Module: "ok.sh"},
			check: func(t *testing.T, h Handler) {
				eh, ok := h.(*execHandler)
				require.True(t, ok)
				assert.Equal(t, filepath.Join(dir, "ok.sh"), eh.path)
			},
		},
		{
			name: "executable relative to explicit path",
			ref:  protocol.HandlerRef{Module: "ok.sh", Path: dir},
		},
		{name: "empty ref", ref: protocol.HandlerRef{}, wantErr: "neither module nor text"},
		{name: "missing file", ref: protocol.HandlerRef{Module: "nope.sh"}, wantErr: "unable to load handler module"},
		{name: "not executable", ref: protocol.HandlerRef{Module: "plain.txt"}, wantErr: "not executable"},
		{name: "template syntax error", ref: protocol.HandlerRef{Text: "{{ .Payload"}, wantErr: "compile inline handler"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := reg.Resolve(tt.ref, dir)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, h)
			if tt.check != nil {
				tt.check(t, h)
			}
		})
	}

	assert.Equal(t, []string{"echo"}, reg.Modules())
}

func TestTemplateHandler(t *testing.T) {
	tests := []struct {
		name string
		text string
		want map[string]any
	}{
		{
			name: "json object output",
			text: `{"greeting": "hello {{.Payload.name}}", "worker": {{.WorkerID}}}`,
			want: map[string]any{"greeting": "hello ada", "worker": float64(2)},
		},
		{
			name: "plain text output",
			text: `{{upper .Payload.name}} via {{.Config.via}}`,
			want: map[string]any{"text": "ADA via cfg"},
		},
		{
			name: "json helper",
			text: `{"echo": {{json .Payload}}}`,
			want: map[string]any{"echo": map[string]any{"name": "ada"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := newTemplateHandler(protocol.HandlerRef{Text: tt.text, Config: map[string]any{"via": "cfg"}})
			require.NoError(t, err)
			got, err := h.Handle(context.Background(), testEnv(), &Task{
				ID: "t1", Type: "greet", WorkerID: 2, Payload: map[string]any{"name": "ada"},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecHandler(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		script  string
		want    map[string]any
		wantErr string
	}{
		{
			name:   "ok response",
			script: "read line\necho '{\"status\":\"ok\",\"result\":{\"seen\":true},\"logs\":[{\"level\":\"info\",\"message\":\"hi\"}]}'\n",
			want:   map[string]any{"seen": true},
		},
		{
			name:   "echoes request fields",
			script: "read line\ncase \"$line\" in *'\"task_id\":\"t1\"'*) echo '{\"status\":\"ok\",\"result\":{\"match\":1}}';; *) echo '{\"status\":\"ok\"}';; esac\n",
			want:   map[string]any{"match": float64(1)},
		},
		{
			name:    "error response",
			script:  "cat >/dev/null\necho '{\"status\":\"error\",\"error\":\"bad input\"}'\n",
			wantErr: "bad input",
		},
		{
			name:    "garbage output",
			script:  "cat >/dev/null\necho 'not json'\necho 'oops' >&2\n",
			wantErr: "stderr: oops",
		},
		{
			name:    "no output",
			script:  "cat >/dev/null\nexit 3\n",
			wantErr: "no output",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScript(t, dir, filepath.Base(t.Name())+string(rune('a'+i))+".sh", tt.script)
			h := newExecHandler(path, map[string]any{"k": "v"})

			got, err := h.Handle(context.Background(), testEnv(), &Task{ID: "t1", Type: "x", Payload: map[string]any{"a": 1}})
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

func TestExecHandlerCancellation(t *testing.T) {
	path := writeScript(t, t.TempDir(), "hang.sh", "trap '' TERM\nexec sleep 30\n")
	h := newExecHandler(path, nil)
	h.grace = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Handle(ctx, testEnv(), &Task{ID: "t1", Type: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnvStopHooksRunInReverse(t *testing.T) {
	env := testEnv()
	var order []int
	env.OnStop(func() error { order = append(order, 1); return nil })
	env.OnStop(func() error { panic("second") })
	env.OnStop(func() error { order = append(order, 3); return nil })

	err := env.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, []int{3, 1}, order)

	assert.NoError(t, env.Stop())
}
