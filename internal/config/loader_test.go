package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/forkq/internal/protocol"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config keeps defaults",
			yaml: `
handlers:
  echo:
    module: echo
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Pool.Size != 1 {
					t.Errorf("pool.size default = %d, want 1", cfg.Pool.Size)
				}
				if cfg.Pool.MaxQueueLength != 20000 {
					t.Errorf("pool.max_queue_length default = %d, want 20000", cfg.Pool.MaxQueueLength)
				}
				if cfg.Pool.WorkerInactivityLimit != 3*time.Minute {
					t.Error("worker_inactivity_limit default not applied")
				}
				if cfg.Pool.WorkerInactivityCheckInterval != time.Minute {
					t.Error("worker_inactivity_check_interval default not applied")
				}
				if cfg.Pool.Codec != protocol.CodecJSON || cfg.Pool.Isolation != IsolationProcess {
					t.Error("codec/isolation defaults not applied")
				}
				if cfg.Handlers["echo"].Module != "echo" {
					t.Error("handler not parsed")
				}
			},
		},
		{
			name: "full pool section",
			yaml: `
service:
  log_level: debug
pool:
  size: 4
  max_queue_length: 100
  worker_inactivity_limit: 10s
  worker_inactivity_check_interval: 2s
  logging: true
  exit_on_stop: true
  prestart: true
  codec: msgpack
  isolation: inproc
  startup_timeout: 3s
  max_startup_retries: 5
  stop_grace_period: 1s
  on_startup:
    module: sqlite
    args:
      path: /tmp/kv.db
handlers:
  greet:
    text: 'hello {{.Payload.name}}'
  resize:
    module: resize.sh
    path: /opt/handlers
    config:
      quality: 80
api:
  enabled: true
  listen: 127.0.0.1:9090
  rate_limit: 5
  rate_burst: 10
`,
			checkFn: func(t *testing.T, cfg *Config) {
				p := cfg.Pool
				if p.Size != 4 || p.MaxQueueLength != 100 || !p.Logging || !p.ExitOnStop || !p.Prestart {
					t.Errorf("pool not parsed: %+v", p)
				}
				if p.WorkerInactivityLimit != 10*time.Second || p.WorkerInactivityCheckInterval != 2*time.Second {
					t.Error("pool durations not parsed")
				}
				if p.OnStartup == nil || p.OnStartup.Module != "sqlite" || p.OnStartup.Args["path"] != "/tmp/kv.db" {
					t.Errorf("on_startup not parsed: %+v", p.OnStartup)
				}
				if cfg.Handlers["resize"].Config["quality"] != 80 {
					t.Error("handler config not parsed")
				}
				if cfg.API.RateLimit != 5 || cfg.API.RateBurst != 10 {
					t.Error("api rate limit not parsed")
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
handlers:
  resize:
    module: resize.sh
    path: ${FORKQ_TEST_HANDLER_DIR}
`,
			env: map[string]string{"FORKQ_TEST_HANDLER_DIR": "/srv/handlers"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Handlers["resize"].Path != "/srv/handlers" {
					t.Errorf("path = %q", cfg.Handlers["resize"].Path)
				}
			},
		},
		{
			name: "unresolved env var",
			yaml: `
handlers:
  resize:
    module: resize.sh
    path: ${FORKQ_TEST_UNSET_DIR}
`,
			wantErr: "FORKQ_TEST_UNSET_DIR",
		},
		{
			name:    "zero pool size",
			yaml:    "pool:\n  size: 0\n",
			wantErr: "pool.size",
		},
		{
			name:    "negative queue length",
			yaml:    "pool:\n  max_queue_length: -1\n",
			wantErr: "max_queue_length",
		},
		{
			name:    "unknown codec",
			yaml:    "pool:\n  codec: xml\n",
			wantErr: "pool.codec",
		},
		{
			name:    "unknown isolation",
			yaml:    "pool:\n  isolation: thread\n",
			wantErr: "pool.isolation",
		},
		{
			name:    "reserved handler type",
			yaml:    "handlers:\n  terminate:\n    module: echo\n",
			wantErr: "reserved",
		},
		{
			name:    "empty handler",
			yaml:    "handlers:\n  echo: {}\n",
			wantErr: "module or text is required",
		},
		{
			name:    "module and text",
			yaml:    "handlers:\n  echo:\n    module: echo\n    text: hi\n",
			wantErr: "mutually exclusive",
		},
		{
			name:    "on_startup without module",
			yaml:    "pool:\n  on_startup:\n    args: {a: 1}\n",
			wantErr: "on_startup.module",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "log_level",
		},
		{
			name: "schedules, webhooks and tokens",
			yaml: `
handlers:
  echo:
    module: echo
state:
  retention: 24h
api:
  enabled: true
  tokens:
    - token: ${FORKQ_TEST_TOKEN}
      scopes: [tasks:rw]
webhooks:
  listen: 127.0.0.1:9090
  endpoints:
    - path: /hooks/echo
      type: echo
      secret: ${FORKQ_TEST_SECRET}
      signature_header: X-Hub-Signature-256
schedules:
  - name: heartbeat
    type: echo
    every: 30s
    jitter: 5s
    payload: {beat: true}
`,
			env: map[string]string{"FORKQ_TEST_TOKEN": "tok", "FORKQ_TEST_SECRET": "shh"},
			checkFn: func(t *testing.T, cfg *Config) {
				if len(cfg.Schedules) != 1 || cfg.Schedules[0].Every != 30*time.Second {
					t.Errorf("schedules = %+v", cfg.Schedules)
				}
				if cfg.Webhooks == nil || cfg.Webhooks.Endpoints[0].Secret != "shh" {
					t.Errorf("webhooks = %+v", cfg.Webhooks)
				}
				if cfg.API.Tokens[0].Token != "tok" {
					t.Errorf("api token = %q, want tok", cfg.API.Tokens[0].Token)
				}
				if cfg.State.Retention != 24*time.Hour {
					t.Errorf("state.retention = %v", cfg.State.Retention)
				}
				if cfg.Service.TickInterval != time.Second {
					t.Errorf("service.tick_interval default = %v, want 1s", cfg.Service.TickInterval)
				}
			},
		},
		{
			name:    "schedule for unknown type",
			yaml:    "handlers:\n  echo:\n    module: echo\nschedules:\n  - {name: a, type: nope, every: 1s}\n",
			wantErr: "not a registered handler",
		},
		{
			name:    "schedule without interval",
			yaml:    "handlers:\n  echo:\n    module: echo\nschedules:\n  - {name: a, type: echo}\n",
			wantErr: "every must be positive",
		},
		{
			name:    "duplicate schedule names",
			yaml:    "handlers:\n  echo:\n    module: echo\nschedules:\n  - {name: a, type: echo, every: 1s}\n  - {name: a, type: echo, every: 2s}\n",
			wantErr: "duplicate name",
		},
		{
			name:    "webhook with unset secret",
			yaml:    "handlers:\n  echo:\n    module: echo\nwebhooks:\n  listen: :9090\n  endpoints:\n    - {path: /h, type: echo, secret: \"${FORKQ_UNSET_SECRET}\", signature_header: X-Sig}\n",
			wantErr: "FORKQ_UNSET_SECRET",
		},
		{
			name:    "webhook path without slash",
			yaml:    "handlers:\n  echo:\n    module: echo\nwebhooks:\n  listen: :9090\n  endpoints:\n    - {path: h, type: echo, secret: s, signature_header: X-Sig}\n",
			wantErr: "must start with /",
		},
		{
			name:    "token without scopes",
			yaml:    "api:\n  enabled: true\n  tokens:\n    - token: abc\n",
			wantErr: "scope is required",
		},
		{
			name:    "invalid yaml",
			yaml:    "pool: [",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryAndMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "config.yaml not found") {
		t.Fatalf("expected config.yaml not found, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("pool:\n  size: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir): %v", err)
	}
	if cfg.Pool.Size != 2 {
		t.Fatalf("pool.size = %d", cfg.Pool.Size)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	write("config.yaml", "include: [handlers/a.yaml]\nhandlers:\n  echo:\n    module: echo\n")
	write("handlers/a.yaml", "include: [b.yaml]\nhandlers:\n  sleep:\n    module: sleep\n")
	write("handlers/b.yaml", "handlers:\n  kv:\n    module: kv\n")

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := strings.Join(HandlerTypes(cfg), ",")
	if got != "echo,kv,sleep" {
		t.Fatalf("handler types = %s", got)
	}
	if len(cfg.SourceFiles) != 3 {
		t.Fatalf("source files = %v", cfg.SourceFiles)
	}

	write("dup.yaml", "include: [handlers/b.yaml, handlers/b2.yaml]\n")
	write("handlers/b2.yaml", "handlers:\n  kv:\n    module: kv\n")
	if _, err := Load(filepath.Join(dir, "dup.yaml")); err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("expected duplicate handler error, got %v", err)
	}

	write("cycle.yaml", "include: [cycle.yaml]\n")
	if _, err := Load(filepath.Join(dir, "cycle.yaml")); err == nil || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("expected circular include error, got %v", err)
	}

	write("missing.yaml", "include: [nope.yaml]\n")
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Fatalf("expected missing include error, got %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${FORKQ_TEST_HOME}/data",
			env:   map[string]string{"FORKQ_TEST_HOME": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "multiple vars",
			input: "${FORKQ_U}:${FORKQ_P}@${FORKQ_H}",
			env:   map[string]string{"FORKQ_U": "admin", "FORKQ_P": "secret", "FORKQ_H": "localhost"},
			want:  "admin:secret@localhost",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${FORKQ_UNDEFINED}",
			want:  "key: ${FORKQ_UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := interpolateEnv(tt.input); got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := map[string]protocol.HandlerRef{
		"echo":  {Module: "echo"},
		"greet": {Text: "hi", Config: map[string]any{"b": 1, "a": 2}},
	}
	b := map[string]protocol.HandlerRef{
		"greet": {Text: "hi", Config: map[string]any{"a": 2, "b": 1}},
		"echo":  {Module: "echo"},
	}

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, _ := Fingerprint(b)
	if fa != fb {
		t.Fatalf("fingerprint depends on map order: %s vs %s", fa, fb)
	}
	if len(fa) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(fa))
	}

	b["echo"] = protocol.HandlerRef{Module: "echo2"}
	fc, _ := Fingerprint(b)
	if fc == fa {
		t.Fatal("fingerprint should change with the registry")
	}

	empty, err := Fingerprint(nil)
	if err != nil || empty == "" {
		t.Fatalf("Fingerprint(nil) = %q, %v", empty, err)
	}
}

func TestComputeBlake3Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  size: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	h1, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("pool:\n  size: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}
	h2, _ := ComputeBlake3Hash(path)
	if h1 == h2 {
		t.Fatal("hash should change with content")
	}
	if _, err := ComputeBlake3Hash(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLockPath(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(c *Config)
		want string
	}{
		{
			name: "explicit",
			cfg:  func(c *Config) { c.Service.PIDFile = "/run/forkq/forkq.pid" },
			want: "/run/forkq/forkq.pid",
		},
		{
			name: "next to task log",
			cfg:  func(c *Config) { c.State.Path = "/var/lib/forkq/tasks.db" },
			want: "/var/lib/forkq/forkq.lock",
		},
		{
			name: "temp dir",
			cfg:  func(c *Config) { c.Service.Name = "imgq" },
			want: filepath.Join(os.TempDir(), "imgq.lock"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.cfg(cfg)
			if got := cfg.LockPath(); got != tt.want {
				t.Errorf("LockPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
