package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/forkq/internal/protocol"
)

// Config represents the complete forkq configuration.
type Config struct {
	Include  []string                       `yaml:"include,omitempty"`
	Service  ServiceConfig                  `yaml:"service"`
	Pool     PoolConfig                     `yaml:"pool"`
	Handlers map[string]protocol.HandlerRef `yaml:"handlers"`
	State    StateConfig                    `yaml:"state"`
	API      APIConfig                      `yaml:"api,omitempty"`
	Webhooks *WebhooksConfig                `yaml:"webhooks,omitempty"`
	// Schedules enqueue a task type on a fixed interval.
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`

	// SourceFiles lists the files the configuration was assembled from.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// PIDFile guards against two coordinators sharing one configuration.
	// Empty derives a path from state.path or the temp directory.
	PIDFile string `yaml:"pid_file,omitempty"`
	// TickInterval is how often the scheduler checks schedules and prunes the task log.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// PoolConfig defines the worker pool and its queue.
type PoolConfig struct {
	Size                          int               `yaml:"size"`
	MaxQueueLength                int               `yaml:"max_queue_length"`
	WorkerInactivityLimit         time.Duration     `yaml:"worker_inactivity_limit"`
	WorkerInactivityCheckInterval time.Duration     `yaml:"worker_inactivity_check_interval"`
	Logging                       bool              `yaml:"logging"`
	ExitOnStop                    bool              `yaml:"exit_on_stop"`
	Prestart                      bool              `yaml:"prestart"`
	Isolation                     string            `yaml:"isolation"` // process | inproc
	Codec                         string            `yaml:"codec"`     // json | msgpack
	WorkerCommand                 []string          `yaml:"worker_command,omitempty"`
	StartupTimeout                time.Duration     `yaml:"startup_timeout"`
	MaxStartupRetries             int               `yaml:"max_startup_retries"`
	StopGracePeriod               time.Duration     `yaml:"stop_grace_period"`
	OnStartup                     *protocol.Startup `yaml:"on_startup,omitempty"`
}

// Isolation modes.
const (
	IsolationProcess = "process"
	IsolationInproc  = "inproc"
)

// StateConfig defines the optional task log.
type StateConfig struct {
	Path string `yaml:"path"`
	// Retention prunes task log entries older than this; 0 keeps everything.
	Retention time.Duration `yaml:"retention,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"`
	RateLimit   float64       `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst   int           `yaml:"rate_burst"`
	CORSOrigins []string      `yaml:"cors_origins,omitempty"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`
	// Tokens enables bearer authentication; empty leaves the API open.
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig is an API bearer token and the scopes it grants.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines the signed webhook listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint maps a signed POST path to a task type.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Type            string `yaml:"type"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"` // e.g. "512KB", "1MB"
}

// ScheduleConfig enqueues Type every Every plus up to Jitter.
type ScheduleConfig struct {
	Name    string         `yaml:"name"`
	Type    string         `yaml:"type"`
	Every   time.Duration  `yaml:"every"`
	Jitter  time.Duration  `yaml:"jitter,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
	// MaxOutstanding caps queued or running tasks from this schedule; 0 means 1.
	MaxOutstanding int `yaml:"max_outstanding,omitempty"`
}

// LockPath returns the PID lock file for cfg.
func (c *Config) LockPath() string {
	if c.Service.PIDFile != "" {
		return c.Service.PIDFile
	}
	if c.State.Path != "" && c.State.Path != ":memory:" {
		return filepath.Join(filepath.Dir(c.State.Path), c.Service.Name+".lock")
	}
	return filepath.Join(os.TempDir(), c.Service.Name+".lock")
}

// Defaults returns a Config with the stock pool settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "forkq",
			LogLevel:     "info",
			LogFormat:    "json",
			TickInterval: time.Second,
		},
		Pool: PoolConfig{
			Size:                          1,
			MaxQueueLength:                20000,
			WorkerInactivityLimit:         3 * time.Minute,
			WorkerInactivityCheckInterval: time.Minute,
			Isolation:                     IsolationProcess,
			Codec:                         protocol.CodecJSON,
			StartupTimeout:                30 * time.Second,
			MaxStartupRetries:             3,
			StopGracePeriod:               5 * time.Second,
		},
		Handlers: make(map[string]protocol.HandlerRef),
		API: APIConfig{
			Enabled:     false,
			Listen:      "127.0.0.1:8080",
			RateBurst:   20,
			SyncTimeout: 5 * time.Minute,
		},
	}
}
