// Package doctor checks a forkq configuration against the handler modules
// compiled into the worker binary.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/mattjoyce/forkq/internal/config"
	"github.com/mattjoyce/forkq/internal/worker"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Doctor validates configuration against a worker registry.
type Doctor struct {
	cfg      *config.Config
	registry *worker.Registry
	// lookPath resolves worker_command[0].
	lookPath func(string) (string, error)
	numCPU   int
}

// New creates a Doctor from a loaded config and the registry workers run with.
func New(cfg *config.Config, registry *worker.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry, lookPath: exec.LookPath, numCPU: runtime.NumCPU()}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateHandlers(r)
	d.validateStartup(r)
	d.validateWorkerCommand(r)
	d.warnPoolSettings(r)
	d.warnAPIExposure(r)
	d.validateScheduling(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateHandlers builds every registered handler the way a worker would.
func (d *Doctor) validateHandlers(r *Result) {
	if len(d.cfg.Handlers) == 0 {
		d.addWarning(r, "handlers", "handlers", "no handlers registered; every task will fail to resolve")
		return
	}
	dir := d.configDir()
	for _, name := range config.HandlerTypes(d.cfg) {
		if _, err := d.registry.Resolve(d.cfg.Handlers[name], dir); err != nil {
			d.addError(r, "handlers", "handlers."+name, err.Error())
		}
	}
}

func (d *Doctor) validateStartup(r *Result) {
	s := d.cfg.Pool.OnStartup
	if s == nil {
		return
	}
	if _, ok := d.registry.Startup(s.Module); !ok {
		d.addError(r, "startup", "pool.on_startup.module",
			fmt.Sprintf("startup module %q is not registered (known: %s)", s.Module, strings.Join(d.startupNames(), ", ")))
	}
}

func (d *Doctor) validateWorkerCommand(r *Result) {
	cmd := d.cfg.Pool.WorkerCommand
	if len(cmd) == 0 || d.cfg.Pool.Isolation == config.IsolationInproc {
		return
	}
	if _, err := d.lookPath(cmd[0]); err != nil {
		d.addError(r, "pool", "pool.worker_command", fmt.Sprintf("worker command %q not found: %v", cmd[0], err))
	}
}

func (d *Doctor) warnPoolSettings(r *Result) {
	p := d.cfg.Pool
	if p.Size > d.numCPU {
		d.addWarning(r, "pool", "pool.size",
			fmt.Sprintf("pool size %d exceeds %d CPUs", p.Size, d.numCPU))
	}
	if p.MaxQueueLength == 0 {
		d.addWarning(r, "pool", "pool.max_queue_length", "queue length 0 rejects every task")
	}
	if p.WorkerInactivityCheckInterval > p.WorkerInactivityLimit {
		d.addWarning(r, "pool", "pool.worker_inactivity_check_interval",
			"check interval is longer than the inactivity limit; idle workers retire late")
	}
	if p.Isolation == config.IsolationInproc {
		d.addWarning(r, "pool", "pool.isolation",
			"inproc workers share the coordinator's address space; a stuck handler cannot be killed")
	}
	if p.MaxStartupRetries == 0 {
		d.addWarning(r, "pool", "pool.max_startup_retries", "a single failed startup disables a slot")
	}
}

func (d *Doctor) warnAPIExposure(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if host, _, err := net.SplitHostPort(api.Listen); err == nil {
		exposed := host == ""
		if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
			exposed = true
		}
		if exposed && api.RateLimit == 0 {
			d.addWarning(r, "api", "api.rate_limit",
				fmt.Sprintf("API listens on %s without a rate limit", api.Listen))
		}
		if exposed && len(api.Tokens) == 0 {
			d.addWarning(r, "api", "api.tokens",
				fmt.Sprintf("API listens on %s without authentication", api.Listen))
		}
	}
	if d.cfg.State.Path == "" {
		d.addWarning(r, "api", "state.path", "no task log configured; GET /tasks/{id} is disabled")
	}
}

func (d *Doctor) validateScheduling(r *Result) {
	if wh := d.cfg.Webhooks; wh != nil && d.cfg.API.Enabled && wh.Listen == d.cfg.API.Listen {
		d.addError(r, "webhooks", "webhooks.listen",
			fmt.Sprintf("webhooks and API both listen on %s", wh.Listen))
	}
	if d.cfg.State.Retention > 0 && d.cfg.State.Path == "" {
		d.addWarning(r, "state", "state.retention", "retention has no effect without state.path")
	}
	for i, sc := range d.cfg.Schedules {
		if sc.Every < d.cfg.Service.TickInterval {
			d.addWarning(r, "schedules", fmt.Sprintf("schedules[%d].every", i),
				fmt.Sprintf("schedule %q runs every %s but the scheduler ticks every %s", sc.Name, sc.Every, d.cfg.Service.TickInterval))
		}
	}
}

// warnMissingEnvVars warns about ${VAR} references left unresolved by the loader.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for _, name := range config.HandlerTypes(d.cfg) {
		ref := d.cfg.Handlers[name]
		for _, v := range unresolved(ref.Config) {
			d.addWarning(r, "env_vars", "handlers."+name+".config",
				fmt.Sprintf("environment variable ${%s} not set", v))
		}
	}
	if s := d.cfg.Pool.OnStartup; s != nil {
		for _, v := range unresolved(s.Args) {
			d.addWarning(r, "env_vars", "pool.on_startup.args",
				fmt.Sprintf("environment variable ${%s} not set", v))
		}
	}
}

func unresolved(m map[string]any) []string {
	var out []string
	for _, v := range m {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, match := range envVarRe.FindAllStringSubmatch(s, -1) {
			out = append(out, match[1])
		}
	}
	sort.Strings(out)
	return out
}

func (d *Doctor) configDir() string {
	if len(d.cfg.SourceFiles) == 0 {
		return "."
	}
	return filepath.Dir(d.cfg.SourceFiles[0])
}

func (d *Doctor) startupNames() []string {
	if names := d.registry.Startups(); len(names) > 0 {
		return names
	}
	return []string{"none"}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
