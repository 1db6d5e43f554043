package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/forkq/internal/protocol"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file. Files listed under include contribute
// additional handler registrations; a type may be registered only once.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg := Defaults()
	if err := decodeFile(absPath, cfg); err != nil {
		return nil, err
	}
	if cfg.Handlers == nil {
		cfg.Handlers = make(map[string]protocol.HandlerRef)
	}
	cfg.SourceFiles = []string{absPath}

	visited := map[string]bool{absPath: true}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// handlerFile is the shape of an included file.
type handlerFile struct {
	Include  []string                       `yaml:"include,omitempty"`
	Handlers map[string]protocol.HandlerRef `yaml:"handlers"`
}

func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		var inc handlerFile
		if err := decodeFile(absPath, &inc); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		for name, ref := range inc.Handlers {
			if _, dup := cfg.Handlers[name]; dup {
				return fmt.Errorf("include[%d] (%s): handler %q is already registered", i, includePath, name)
			}
			cfg.Handlers[name] = ref
		}
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		if err := loadIncludes(cfg, inc.Include, filepath.Dir(absPath), visited); err != nil {
			return err
		}
	}
	return nil
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), out); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks a configuration assembled in code or by Load.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "" && f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	p := cfg.Pool
	if p.Size < 1 {
		return fmt.Errorf("pool.size must be at least 1 (got %d)", p.Size)
	}
	if p.MaxQueueLength < 0 {
		return fmt.Errorf("pool.max_queue_length must not be negative (got %d)", p.MaxQueueLength)
	}
	if p.WorkerInactivityLimit <= 0 {
		return fmt.Errorf("pool.worker_inactivity_limit must be positive")
	}
	if p.WorkerInactivityCheckInterval <= 0 {
		return fmt.Errorf("pool.worker_inactivity_check_interval must be positive")
	}
	if p.StartupTimeout <= 0 {
		return fmt.Errorf("pool.startup_timeout must be positive")
	}
	if p.MaxStartupRetries < 0 {
		return fmt.Errorf("pool.max_startup_retries must not be negative")
	}
	if p.StopGracePeriod < 0 {
		return fmt.Errorf("pool.stop_grace_period must not be negative")
	}
	if p.Isolation != IsolationProcess && p.Isolation != IsolationInproc {
		return fmt.Errorf("pool.isolation must be %s or %s (got %q)", IsolationProcess, IsolationInproc, p.Isolation)
	}
	if _, err := protocol.GetCodec(p.Codec); err != nil {
		return fmt.Errorf("pool.codec: %w", err)
	}
	if p.OnStartup != nil && p.OnStartup.Module == "" {
		return fmt.Errorf("pool.on_startup.module is required when on_startup is set")
	}

	for _, name := range HandlerTypes(cfg) {
		ref := cfg.Handlers[name]
		if name == "" {
			return fmt.Errorf("handlers: empty type name")
		}
		if protocol.IsReserved(name) {
			return fmt.Errorf("handler %q: type name is reserved", name)
		}
		if ref.Module == "" && ref.Text == "" {
			return fmt.Errorf("handler %q: module or text is required", name)
		}
		if ref.Module != "" && ref.Text != "" {
			return fmt.Errorf("handler %q: module and text are mutually exclusive", name)
		}
		if m := envVarPattern.FindStringSubmatch(ref.Module + ref.Path); len(m) > 1 {
			return fmt.Errorf("handler %q: environment variable ${%s} is not set", name, m[1])
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if cfg.API.RateLimit < 0 {
			return fmt.Errorf("api.rate_limit must not be negative")
		}
		if cfg.API.SyncTimeout <= 0 {
			return fmt.Errorf("api.sync_timeout must be positive")
		}
		if cfg.API.RateLimit > 0 && cfg.API.RateBurst < 1 {
			return fmt.Errorf("api.rate_burst must be at least 1 when rate_limit is set")
		}
		for i, tok := range cfg.API.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.tokens[%d]: token is empty", i)
			}
			if m := envVarPattern.FindStringSubmatch(tok.Token); len(m) > 1 {
				return fmt.Errorf("api.tokens[%d]: environment variable ${%s} is not set", i, m[1])
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.tokens[%d]: at least one scope is required", i)
			}
		}
	}

	if cfg.State.Retention < 0 {
		return fmt.Errorf("state.retention must not be negative")
	}
	if err := validateWebhooks(cfg); err != nil {
		return err
	}
	return validateSchedules(cfg)
}

func validateWebhooks(cfg *Config) error {
	wc := cfg.Webhooks
	if wc == nil {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required")
	}
	seen := make(map[string]bool, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("webhooks.endpoints[%d]: path must start with / (got %q)", i, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("webhooks.endpoints[%d]: duplicate path %q", i, ep.Path)
		}
		seen[ep.Path] = true
		if _, ok := cfg.Handlers[ep.Type]; !ok {
			return fmt.Errorf("webhooks.endpoints[%d]: type %q is not a registered handler", i, ep.Type)
		}
		if ep.Secret == "" {
			return fmt.Errorf("webhooks.endpoints[%d]: secret is required", i)
		}
		if m := envVarPattern.FindStringSubmatch(ep.Secret); len(m) > 1 {
			return fmt.Errorf("webhooks.endpoints[%d]: environment variable ${%s} is not set", i, m[1])
		}
		if ep.SignatureHeader == "" {
			return fmt.Errorf("webhooks.endpoints[%d]: signature_header is required", i)
		}
	}
	return nil
}

func validateSchedules(cfg *Config) error {
	if len(cfg.Schedules) > 0 && cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive when schedules are set")
	}
	seen := make(map[string]bool, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		if sc.Name == "" {
			return fmt.Errorf("schedules[%d]: name is required", i)
		}
		if seen[sc.Name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, sc.Name)
		}
		seen[sc.Name] = true
		if _, ok := cfg.Handlers[sc.Type]; !ok {
			return fmt.Errorf("schedule %q: type %q is not a registered handler", sc.Name, sc.Type)
		}
		if sc.Every <= 0 {
			return fmt.Errorf("schedule %q: every must be positive", sc.Name)
		}
		if sc.Jitter < 0 {
			return fmt.Errorf("schedule %q: jitter must not be negative", sc.Name)
		}
		if sc.MaxOutstanding < 0 {
			return fmt.Errorf("schedule %q: max_outstanding must not be negative", sc.Name)
		}
	}
	return nil
}

// HandlerTypes returns the registered task types, sorted.
func HandlerTypes(cfg *Config) []string {
	names := make([]string, 0, len(cfg.Handlers))
	for name := range cfg.Handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
