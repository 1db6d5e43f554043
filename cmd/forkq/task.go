package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/mattjoyce/forkq/internal/api"
	"github.com/mattjoyce/forkq/internal/config"
	"github.com/mattjoyce/forkq/internal/coordinator"
	"github.com/mattjoyce/forkq/internal/handlers"
	"github.com/mattjoyce/forkq/internal/inspect"
	"github.com/mattjoyce/forkq/internal/log"
	"github.com/mattjoyce/forkq/internal/tasklog"
)

func runTaskNoun(args []string) int {
	if len(args) < 1 {
		printTaskNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTaskNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "run":
		return runTaskRun(actionArgs)
	case "submit":
		return runTaskSubmit(actionArgs)
	case "get":
		return runTaskGet(actionArgs)
	case "list":
		return runTaskList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func printTaskNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: forkq task <action> [flags]")
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  run <type> [--payload JSON] [--config PATH]")
	fmt.Fprintln(w, "  submit <type> [--payload JSON] [--async] [--api-url URL]")
	fmt.Fprintln(w, "  get <id> [--json] [--config PATH]")
	fmt.Fprintln(w, "  list [--limit N] [--config PATH]")
}

func parsePayload(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

// runTaskRun starts a pool from the configuration, runs one task on it, and
// stops the pool again.
func runTaskRun(args []string) int {
	taskType, rest := splitPositional(args)
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	payloadRaw := fs.String("payload", "", "Task payload as a JSON object")
	timeout := fs.Duration("timeout", 5*time.Minute, "How long to wait for the response")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if taskType == "" {
		fmt.Fprintln(os.Stderr, "Usage: forkq task run <type> [--payload JSON]")
		return 1
	}
	payload, err := parsePayload(*payloadRaw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	cfg.Pool.ExitOnStop = false
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	var opts []coordinator.Option
	if cfg.State.Path != "" {
		store, err := tasklog.Open(ctx, cfg.State.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open task log: %v\n", err)
			return 1
		}
		defer store.Close()
		opts = append(opts, coordinator.WithTaskLog(store))
	}

	spawner, err := coordinator.NewSpawner(cfg, handlers.Registry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure workers: %v\n", err)
		return 1
	}
	coord, err := coordinator.New(cfg, spawner, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build coordinator: %v\n", err)
		return 1
	}
	if err := coord.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start coordinator: %v\n", err)
		return 1
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.StopGracePeriod+time.Second)
		defer cancel()
		_ = coord.Stop(stopCtx)
	}()

	runCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	resp, err := coord.Submit(runCtx, taskType, payload)
	if resp == nil {
		fmt.Fprintf(os.Stderr, "Task not run: %v\n", err)
		return 1
	}

	out := map[string]any{
		"task_id":     resp.TaskID,
		"type":        resp.Type,
		"status":      resp.Status(),
		"worker_id":   resp.WorkerID,
		"duration_ms": resp.Duration().Milliseconds(),
	}
	if resp.Result != nil {
		out["result"] = resp.Result
	}
	if err != nil {
		out["error"] = err.Error()
	}
	if code := printJSON(out); code != 0 {
		return code
	}
	if err != nil {
		return 1
	}
	return 0
}

func runTaskSubmit(args []string) int {
	taskType, rest := splitPositional(args)
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	base := fs.String("api-url", os.Getenv(EnvAPIURL), "Coordinator API URL (default derived from --config)")
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	payloadRaw := fs.String("payload", "", "Task payload as a JSON object")
	async := fs.Bool("async", false, "Return once the task is queued")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if taskType == "" {
		fmt.Fprintln(os.Stderr, "Usage: forkq task submit <type> [--payload JSON] [--async]")
		return 1
	}
	payload, err := parsePayload(*payloadRaw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	baseURL, err := resolveAPIURL(*base, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	target := baseURL + "/tasks/" + url.PathEscape(taskType)
	if *async {
		target += "?async=true"
	}
	status, body, err := postJSON(target, api.SubmitRequest{Payload: payload})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}
	fmt.Println(indentJSON(body))
	if status != http.StatusOK && status != http.StatusAccepted {
		return 1
	}
	return 0
}

func runTaskGet(args []string) int {
	taskID, rest := splitPositional(args)
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if taskID == "" {
		fmt.Fprintln(os.Stderr, "Usage: forkq task get <id> [--json]")
		return 1
	}

	store, code := openTaskLog(*configPath)
	if store == nil {
		return code
	}
	defer store.Close()

	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	out, err := build(context.Background(), store, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build report: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runTaskList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of tasks to show")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	store, code := openTaskLog(*configPath)
	if store == nil {
		return code
	}
	defer store.Close()

	out, err := inspect.BuildRecent(context.Background(), store, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func openTaskLog(configPath string) (*tasklog.Store, int) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, 1
	}
	if cfg.State.Path == "" {
		fmt.Fprintln(os.Stderr, "No task log configured (state.path is empty)")
		return nil, 1
	}
	store, err := tasklog.Open(context.Background(), cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open task log: %v\n", err)
		return nil, 1
	}
	return store, 0
}

// resolveAPIURL prefers an explicit URL and falls back to api.listen.
func resolveAPIURL(explicit, configPath string) (string, error) {
	if explicit != "" {
		return trimSlash(explicit), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("no --api-url given and config unavailable: %w", err)
	}
	if !cfg.API.Enabled {
		return "", fmt.Errorf("API is disabled in %s; pass --api-url", cfg.SourceFiles[0])
	}
	return apiURL(cfg.API.Listen), nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
