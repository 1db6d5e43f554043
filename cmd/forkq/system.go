package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/forkq/internal/api"
	"github.com/mattjoyce/forkq/internal/config"
	"github.com/mattjoyce/forkq/internal/coordinator"
	"github.com/mattjoyce/forkq/internal/events"
	"github.com/mattjoyce/forkq/internal/handlers"
	"github.com/mattjoyce/forkq/internal/lock"
	"github.com/mattjoyce/forkq/internal/log"
	"github.com/mattjoyce/forkq/internal/metrics"
	"github.com/mattjoyce/forkq/internal/scheduler"
	"github.com/mattjoyce/forkq/internal/tasklog"
	"github.com/mattjoyce/forkq/internal/webhook"
	"github.com/mattjoyce/forkq/internal/worker"
)

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		return runStart(actionArgs)
	case "status":
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: forkq system <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: start, status")
}

// runWorker is the entry point of every spawned worker process.
func runWorker(args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: forkq worker (spawned by the coordinator; speaks the worker protocol on stdin/stdout)")
		return 2
	}
	return worker.Main(context.Background(), handlers.Registry(), os.Stdin, os.Stdout, os.Stderr)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	stopTimeout := fs.Duration("stop-timeout", 30*time.Second, "How long in-flight tasks may run after a stop signal")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWriter(os.Stdout, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("forkq starting", "version", version, "config", cfg.SourceFiles[0])

	pidLock, err := lock.AcquirePIDLock(cfg.LockPath())
	if err != nil {
		logger.Error("failed to acquire PID lock (another coordinator may be running)", "path", cfg.LockPath(), "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(0)
	prom := metrics.NewPrometheus("")
	opts := []coordinator.Option{
		coordinator.WithEvents(hub),
		coordinator.WithMetrics(prom),
		// Stop returns control here so deferred cleanup runs before exit.
		coordinator.WithExit(func(int) {}),
	}

	var (
		tasks  api.TaskLog
		pruner scheduler.Pruner
	)
	if cfg.State.Path != "" {
		store, err := tasklog.Open(ctx, cfg.State.Path)
		if err != nil {
			logger.Error("failed to open task log", "path", cfg.State.Path, "error", err)
			return 1
		}
		defer store.Close()
		opts = append(opts, coordinator.WithTaskLog(store))
		tasks = store
		pruner = store
		logger.Info("task log opened", "path", cfg.State.Path)
	}

	spawner, err := coordinator.NewSpawner(cfg, handlers.Registry())
	if err != nil {
		logger.Error("failed to configure workers", "error", err)
		return 1
	}
	coord, err := coordinator.New(cfg, spawner, opts...)
	if err != nil {
		logger.Error("failed to build coordinator", "error", err)
		return 1
	}
	if err := coord.Start(ctx); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:      cfg.API.Listen,
			RateLimit:   cfg.API.RateLimit,
			RateBurst:   cfg.API.RateBurst,
			CORSOrigins: cfg.API.CORSOrigins,
			SyncTimeout: cfg.API.SyncTimeout,
			Tokens:      cfg.API.Tokens,
		}, coord, tasks, hub, prom.Registry(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen, "auth", len(cfg.API.Tokens) > 0)
	}

	if cfg.Webhooks != nil {
		whCfg, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("invalid webhook configuration", "error", err)
			return 1
		}
		whServer := webhook.New(whCfg, coord, log.WithComponent("webhook"))
		go func() {
			if err := whServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
	}

	if scheduler.Enabled(cfg) {
		sched := scheduler.New(cfg, coord, pruner, hub, log.Get())
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			return 1
		}
		defer sched.Stop()
	}

	logger.Info("forkq running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), *stopTimeout)
	defer stopCancel()
	if err := coord.Stop(stopCtx); err != nil {
		logger.Warn("workers did not stop in time", "error", err)
	}
	logger.Info("forkq stopped")
	return code
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	pid, running, err := lock.Holder(cfg.LockPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read lock %s: %v\n", cfg.LockPath(), err)
		return 1
	}
	if !running {
		fmt.Printf("Coordinator: stopped (lock %s)\n", cfg.LockPath())
		return 3
	}
	fmt.Printf("Coordinator: running (pid %d)\n", pid)

	if !cfg.API.Enabled {
		return 0
	}
	var health api.HealthzResponse
	status, err := getJSON(apiURL(cfg.API.Listen)+"/healthz", &health)
	if err != nil {
		fmt.Printf("API: unreachable (%v)\n", err)
		return 1
	}
	fmt.Printf("API: %s (queue %d, busy %d/%d, uptime %s)\n",
		health.Status, health.QueueLength, health.BusyWorkers, health.PoolSize,
		time.Duration(health.UptimeSeconds)*time.Second)
	if status != http.StatusOK {
		return 1
	}
	return 0
}
