package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"omniclaw/internal/adapter/store"
	"omniclaw/internal/infra/config"
	"omniclaw/internal/infra/logger"
	"omniclaw/internal/infra/tracer"
	"omniclaw/internal/usecase/eventbus"
	"omniclaw/internal/usecase/ipc"
	"omniclaw/internal/usecase/orchestrator"
	"omniclaw/internal/usecase/runner"
	"omniclaw/internal/usecase/scheduling"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "version":
		fmt.Println("omniclaw", version)
	case "check":
		if err := runCheck(); err != nil {
			fmt.Fprintf(os.Stderr, "check: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'omniclaw --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`omniclaw - chat-to-agent orchestrator

USAGE:
    omniclaw [COMMAND] [FLAGS]

COMMANDS:
    check       Load config, initialize backends and report what is usable
    version     Print the version

    (no command) - Run the orchestrator until SIGINT/SIGTERM

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: OMNICLAW_* variables override config`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("OMNICLAW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Store
	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	// 4. Backends
	backends, err := buildBackends(cfg, log)
	if err != nil {
		return fmt.Errorf("backends: %w", err)
	}
	if err := backends.Initialize(ctx); err != nil {
		return fmt.Errorf("backends: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := backends.Shutdown(shutdownCtx); err != nil {
			log.Error("backend shutdown error", "error", err)
		}
	}()

	// 5. Channels
	channels, err := buildChannels(cfg, log)
	if err != nil {
		return fmt.Errorf("channels: %w", err)
	}

	// 6. Event bus & scheduler
	bus := eventbus.New(log)
	defer bus.Close()
	unsubscribe := eventbus.LogEvents(bus, log)
	defer unsubscribe()

	var sched *scheduling.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduling.NewScheduler(log)
	}

	// 7. Orchestrator
	orch, err := orchestrator.New(orchestrator.Config{
		AssistantName:   cfg.AssistantName,
		SendRate:        cfg.Orchestrator.SendRate,
		SendBurst:       cfg.Orchestrator.SendBurst,
		FailureNotice:   cfg.Orchestrator.FailureNotice,
		CloseAfter:      cfg.Orchestrator.CloseAfter,
		ContextMessages: cfg.Orchestrator.ContextMessages,
		IPC:             ipc.Layout{Root: cfg.IPCRoot()},
		IPCPollInterval: cfg.IPC.PollInterval,
		IPCMaxFileBytes: cfg.IPC.MaxFileBytes,
	}, orchestrator.Deps{
		Groups:    db,
		Sessions:  db,
		Runs:      db,
		Backends:  backends,
		Channels:  channels,
		Bus:       bus,
		Live:      runner.NewRegistry(log),
		Scheduler: sched,
	}, log)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	for _, g := range cfg.Groups {
		if err := orch.RegisterGroup(ctx, g.Registered()); err != nil {
			return fmt.Errorf("register group %s: %w", g.Folder, err)
		}
	}

	// 8. Start
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orch.Stop(stopCtx); err != nil {
			log.Error("orchestrator stop error", "error", err)
		}
	}()

	if sched != nil {
		if err := addScheduledTasks(sched, cfg.Scheduler.Tasks); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer sched.Stop()
	}

	log.Info("omniclaw starting",
		"version", version,
		"default_backend", cfg.Backends.Default,
		"backends", strings.Join(backends.Names(), ","),
		"channels", len(channels),
		"groups", len(cfg.Groups),
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func addScheduledTasks(sched *scheduling.Scheduler, tasks []config.ScheduledTaskConfig) error {
	for _, t := range tasks {
		if err := sched.AddTask(scheduling.ScheduledTask{
			Name:     t.Name,
			Schedule: t.Schedule,
			Group:    t.Group,
			Prompt:   t.Prompt,
			OneShot:  t.OneShot,
		}); err != nil {
			return err
		}
	}
	return nil
}
