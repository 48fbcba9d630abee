package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/draftvault/internal/api"
	"github.com/mattjoyce/draftvault/internal/audit"
	"github.com/mattjoyce/draftvault/internal/config"
	"github.com/mattjoyce/draftvault/internal/events"
	"github.com/mattjoyce/draftvault/internal/lock"
	"github.com/mattjoyce/draftvault/internal/log"
	"github.com/mattjoyce/draftvault/internal/storage"
	"github.com/mattjoyce/draftvault/internal/tui"
	"github.com/mattjoyce/draftvault/internal/workbench"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("draftvault version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`draftvault - crash-safe snapshot and transaction engine for workbench files

Usage:
  draftvault <command> [flags]

Commands:
  start     Run the engine and its API server in the foreground
  watch     Attach a terminal monitor to a running engine
  version   Show version information
  help      Show this help message

Start Flags:
  --config <path>   Path to YAML configuration file

Watch Flags:
  --url <url>       Engine API base URL (default http://127.0.0.1:8844)
  --api-key <key>   Bearer token if the API requires one
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	var cfg *config.Config
	var err error
	if *configPath == "" {
		cfg = config.Defaults()
	} else {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("draftvault starting", "version", version, "root", cfg.Engine.Root)

	// Workbench trees depend on atomic rename and hard links, so the root
	// must live on a local filesystem.
	if err := os.MkdirAll(cfg.Engine.Root, 0o755); err != nil {
		logger.Error("failed to create engine root", "path", cfg.Engine.Root, "error", err)
		return 1
	}
	if err := storage.ValidateLocalFilesystem(cfg.Engine.Root); err != nil {
		logger.Error("engine root validation failed", "path", cfg.Engine.Root, "error", err)
		return 1
	}

	procLockPath := filepath.Join(cfg.Engine.Root, "draftvault.lock")
	procLock, err := lock.AcquireProcessLock(procLockPath)
	if err != nil {
		logger.Error("failed to acquire process lock (another instance may be running)",
			"path", procLockPath, "error", err)
		return 1
	}
	defer procLock.Release()
	logger.Info("acquired process lock", "path", procLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Audit.Path)
	if err != nil {
		logger.Error("failed to open audit database", "path", cfg.Audit.Path, "error", err)
		return 1
	}
	defer db.Close()
	auditStore := audit.NewStore(db)

	hub := events.NewHub(256)
	manager, err := workbench.NewManager(cfg.Engine.Root, workbench.Options{
		Hub:          hub,
		Audit:        auditStore,
		Logger:       log.WithComponent("engine"),
		LockTimeout:  cfg.Engine.LockTimeout,
		Retention:    cfg.Retention,
		DiskHeadroom: cfg.Engine.DiskHeadroom,
	})
	if err != nil {
		logger.Error("failed to initialize engine", "error", err)
		return 1
	}

	// Reconciliation runs before any command is accepted. Quarantined
	// workbenches are reported but do not block the rest of the fleet.
	if err := manager.RecoverAll(ctx); err != nil {
		logger.Error("startup reconciliation left workbenches quarantined", "error", err)
	} else {
		logger.Info("startup reconciliation complete")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, manager, auditStore, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
		return 0
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	url := fs.String("url", "http://127.0.0.1:8844", "Engine API base URL")
	apiKey := fs.String("api-key", "", "Bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	program := tea.NewProgram(tui.NewMonitor(*url, *apiKey))
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		return 1
	}
	return 0
}
