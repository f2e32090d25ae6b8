// agentmuxd is the session orchestration daemon: it multiplexes agent
// sessions across git worktrees and backends, exposing an MCP tool surface
// for the desktop UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/backend/claudecode"
	"github.com/agentmux/agentmux/internal/backend/opencode"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/janitor"
	"github.com/agentmux/agentmux/internal/logger"
	"github.com/agentmux/agentmux/internal/rpc"
	"github.com/agentmux/agentmux/internal/sandbox"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "agentmux home directory (default: ~/.agentmux)")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentmuxd %s\n", Version)
		return
	}

	homeDir := resolveHomeDir(*dirFlag)

	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentmuxd: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debugFlag {
		level = slog.LevelDebug
	}
	if err := logger.Init(filepath.Join(homeDir, cfg.LogDir), level); err != nil {
		fmt.Fprintf(os.Stderr, "agentmuxd: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	log := slog.Default()
	log.Info("agentmuxd starting", "version", Version, "home", homeDir)

	if err := run(cfg, homeDir, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, homeDir string, log *slog.Logger) error {
	// Docker is only touched when the opencode server is sandboxed.
	var sandboxRuntime *sandbox.Runtime
	if cfg.OpenCode.SandboxImage != "" {
		rt, err := sandbox.NewRuntime()
		if err != nil {
			return fmt.Errorf("sandbox requested but docker unavailable: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rt.Ping(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("sandbox requested but docker not responding: %w", err)
		}
		sandboxRuntime = rt
		defer func() { _ = rt.Close() }()
		log.Info("sandbox enabled", "image", cfg.OpenCode.SandboxImage)
	}

	recordStore, err := store.New(filepath.Join(homeDir, cfg.DataDir))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() { _ = recordStore.Close() }()

	if records, err := recordStore.List(context.Background()); err != nil {
		log.Warn("failed to list persisted sessions", "error", err)
	} else if len(records) > 0 {
		log.Info("persisted sessions available for reconnect", "count", len(records))
	}

	manager := session.NewManager(session.Options{
		DefaultKind:        backend.Kind(cfg.DefaultBackend),
		MaxSessions:        cfg.Limits.MaxSessions,
		EventChannelBuffer: cfg.Limits.EventChannelBuffer,
		Store:              recordStore,
		Logger:             log,
	},
		opencode.New(cfg.OpenCode, sandboxRuntime, log),
		claudecode.New(cfg.ClaudeCode, log),
	)

	jan := janitor.New(manager, recordStore, cfg.Limits, cfg.Janitor, log)
	if err := jan.Start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}

	server := rpc.NewServer(manager, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(cfg.Listen)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("rpc server: %w", err)
	}

	jan.Stop()
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Cleanup(ctx); err != nil {
		log.Warn("cleanup finished with errors", "error", err)
	}
	log.Info("agentmuxd stopped")
	return nil
}

// resolveHomeDir picks the agentmux home with precedence: --dir flag,
// AGENTMUX_HOME, ~/.agentmux.
func resolveHomeDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("AGENTMUX_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentmux"
	}
	return filepath.Join(home, ".agentmux")
}
