// Package opencode implements the subprocess-server backend.
//
// server.go - Server lifecycle management
//
// This file contains:
// - Server struct managing one `opencode serve` process per worktree
// - Local subprocess and Docker sandbox launch paths
// - Health checking (waitForHealth)
//
// Each worktree with at least one session gets exactly one server,
// listening on a loopback port allocated from the configured base.
package opencode

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/agentmux/agentmux/internal/sandbox"
)

const (
	serverStartTimeout = 30 * time.Second
	healthCheckDelay   = 500 * time.Millisecond
	stopGracePeriod    = 5 * time.Second
)

// ServerOptions describe how to launch a server for one worktree.
type ServerOptions struct {
	Command  string
	Port     int
	Worktree string

	// SandboxImage runs the server in a Docker container with the worktree
	// bind-mounted; empty means a local subprocess.
	SandboxImage string
	Sandbox      *sandbox.Runtime
}

// Server manages one running opencode server bound to a worktree.
type Server struct {
	client   *Client
	port     int
	worktree string
	log      *slog.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	exited      chan struct{}
	sandbox     *sandbox.Runtime
	containerID string
	running     bool
}

// StartServer launches a server and waits for it to become healthy.
func StartServer(ctx context.Context, opts ServerOptions, log *slog.Logger) (*Server, error) {
	s := &Server{
		client:   NewClient(opts.Port),
		port:     opts.Port,
		worktree: opts.Worktree,
		log:      log,
	}

	if opts.SandboxImage != "" {
		if opts.Sandbox == nil {
			return nil, fmt.Errorf("sandbox image %q configured but no docker runtime available", opts.SandboxImage)
		}
		if err := s.startSandboxed(ctx, opts); err != nil {
			return nil, err
		}
	} else {
		if err := s.startLocal(ctx, opts); err != nil {
			return nil, err
		}
	}

	if err := s.waitForHealth(ctx); err != nil {
		s.Stop(context.Background())
		return nil, fmt.Errorf("server failed to become healthy: %w", err)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return s, nil
}

func (s *Server) startLocal(ctx context.Context, opts ServerOptions) error {
	cmd := exec.Command(opts.Command, "serve", "--port", strconv.Itoa(opts.Port), "--hostname", "127.0.0.1")
	cmd.Dir = opts.Worktree
	// Own process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", opts.Command, err)
	}

	exited := make(chan struct{})

	// Reap on exit so the process never zombies.
	go func() {
		err := cmd.Wait()
		close(exited)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			s.log.Warn("opencode server exited", "worktree", s.worktree, "port", s.port, "error", err)
		}
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.exited = exited
	s.mu.Unlock()
	return nil
}

func (s *Server) startSandboxed(ctx context.Context, opts ServerOptions) error {
	containerID, err := opts.Sandbox.StartServer(ctx, sandbox.ServerConfig{
		Name:     fmt.Sprintf("agentmux-opencode-%d", opts.Port),
		Image:    opts.SandboxImage,
		Cmd:      []string{opts.Command, "serve", "--port", strconv.Itoa(opts.Port), "--hostname", "0.0.0.0"},
		Worktree: opts.Worktree,
		Port:     opts.Port,
		Labels:   map[string]string{"agentmux.worktree": opts.Worktree},
	})
	if err != nil {
		return fmt.Errorf("failed to start sandboxed server: %w", err)
	}

	s.mu.Lock()
	s.sandbox = opts.Sandbox
	s.containerID = containerID
	s.mu.Unlock()
	return nil
}

// waitForHealth polls the health endpoint until the server is ready.
func (s *Server) waitForHealth(ctx context.Context) error {
	deadline := time.Now().Add(serverStartTimeout)

	for time.Now().Before(deadline) {
		if err := s.client.Health(ctx); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthCheckDelay):
		}
	}

	return fmt.Errorf("timeout waiting for server on port %d", s.port)
}

// Client returns the HTTP client bound to this server.
func (s *Server) Client() *Client {
	return s.client
}

// Port returns the loopback port the server listens on.
func (s *Server) Port() int {
	return s.port
}

// IsRunning reports whether the server process is still up.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop terminates the server. Local processes get SIGTERM then SIGKILL
// after a grace period; sandboxed servers are stopped via Docker.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	sb := s.sandbox
	containerID := s.containerID
	s.running = false
	s.mu.Unlock()

	if sb != nil && containerID != "" {
		stopCtx, cancel := context.WithTimeout(ctx, stopGracePeriod)
		defer cancel()
		if err := sb.StopServer(stopCtx, containerID); err != nil {
			s.log.Warn("failed to stop sandboxed server", "container", containerID, "error", err)
		}
		return
	}

	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(stopGracePeriod):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-exited
	}
}
