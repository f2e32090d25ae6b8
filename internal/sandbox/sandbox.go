// Package sandbox launches agent servers inside Docker containers. It is
// used when a backend is configured with a sandbox image instead of a
// host-local command.
package sandbox

import (
	"context"
	"fmt"
	"strconv"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Runtime wraps the Docker client with the small surface the backends need.
type Runtime struct {
	client *client.Client
}

// NewRuntime creates a Docker-backed runtime from the environment.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

// Ping verifies connectivity to the Docker daemon.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close closes the Docker client connection.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// ServerConfig describes an agent server container bound to one worktree.
type ServerConfig struct {
	Name     string
	Image    string
	Cmd      []string
	Env      []string
	Worktree string // bind-mounted read-write at the same path inside the container
	Port     int    // container port published to the same host port on loopback
	Labels   map[string]string
}

// StartServer creates and starts a server container, returning its ID.
func (r *Runtime) StartServer(ctx context.Context, cfg ServerConfig) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(cfg.Port))
	if err != nil {
		return "", fmt.Errorf("invalid server port %d: %w", cfg.Port, err)
	}

	containerConfig := &dockercontainer.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.Worktree,
		Labels:       cfg.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Tty:          false,
	}

	hostConfig := &dockercontainer.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: cfg.Worktree,
			Target: cfg.Worktree,
		}},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(cfg.Port)}},
		},
		AutoRemove: true,
		Init:       boolPtr(true),
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = r.client.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// StopServer stops a server container. The container removes itself.
func (r *Runtime) StopServer(ctx context.Context, containerID string) error {
	return r.client.ContainerStop(ctx, containerID, dockercontainer.StopOptions{})
}

// Running reports whether the container is in the running state.
func (r *Runtime) Running(ctx context.Context, containerID string) (bool, error) {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	return inspect.State != nil && inspect.State.Status == "running", nil
}

func boolPtr(b bool) *bool {
	return &b
}
