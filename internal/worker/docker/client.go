// Package docker wraps the Docker SDK with the container lifecycle
// operations the container executor needs.
package docker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/config"
	"github.com/claudecluster/claudecluster/internal/common/logger"
)

// RunSpec holds everything needed to create one task container.
type RunSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountSpec
	NetworkMode string
	Labels      map[string]string

	MemoryBytes    int64
	CPUShares      int64
	SecurityOpt    []string
	ReadOnlyRootfs bool
	AutoRemove     bool
	User           string
}

// MountSpec is one bind mount into the container.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a Docker client from the worker's container config.
func NewClient(cfg config.ContainerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Debug("docker client created", zap.String("host", cfg.Host))
	return &Client{cli: cli, logger: log}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks whether the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// CreateContainer creates a task container with the configured resource
// limits and security posture: all capabilities dropped, no privilege
// escalation, non-root user when set, optionally a read-only root
// filesystem.
func (c *Client) CreateContainer(ctx context.Context, spec RunSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
		User:       spec.User,
	}

	hostCfg := &container.HostConfig{
		Mounts:         mounts,
		NetworkMode:    container.NetworkMode(spec.NetworkMode),
		AutoRemove:     spec.AutoRemove,
		ReadonlyRootfs: spec.ReadOnlyRootfs,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    spec.SecurityOpt,
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUShares: spec.CPUShares,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	c.logger.Info("container created",
		zap.String("container_id", resp.ID),
		zap.String("name", spec.Name),
		zap.String("image", spec.Image))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container with a timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// KillContainer sends a signal to a container.
func (c *Client) KillContainer(ctx context.Context, containerID string, signal string) error {
	if err := c.cli.ContainerKill(ctx, containerID, signal); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container. A no-op when AutoRemove already
// reaped it.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// WaitContainer waits for a container to stop and returns the exit code.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// StreamLogs follows a container's combined stdout+stderr, demultiplexes the
// Docker stream framing, and writes the payload to w until the container
// exits or ctx is cancelled.
func (c *Client) StreamLogs(ctx context.Context, containerID string, w io.Writer) error {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to get container logs for %s: %w", containerID, err)
	}
	defer reader.Close()

	c.demultiplexStream(reader, w)
	return nil
}

// demultiplexStream reads Docker's multiplexed stream format and writes
// stdout and stderr payloads to the writer.
// Docker stream format when Tty=false:
// - Byte 0: stream type (0=stdin, 1=stdout, 2=stderr)
// - Bytes 1-3: reserved
// - Bytes 4-7: frame size (big endian uint32)
// - Bytes 8+: frame data
func (c *Client) demultiplexStream(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				c.logger.Debug("demultiplex stream ended", zap.Error(err))
			}
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			c.logger.Debug("failed to read frame data", zap.Error(err))
			return
		}

		// Both stdout and stderr belong in the captured task output.
		if streamType == 1 || streamType == 2 {
			if _, err := writer.Write(data); err != nil {
				return
			}
		}
	}
}

// ContainerExitCode inspects a container and returns its recorded exit code.
func (c *Client) ContainerExitCode(ctx context.Context, containerID string) (int, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return inspect.State.ExitCode, nil
}
