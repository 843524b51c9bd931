// Package docker implements sandbox.Provider on top of the Docker Engine
// API: per-session ephemeral rootfs, image-ensure/pull, privileged-mode
// HostConfig, and a self-allocated loopback host port (see port.go for
// the allocator and its retry behavior).
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	dockercontext "github.com/docker/go-sdk/context"

	"github.com/b0cal/miel/internal/logging"
	"github.com/b0cal/miel/internal/model"
	"github.com/b0cal/miel/internal/sandbox"
)

// containerPort is the fixed in-container port every honeypot service
// image listens on; the host-facing port is allocated at create time.
const containerPort = 4000

// ContainersRoot and LogsRoot are the scratch filesystem paths:
// containers under /tmp/miel-containers/<id>/, activity logs under
// /tmp/miel-logs/container-<id>-activity.log. Not user-configurable.
const (
	ContainersRoot = "/tmp/miel-containers"
	LogsRoot       = "/tmp/miel-logs"
)

// DetectDockerHost resolves the Docker host from the current Docker
// context (Docker Desktop, Colima, Rancher Desktop, Podman, custom
// contexts). Returns empty string if detection fails, in which case the
// default DOCKER_HOST/socket resolution applies.
func DetectDockerHost() string {
	host, err := dockercontext.CurrentDockerHost()
	if err != nil {
		return ""
	}
	return host
}

// process wraps a Docker container ID to satisfy model.ContainerProcess.
type process struct {
	cli         *client.Client
	containerID string
}

// Kill stops the container, giving it a short grace period before the
// runtime escalates to SIGKILL, then removes it. Remove with Force
// covers the case where stop itself failed.
func (p *process) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	graceSecs := 5
	stopErr := p.cli.ContainerStop(ctx, p.containerID, containerTypes.StopOptions{Timeout: &graceSecs})
	err := p.cli.ContainerRemove(ctx, p.containerID, containerTypes.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) || client.IsErrNotFound(stopErr) {
		return nil // already gone; Kill is idempotent
	}
	if err != nil {
		return err
	}
	return stopErr
}

// Provider is the Docker-backed sandbox.Provider.
type Provider struct {
	client *client.Client
	log    *logging.Logger
}

// NewProvider connects to the Docker daemon at host (empty string uses
// the default environment resolution, e.g. DOCKER_HOST or the local
// socket) and returns a ready Provider.
func NewProvider(host string, log *logging.Logger) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: new client: %w", err)
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Provider{client: cli, log: log}, nil
}

// CheckAvailable verifies the Docker daemon is reachable and willing to
// talk to us. It makes no separate privilege check: any Ping failure,
// including a permission error on the daemon socket, is reported as
// sandbox.ErrRuntimeNotAvailable, and ErrInsufficientPrivileges is never
// returned.
func (p *Provider) CheckAvailable(ctx context.Context) error {
	if _, err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrRuntimeNotAvailable, err)
	}
	return nil
}

// CreateContainer builds the rootfs, allocates an ephemeral host port,
// creates the activity log bind mount, launches the container, starts
// background CONTAINER-tagged log streaming, and runs the readiness
// loop before handing back a fully bound handle.
func (p *Provider) CreateContainer(ctx context.Context, svc model.ServiceConfig, id string) (*model.ContainerHandle, error) {
	rootfsDir := filepath.Join(ContainersRoot, id)
	if err := materializeRootfs(rootfsDir); err != nil {
		return nil, err
	}

	logPath := filepath.Join(LogsRoot, fmt.Sprintf("container-%s-activity.log", id))
	if err := os.MkdirAll(LogsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("docker: mkdir logs root: %w", err)
	}
	if err := createActivityLogFile(logPath); err != nil {
		return nil, err
	}

	containerID, hostPort, err := p.createAndStart(ctx, svc, id, rootfsDir, logPath)
	if err != nil {
		_ = os.RemoveAll(rootfsDir)
		return nil, err
	}

	go p.streamContainerLogs(context.Background(), containerID, logPath)

	conn, err := waitForReadiness(ctx, hostPort)
	if err != nil {
		_ = p.client.ContainerStop(ctx, containerID, containerTypes.StopOptions{})
		_ = p.client.ContainerRemove(ctx, containerID, containerTypes.RemoveOptions{Force: true})
		_ = os.RemoveAll(rootfsDir)
		return nil, err
	}

	return &model.ContainerHandle{
		ID:          id,
		ServiceName: svc.Name,
		Port:        containerPort,
		HostPort:    hostPort,
		CreatedAt:   time.Now().UTC(),
		Process:     &process{cli: p.client, containerID: containerID},
		LogPath:     logPath,
		Conn:        conn,
	}, nil
}

// createAndStart builds the container config and starts it, reallocating
// the host port and retrying when the container loses the bind race.
func (p *Provider) createAndStart(ctx context.Context, svc model.ServiceConfig, id, rootfsDir, logPath string) (containerID string, hostPort int, err error) {
	if err := p.ensureImage(ctx, svc.ContainerImage); err != nil {
		return "", 0, fmt.Errorf("docker: ensure image %s: %w", svc.ContainerImage, err)
	}

	port, err := withPortRetry(func(candidate int) error {
		var startErr error
		containerID, startErr = p.startContainer(ctx, svc, id, rootfsDir, logPath, candidate)
		return startErr
	})
	if err != nil {
		return "", 0, fmt.Errorf("docker: start container: %w", err)
	}
	return containerID, port, nil
}

func (p *Provider) startContainer(ctx context.Context, svc model.ServiceConfig, id, rootfsDir, logPath string, hostPort int) (string, error) {
	natPort := nat.Port(fmt.Sprintf("%d/tcp", containerPort))

	containerCfg := &containerTypes.Config{
		Image:        svc.ContainerImage,
		Hostname:     "honeypot",
		ExposedPorts: nat.PortSet{natPort: struct{}{}},
		Env:          []string{fmt.Sprintf("MIEL_SERVICE=%s", svc.Name)},
		Labels: map[string]string{
			"miel.managed": "true",
			"miel.service": svc.Name,
		},
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: rootfsDir, Target: "/miel-rootfs", ReadOnly: false},
		{Type: mount.TypeBind, Source: filepath.Dir(logPath), Target: "/miel-logs", ReadOnly: false},
	}
	mounts = append(mounts, hostBinMounts()...)

	hostCfg := &containerTypes.HostConfig{
		Mounts: mounts,
		PortBindings: nat.PortMap{
			natPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}},
		},
		Privileged: true,
	}

	resp, err := p.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, id)
	if err != nil {
		return "", err
	}
	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true})
		return "", err
	}
	return resp.ID, nil
}

// ensureImage checks whether image is present locally and pulls it if
// not.
func (p *Provider) ensureImage(ctx context.Context, image string) error {
	if _, _, err := p.client.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	reader, err := p.client.ImagePull(ctx, image, dockerImagePullOptions())
	if err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// waitForReadiness dials 127.0.0.1:<hostPort> with progressive backoff
// (500ms + 200ms*attempt, capped at 3s) up to 30 attempts, returning the
// established connection.
func waitForReadiness(ctx context.Context, hostPort int) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", hostPort)
	var lastErr error
	for attempt := 0; attempt < sandbox.MaxReadinessAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", sandbox.ErrConnectionFailed, ctx.Err())
		case <-time.After(sandbox.DialBackoff(attempt)):
		}
	}
	return nil, fmt.Errorf("%w: %v", sandbox.ErrConnectionFailed, lastErr)
}

// streamContainerLogs tails the container's stdout/stderr and appends
// each line to the activity log with a [CONTAINER] tag.
func (p *Provider) streamContainerLogs(ctx context.Context, containerID, logPath string) {
	out, err := p.client.ContainerLogs(ctx, containerID, containerTypes.LogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true, Timestamps: false,
	})
	if err != nil {
		p.log.Sugar().Warnw("docker: container log stream failed", "container", containerID, "err", err)
		return
	}
	defer out.Close()

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		p.log.Sugar().Warnw("docker: open activity log for container stream", "path", logPath, "err", err)
		return
	}
	defer f.Close()

	appendTaggedLines(out, f, "CONTAINER")
}

// Cleanup tears a container down: best-effort kill, rootfs removal.
// Idempotent; tolerates a partially-constructed handle.
func (p *Provider) Cleanup(ctx context.Context, handle *model.ContainerHandle) error {
	if handle == nil {
		return nil
	}

	var firstErr error
	if handle.Conn != nil {
		_ = handle.Conn.Close()
	}
	if handle.Process != nil {
		if err := handle.Process.Kill(); err != nil {
			firstErr = err
		}
	}

	rootfsDir := filepath.Join(ContainersRoot, handle.ID)
	if err := os.RemoveAll(rootfsDir); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("docker: remove rootfs: %w", err)
	}
	return firstErr
}
