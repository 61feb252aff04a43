// Package container provides the Docker-backed runtime adapter for browser
// session containers.
package container

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
)

const (
	// Container-side service ports (kasmweb images).
	vncContainerPort = "5901/tcp"
	webContainerPort = "6901/tcp"

	shmSizeBytes    = 2 * 1024 * 1024 * 1024
	cpuPeriodMicros = 100000
	stopTimeoutSecs = 10

	readyPollInterval = 500 * time.Millisecond
)

// StartSpec describes the container a session needs.
type StartSpec struct {
	SessionID        string
	UserID           string
	BrowserType      domain.BrowserType
	ScreenResolution string
	InitialURL       string
	VNCPassword      string
	Limits           domain.ResourceLimits
}

// Handle identifies a started container and its host-side endpoints.
type Handle struct {
	ContainerID   string
	ContainerName string
	DockerImage   string
	VNCPort       int
	WebPort       int
}

// Status is a point-in-time view of a container, returned by Inspect and
// never cached beyond the single call.
type Status struct {
	Running        bool
	CPUPercent     float64
	MemoryBytes    int64
	MemoryLimit    int64
	NetworkRxBytes int64
	NetworkTxBytes int64
}

// SystemInfo summarizes the runtime host for admin views.
type SystemInfo struct {
	ServerVersion     string `json:"server_version"`
	ContainersRunning int    `json:"containers_running"`
	ContainersTotal   int    `json:"containers_total"`
	Images            int    `json:"images_count"`
	CPUs              int    `json:"cpu_count"`
	MemoryTotal       int64  `json:"memory_total"`
	OperatingSystem   string `json:"operating_system"`
}

// Runtime is the interface to the container engine. It is a stateless facade:
// it retains no session-to-handle mapping; callers persist that association.
type Runtime interface {
	// Start creates and starts a browser container, returning its handle.
	Start(ctx context.Context, spec StartSpec) (*Handle, error)

	// Stop stops and removes a container. Idempotent: an absent container
	// is not an error.
	Stop(ctx context.Context, containerID string) error

	// Inspect returns live container state and resource usage. Returns a
	// not_found error when the container no longer exists.
	Inspect(ctx context.Context, containerID string) (*Status, error)

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// EnsureNetwork creates the isolated bridge network if missing.
	EnsureNetwork(ctx context.Context) (string, error)

	// EnsureImages pulls the browser images if not present locally.
	EnsureImages(ctx context.Context) error

	Info(ctx context.Context) (*SystemInfo, error)
	Close() error
}

// Config holds runtime adapter settings.
type Config struct {
	Network      string
	FirefoxImage string
	ChromeImage  string
	PublicHost   string
}

// DockerRuntime implements Runtime using the Docker API.
type DockerRuntime struct {
	cli *client.Client
	cfg Config
}

// NewDockerRuntime creates a Docker-backed runtime adapter.
func NewDockerRuntime(cfg Config) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized", "network", cfg.Network)
	return &DockerRuntime{cli: cli, cfg: cfg}, nil
}

// Image returns the configured image for a browser type. Chromium shares the
// chrome image, matching the upstream deployment.
func (r *DockerRuntime) Image(browser domain.BrowserType) string {
	switch browser {
	case domain.BrowserChrome, domain.BrowserChromium:
		return r.cfg.ChromeImage
	default:
		return r.cfg.FirefoxImage
	}
}

// Start creates and starts a browser container for the given spec.
func (r *DockerRuntime) Start(ctx context.Context, spec StartSpec) (*Handle, error) {
	imageName := r.Image(spec.BrowserType)
	containerName := fmt.Sprintf("browser-%s-%s", spec.BrowserType, shortID(spec.SessionID))

	env := []string{
		"VNC_PW=" + spec.VNCPassword,
		"VNC_RESOLUTION=" + spec.ScreenResolution,
		"VNC_COL_DEPTH=24",
		"DISPLAY=:1",
	}
	if spec.InitialURL != "" {
		env = append(env, "LAUNCH_URL="+spec.InitialURL)
	}

	config := &container.Config{
		Image: imageName,
		Env:   env,
		ExposedPorts: nat.PortSet{
			vncContainerPort: struct{}{},
			webContainerPort: struct{}{},
		},
		Labels: map[string]string{
			"service":      "cloud-browser",
			"session_id":   spec.SessionID,
			"user_id":      spec.UserID,
			"browser_type": string(spec.BrowserType),
		},
	}

	memoryBytes, err := parseByteSize(spec.Limits.MemoryLimit)
	if err != nil {
		return nil, shared.Wrap(shared.CodeProvision, "invalid memory limit", err)
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.cfg.Network),
		// Ephemeral host ports; the engine picks free ones.
		PortBindings: nat.PortMap{
			vncContainerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
			webContainerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
		ShmSize:     shmSizeBytes,
		SecurityOpt: []string{"seccomp=unconfined"},
		Resources: container.Resources{
			Memory:    memoryBytes,
			CPUQuota:  int64(spec.Limits.CPULimit * cpuPeriodMicros),
			CPUPeriod: cpuPeriodMicros,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, classifyProvisionError("create container", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, classifyProvisionError("start container", err)
	}

	inspect, err := r.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, classifyProvisionError("inspect started container", err)
	}

	vncPort, err := hostPort(inspect.NetworkSettings.Ports, vncContainerPort)
	if err != nil {
		return nil, shared.Wrap(shared.CodeProvision, "resolve vnc port", err)
	}
	webPort, err := hostPort(inspect.NetworkSettings.Ports, webContainerPort)
	if err != nil {
		return nil, shared.Wrap(shared.CodeProvision, "resolve web port", err)
	}

	if err := r.waitForWebReady(ctx, webPort); err != nil {
		return nil, err
	}

	slog.Info("Browser container started",
		"container_id", resp.ID,
		"session_id", spec.SessionID,
		"image", imageName,
		"vnc_port", vncPort,
		"web_port", webPort,
	)

	return &Handle{
		ContainerID:   resp.ID,
		ContainerName: containerName,
		DockerImage:   imageName,
		VNCPort:       vncPort,
		WebPort:       webPort,
	}, nil
}

// waitForWebReady polls the noVNC endpoint until it answers or ctx expires.
func (r *DockerRuntime) waitForWebReady(ctx context.Context, webPort int) error {
	url := fmt.Sprintf("https://%s:%d/", r.cfg.PublicHost, webPort)
	httpClient := &http.Client{
		Timeout: 2 * time.Second,
		// kasmweb images serve noVNC over a self-signed certificate.
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build readiness request: %w", err)
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return shared.WrapTransient(shared.CodeProvision, "container did not become ready", ctx.Err())
		case <-time.After(readyPollInterval):
		}
	}
}

// Stop stops and removes a container. It is idempotent.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	slog.Info("Stopping container", "container_id", containerID)

	_, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return classifyTeardownError("inspect container", err)
	}

	timeout := stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		// May already be stopped or being removed concurrently; removal below
		// is forced either way.
		if !errdefs.IsNotFound(err) && ctx.Err() == nil {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return classifyTeardownError("remove container", err)
	}

	slog.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// Inspect returns live state and resource usage for a container.
func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (*Status, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, shared.Wrap(shared.CodeNotFound, "container not found", err)
		}
		return nil, shared.WrapTransient(shared.CodeDependency, "inspect container", err)
	}

	status := &Status{Running: inspect.State != nil && inspect.State.Running}
	if !status.Running {
		return status, nil
	}

	statsResp, err := r.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		// Usage is best-effort; the running flag is what reconciliation needs.
		slog.Debug("Container stats unavailable", "container_id", containerID, "error", err)
		return status, nil
	}
	defer statsResp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		slog.Debug("Failed to decode container stats", "container_id", containerID, "error", err)
		return status, nil
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta > 0 {
		status.CPUPercent = cpuDelta / systemDelta * 100
	}
	status.MemoryBytes = int64(stats.MemoryStats.Usage)
	status.MemoryLimit = int64(stats.MemoryStats.Limit)
	for _, netStats := range stats.Networks {
		status.NetworkRxBytes += int64(netStats.RxBytes)
		status.NetworkTxBytes += int64(netStats.TxBytes)
	}

	return status, nil
}

// Ping verifies the Docker engine is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return shared.Wrap(shared.CodeDependency, "container engine unreachable", err)
	}
	return nil
}

// EnsureNetwork creates the isolated bridge network if it doesn't exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := r.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == r.cfg.Network {
			return nw.ID, nil
		}
	}

	createResp, err := r.cli.NetworkCreate(ctx, r.cfg.Network, network.CreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			"com.docker.network.bridge.enable_ip_masquerade": "true",
			// Browser containers must not see each other.
			"com.docker.network.bridge.enable_icc": "false",
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", r.cfg.Network, err)
	}

	slog.Info("Browser network created", "network_id", createResp.ID, "network", r.cfg.Network)
	return createResp.ID, nil
}

// EnsureImages pulls the configured browser images if absent.
func (r *DockerRuntime) EnsureImages(ctx context.Context) error {
	for _, imageName := range []string{r.cfg.FirefoxImage, r.cfg.ChromeImage} {
		present, err := r.imagePresent(ctx, imageName)
		if err != nil {
			return err
		}
		if present {
			continue
		}
		slog.Info("Pulling browser image", "image", imageName)
		reader, err := r.cli.ImagePull(ctx, imageName, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pull image %s: %w", imageName, err)
		}
		if _, err := io.Copy(io.Discard, reader); err != nil {
			reader.Close()
			return fmt.Errorf("read pull progress for %s: %w", imageName, err)
		}
		reader.Close()
	}
	return nil
}

func (r *DockerRuntime) imagePresent(ctx context.Context, imageName string) (bool, error) {
	images, err := r.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageName {
				return true, nil
			}
		}
	}
	return false, nil
}

// Info returns engine host details for admin views.
func (r *DockerRuntime) Info(ctx context.Context) (*SystemInfo, error) {
	info, err := r.cli.Info(ctx)
	if err != nil {
		return nil, shared.Wrap(shared.CodeDependency, "container engine info", err)
	}
	return &SystemInfo{
		ServerVersion:     info.ServerVersion,
		ContainersRunning: info.ContainersRunning,
		ContainersTotal:   info.Containers,
		Images:            info.Images,
		CPUs:              info.NCPU,
		MemoryTotal:       info.MemTotal,
		OperatingSystem:   info.OperatingSystem,
	}, nil
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// classifyProvisionError separates transient (retryable) engine failures from
// terminal ones like a missing image.
func classifyProvisionError(op string, err error) error {
	if errdefs.IsNotFound(err) {
		return shared.Wrap(shared.CodeProvision, op+": image or resource missing", err)
	}
	if client.IsErrConnectionFailed(err) || errors.Is(err, context.DeadlineExceeded) {
		return shared.WrapTransient(shared.CodeProvision, op, err)
	}
	return shared.Wrap(shared.CodeProvision, op, err)
}

func classifyTeardownError(op string, err error) error {
	if client.IsErrConnectionFailed(err) || errors.Is(err, context.DeadlineExceeded) {
		return shared.WrapTransient(shared.CodeTeardown, op, err)
	}
	return shared.Wrap(shared.CodeTeardown, op, err)
}

func hostPort(ports nat.PortMap, containerPort nat.Port) (int, error) {
	bindings, ok := ports[containerPort]
	if !ok || len(bindings) == 0 {
		return 0, fmt.Errorf("no host binding for %s", containerPort)
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("parse host port %q: %w", bindings[0].HostPort, err)
	}
	return port, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// parseByteSize converts limits like "512m" or "2g" to bytes.
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n * mult, nil
}
