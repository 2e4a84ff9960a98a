package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

type DockerRuntime struct {
	client *client.Client
}

var _ ContainerRuntime = (*DockerRuntime)(nil)

func NewDockerRuntime() (*DockerRuntime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("error creating docker client: %w", err)
	}

	return &DockerRuntime{client: dockerClient}, nil
}

func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// buildMessage is one line of the daemon's build output stream.
type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
	Aux    struct {
		ID string `json:"ID"`
	} `json:"aux"`
}

func (d *DockerRuntime) BuildImage(ctx context.Context, contextTar io.Reader, tag string) (string, error) {
	resp, err := d.client.ImageBuild(ctx, contextTar, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("error starting image build for %s: %w", tag, err)
	}
	defer resp.Body.Close()

	var imageID string

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if decodeErr := decoder.Decode(&msg); decodeErr != nil {
			if decodeErr == io.EOF {
				break
			}

			return "", fmt.Errorf("error reading build output for %s: %w", tag, decodeErr)
		}

		if msg.Error != "" {
			return "", fmt.Errorf("image build failed for %s: %s", tag, msg.Error)
		}

		if msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}

		if stream := strings.TrimSpace(msg.Stream); stream != "" {
			zap.L().Debug("Build output", zap.String("tag", tag), zap.String("stream", stream))
		}
	}

	if imageID == "" {
		// Older daemons omit the aux message, resolve the tag instead.
		inspected, _, inspectErr := d.client.ImageInspectWithRaw(ctx, tag)
		if inspectErr != nil {
			return "", fmt.Errorf("image build for %s produced no image id: %w", tag, inspectErr)
		}

		imageID = inspected.ID
	}

	return imageID, nil
}

func (d *DockerRuntime) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	containerPort, err := nat.NewPort("tcp", strconv.Itoa(opts.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("invalid container port %d: %w", opts.ContainerPort, err)
	}

	env := make([]string, 0, len(opts.Env))
	for key, value := range opts.Env {
		env = append(env, key+"="+value)
	}

	config := &container.Config{
		Image:  opts.Image,
		Env:    env,
		Labels: opts.Labels,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: strconv.Itoa(opts.HostPort)},
			},
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		Resources: container.Resources{
			Memory:   opts.MemoryLimitMB * 1024 * 1024,
			NanoCPUs: int64(opts.CPULimit * 1e9),
		},
	}

	var networkConfig *network.NetworkingConfig
	if opts.Network != "" {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				opts.Network: {},
			},
		}
	}

	created, err := d.client.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("error creating container %s: %w", opts.Name, err)
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		removeErr := d.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		if removeErr != nil {
			zap.L().Error("Error removing container after failed start", zap.String("container_id", created.ID), zap.Error(removeErr))
		}

		return "", fmt.Errorf("error starting container %s: %w", opts.Name, err)
	}

	return created.ID, nil
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, containerID string) (ContainerState, error) {
	inspected, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerState{}, ErrNotFound
		}

		return ContainerState{}, fmt.Errorf("error inspecting container %s: %w", containerID, err)
	}

	state := ContainerState{}
	if inspected.State != nil {
		state.Status = inspected.State.Status
		state.ExitCode = inspected.State.ExitCode
	}

	return state, nil
}

func (d *DockerRuntime) ContainerStats(ctx context.Context, containerID string) (Stats, error) {
	resp, err := d.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Stats{}, ErrNotFound
		}

		return Stats{}, fmt.Errorf("error reading stats for container %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("error decoding stats for container %s: %w", containerID, err)
	}

	return Stats{
		CPUPercent: cpuPercent(raw),
		MemoryMB:   float64(raw.MemoryStats.Usage) / (1024 * 1024),
	}, nil
}

func cpuPercent(raw container.StatsResponse) float64 {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta < 0 {
		return 0
	}

	onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}

	return cpuDelta / systemDelta * onlineCPUs * 100
}

func (d *DockerRuntime) ContainerLogs(ctx context.Context, containerID string, tail int) ([]string, error) {
	reader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("error reading logs for container %s: %w", containerID, err)
	}
	defer reader.Close()

	// The log stream is multiplexed, demux stdout and stderr together.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return nil, fmt.Errorf("error demultiplexing logs for container %s: %w", containerID, err)
	}

	var lines []string
	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	return lines, nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())

	err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ErrNotFound
		}

		return fmt.Errorf("error stopping container %s: %w", containerID, err)
	}

	return nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ErrNotFound
		}

		return fmt.Errorf("error removing container %s: %w", containerID, err)
	}

	return nil
}

func (d *DockerRuntime) RemoveImage(ctx context.Context, tag string) error {
	_, err := d.client.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ErrNotFound
		}

		return fmt.Errorf("error removing image %s: %w", tag, err)
	}

	return nil
}

func (d *DockerRuntime) ListByLabel(ctx context.Context, key, value string) ([]ContainerSummary, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	if err != nil {
		return nil, fmt.Errorf("error listing containers by label %s=%s: %w", key, value, err)
	}

	summaries := make([]ContainerSummary, 0, len(containers))
	for _, item := range containers {
		summaries = append(summaries, ContainerSummary{
			ID:     item.ID,
			Image:  item.Image,
			Labels: item.Labels,
			State:  item.State,
		})
	}

	return summaries, nil
}

func (d *DockerRuntime) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	networks, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("error listing networks: %w", err)
	}

	for _, item := range networks {
		if item.Name == name {
			return nil
		}
	}

	_, err = d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return fmt.Errorf("error creating network %s: %w", name, err)
	}

	return nil
}

func (d *DockerRuntime) UsedHostPorts(ctx context.Context) (map[int]struct{}, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("error listing containers for port introspection: %w", err)
	}

	used := make(map[int]struct{})
	for _, item := range containers {
		for _, port := range item.Ports {
			if port.PublicPort != 0 {
				used[int(port.PublicPort)] = struct{}{}
			}
		}
	}

	return used, nil
}
