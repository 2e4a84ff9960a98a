package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roomforge/roomforge/internal/factory/ports"
	"github.com/roomforge/roomforge/internal/factory/runtime"
	"github.com/roomforge/roomforge/internal/factory/supervisor"
	"github.com/roomforge/roomforge/pkg/id"
)

// Labels stamped on every container the factory creates. ForceCleanup and
// startup reconciliation select by them.
const (
	LabelCreatedBy  = "roomforge.created_by"
	LabelInstanceID = "roomforge.instance_id"
	LabelGameType   = "roomforge.game_type"

	CreatedByValue = "roomforge-factory"

	containerPort = 8080

	heartbeatSeconds = 30
)

// ErrAdmissionRefused marks launches rejected before any resource was
// allocated, such as the container ceiling.
var ErrAdmissionRefused = errors.New("launch refused")

type Config struct {
	ImagePrefix   string
	Network       string
	MatchmakerURL string
	MemoryLimitMB int64
	CPULimit      float64
	StopTimeout   time.Duration
}

// Spec describes one launch request after validation and analysis passed.
type Spec struct {
	InstanceID  string
	DisplayName string
	MaxPlayers  int
	Payload     Payload
}

type Result struct {
	ContainerID string
	HostPort    int
	ImageID     string
	ImageTag    string
}

// Builder drives the launch pipeline: admission, port reservation, build
// context, image build, container start, supervision. Every failure after a
// resource was acquired unwinds that resource before returning.
type Builder struct {
	runtime    runtime.ContainerRuntime
	allocator  *ports.Allocator
	supervisor *supervisor.Supervisor
	config     Config
}

func NewBuilder(containerRuntime runtime.ContainerRuntime, allocator *ports.Allocator, sup *supervisor.Supervisor, config Config) *Builder {
	return &Builder{
		runtime:    containerRuntime,
		allocator:  allocator,
		supervisor: sup,
		config:     config,
	}
}

func (b *Builder) Launch(ctx context.Context, spec Spec) (*Result, error) {
	if ok, reason := b.supervisor.CanCreate(); !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdmissionRefused, reason)
	}

	hostPort, err := b.allocator.Allocate(ctx)
	if err != nil {
		return nil, fmt.Errorf("error allocating host port: %w", err)
	}

	result, err := b.launchOnPort(ctx, spec, hostPort)
	if err != nil {
		b.allocator.Release(hostPort)

		return nil, err
	}

	return result, nil
}

func (b *Builder) launchOnPort(ctx context.Context, spec Spec, hostPort int) (*Result, error) {
	sanitized, err := id.SanitizeTag(spec.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("error deriving image tag: %w", err)
	}
	imageTag := b.config.ImagePrefix + ":" + sanitized

	contextDir, err := os.MkdirTemp("", "roomforge-build-*")
	if err != nil {
		return nil, fmt.Errorf("error creating build context directory: %w", err)
	}
	defer os.RemoveAll(contextDir)

	if err := MaterializeContext(contextDir, spec.Payload, spec.MaxPlayers, heartbeatSeconds); err != nil {
		return nil, err
	}

	contextTar, err := TarContext(contextDir)
	if err != nil {
		return nil, err
	}

	imageID, err := b.runtime.BuildImage(ctx, contextTar, imageTag)
	if err != nil {
		b.removeImage(ctx, imageTag)

		return nil, fmt.Errorf("error building image %s: %w", imageTag, err)
	}

	containerID, err := b.runtime.RunContainer(ctx, runtime.RunOptions{
		Name:          b.config.ImagePrefix + "-" + sanitized,
		Image:         imageTag,
		ContainerPort: containerPort,
		HostPort:      hostPort,
		Env: map[string]string{
			"PORT":           fmt.Sprintf("%d", containerPort),
			"EXTERNAL_PORT":  fmt.Sprintf("%d", hostPort),
			"ROOM_NAME":      spec.DisplayName,
			"ROOM_TOKEN":     id.Generate(),
			"MATCHMAKER_URL": b.config.MatchmakerURL,
			"NODE_ENV":       "production",
		},
		Labels: map[string]string{
			LabelCreatedBy:  CreatedByValue,
			LabelInstanceID: spec.InstanceID,
			LabelGameType:   spec.Payload.GameType,
		},
		Network:       b.config.Network,
		MemoryLimitMB: b.config.MemoryLimitMB,
		CPULimit:      b.config.CPULimit,
	})
	if err != nil {
		b.removeImage(ctx, imageTag)

		return nil, fmt.Errorf("error starting container for %s: %w", spec.InstanceID, err)
	}

	state, err := b.runtime.InspectContainer(ctx, containerID)
	if err != nil || state.Status != runtime.StatusRunning {
		b.unwindContainer(ctx, containerID, imageTag)

		if err != nil {
			return nil, fmt.Errorf("error verifying container for %s: %w", spec.InstanceID, err)
		}

		logs := b.tailLogs(ctx, containerID)

		return nil, fmt.Errorf("container for %s is %q after start (exit code %d): %s",
			spec.InstanceID, state.Status, state.ExitCode, logs)
	}

	b.supervisor.Register(spec.InstanceID, containerID, imageTag)

	zap.L().Info("Launched game server",
		zap.String("instance_id", spec.InstanceID),
		zap.String("container_id", containerID),
		zap.String("image_tag", imageTag),
		zap.Int("host_port", hostPort))

	return &Result{
		ContainerID: containerID,
		HostPort:    hostPort,
		ImageID:     imageID,
		ImageTag:    imageTag,
	}, nil
}

func (b *Builder) removeImage(ctx context.Context, imageTag string) {
	if err := b.runtime.RemoveImage(ctx, imageTag); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		zap.L().Warn("Error removing image after failed launch", zap.String("image_tag", imageTag), zap.Error(err))
	}
}

func (b *Builder) unwindContainer(ctx context.Context, containerID, imageTag string) {
	if err := b.runtime.StopContainer(ctx, containerID, b.config.StopTimeout); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		zap.L().Warn("Error stopping container after failed launch", zap.String("container_id", containerID), zap.Error(err))
	}

	if err := b.runtime.RemoveContainer(ctx, containerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		zap.L().Warn("Error removing container after failed launch", zap.String("container_id", containerID), zap.Error(err))
	}

	b.removeImage(ctx, imageTag)
}

// tailLogs best-effort fetches the last container output for the failure
// message surfaced to the uploader.
func (b *Builder) tailLogs(ctx context.Context, containerID string) string {
	lines, err := b.runtime.ContainerLogs(ctx, containerID, 10)
	if err != nil || len(lines) == 0 {
		return "no logs available"
	}

	return strings.Join(lines, "\n")
}
