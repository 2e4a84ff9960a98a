package instances

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roomforge/roomforge/internal/factory/runtime"
	"github.com/roomforge/roomforge/pkg/id"
	"github.com/roomforge/roomforge/pkg/smap"
)

// defaultLogTail caps container log lines returned when the caller did not
// ask for a specific tail.
const defaultLogTail = 100

// Registry tracks every instance the factory created, keyed by instance id.
// Status is refreshed against the runtime on every read so the API never
// reports a container state the runtime has moved past.
type Registry struct {
	instances *smap.Map[*GameInstance]
	runtime   runtime.ContainerRuntime
	counter   atomic.Int64

	now func() time.Time
}

func NewRegistry(containerRuntime runtime.ContainerRuntime) *Registry {
	return &Registry{
		instances: smap.New[*GameInstance](),
		runtime:   containerRuntime,
		now:       time.Now,
	}
}

// NewInstanceID derives a fresh instance id from the display name. The
// counter keeps ids distinct when the same name is uploaded twice within a
// second.
func (r *Registry) NewInstanceID(displayName string) string {
	counter := r.counter.Add(1) % 1000

	return fmt.Sprintf("user_%d_%s_%03d", r.now().Unix(), id.SanitizeName(displayName), counter)
}

// Create registers a new instance in the creating state.
func (r *Registry) Create(instanceID, name, description, gameType string, maxPlayers int) Snapshot {
	now := r.now()

	instance := &GameInstance{
		instanceID:  instanceID,
		name:        name,
		description: description,
		gameType:    gameType,
		maxPlayers:  maxPlayers,
		createdAt:   now,
		updatedAt:   now,
		status:      StatusCreating,
	}
	instance.appendLog(now, logSourceFactory, "instance created, build starting")

	r.instances.Insert(instanceID, instance)

	return instance.snapshot()
}

// MarkRunning transitions a creating instance to running once the container
// is verified up.
func (r *Registry) MarkRunning(instanceID, containerID, imageTag string, port int) bool {
	instance, ok := r.instances.Get(instanceID)
	if !ok {
		return false
	}

	now := r.now()

	instance.mu.Lock()
	instance.status = StatusRunning
	instance.containerID = containerID
	instance.imageTag = imageTag
	instance.port = port
	instance.updatedAt = now
	instance.mu.Unlock()

	instance.appendLog(now, logSourceFactory, fmt.Sprintf("container %s running on port %d", containerID, port))

	return true
}

// MarkError transitions an instance to the error state.
func (r *Registry) MarkError(instanceID, message string) bool {
	instance, ok := r.instances.Get(instanceID)
	if !ok {
		return false
	}

	now := r.now()

	instance.mu.Lock()
	instance.status = StatusError
	instance.lastError = message
	instance.updatedAt = now
	instance.mu.Unlock()

	instance.appendLog(now, logSourceFactory, "error: "+message)

	return true
}

// MarkStopped transitions an instance to the stopped state.
func (r *Registry) MarkStopped(instanceID, reason string) bool {
	instance, ok := r.instances.Get(instanceID)
	if !ok {
		return false
	}

	instance.setStatus(StatusStopped, r.now())
	instance.appendLog(r.now(), logSourceFactory, "stopped: "+reason)

	return true
}

// ApplyStats copies the supervisor's latest resource reading onto the
// instance.
func (r *Registry) ApplyStats(instanceID string, cpuPercent, memoryMB float64, connectionCount int) bool {
	instance, ok := r.instances.Get(instanceID)
	if !ok {
		return false
	}

	instance.mu.Lock()
	instance.cpuPercent = cpuPercent
	instance.memoryMB = memoryMB
	instance.connectionCount = connectionCount
	instance.mu.Unlock()

	return true
}

// Get refreshes one instance against the runtime and returns its snapshot.
func (r *Registry) Get(ctx context.Context, instanceID string) (Snapshot, bool) {
	instance, ok := r.instances.Get(instanceID)
	if !ok {
		return Snapshot{}, false
	}

	r.refresh(ctx, instance)

	return instance.snapshot(), true
}

// List refreshes every instance and returns snapshots ordered by creation
// time, newest first.
func (r *Registry) List(ctx context.Context) []Snapshot {
	snapshots := make([]Snapshot, 0, r.instances.Count())
	for _, instance := range r.instances.Items() {
		r.refresh(ctx, instance)
		snapshots = append(snapshots, instance.snapshot())
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})

	return snapshots
}

func (r *Registry) Count() int {
	return r.instances.Count()
}

// Remove drops the instance row. Container teardown is the caller's job.
func (r *Registry) Remove(instanceID string) bool {
	return r.instances.RemoveCb(instanceID, func(_ string, _ *GameInstance, exists bool) bool {
		return exists
	})
}

// AppendLog records a factory-side note on the instance's log buffer.
func (r *Registry) AppendLog(instanceID, message string) {
	if instance, ok := r.instances.Get(instanceID); ok {
		instance.appendLog(r.now(), logSourceFactory, message)
	}
}

// Logs merges the instance's internal log buffer with the container's tail.
// Internal entries come first, already ordered; container lines follow.
func (r *Registry) Logs(ctx context.Context, instanceID string, tail int) ([]LogEntry, bool) {
	instance, ok := r.instances.Get(instanceID)
	if !ok {
		return nil, false
	}

	if tail <= 0 {
		tail = defaultLogTail
	}

	merged := instance.internalLogs()

	instance.mu.Lock()
	containerID := instance.containerID
	instance.mu.Unlock()

	if containerID != "" {
		lines, err := r.runtime.ContainerLogs(ctx, containerID, tail)
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			zap.L().Warn("Error reading container logs",
				zap.String("instance_id", instanceID),
				zap.String("container_id", containerID),
				zap.Error(err))
		}

		now := r.now()
		for _, line := range lines {
			merged = append(merged, LogEntry{Timestamp: now, Source: logSourceContainer, Message: line})
		}
	}

	return merged, true
}

// OnSupervisorStopped is wired as the supervisor's OnStopped callback.
func (r *Registry) OnSupervisorStopped(instanceID, reason string) {
	if r.MarkStopped(instanceID, reason) {
		zap.L().Info("Instance stopped by supervisor",
			zap.String("instance_id", instanceID),
			zap.String("reason", reason))
	}
}

// OnSupervisorError is wired as the supervisor's OnError callback.
func (r *Registry) OnSupervisorError(instanceID, containerID, reason string) {
	if r.MarkError(instanceID, reason) {
		zap.L().Warn("Instance failed",
			zap.String("instance_id", instanceID),
			zap.String("container_id", containerID),
			zap.String("reason", reason))
	}
}

// refresh reconciles the recorded status with the runtime's view. Instances
// without a container yet are left alone.
func (r *Registry) refresh(ctx context.Context, instance *GameInstance) {
	instance.mu.Lock()
	containerID := instance.containerID
	status := instance.status
	instance.mu.Unlock()

	if containerID == "" || status == StatusCreating {
		return
	}

	state, err := r.runtime.InspectContainer(ctx, containerID)
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		if status != StatusError {
			instance.setStatus(StatusError, r.now())
			instance.appendLog(r.now(), logSourceFactory, "container missing from runtime")

			instance.mu.Lock()
			instance.lastError = "container missing from runtime"
			instance.mu.Unlock()
		}
	case err != nil:
		zap.L().Warn("Error refreshing instance state",
			zap.String("instance_id", instance.instanceID),
			zap.Error(err))
	case state.Status == runtime.StatusRunning:
		if status != StatusRunning {
			instance.setStatus(StatusRunning, r.now())
		}
	case state.Status == runtime.StatusExited:
		if status == StatusRunning {
			instance.setStatus(StatusStopped, r.now())
		}
	}
}
