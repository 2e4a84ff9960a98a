package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomforge/roomforge/internal/factory/runtime"
)

// ReasonIdleTimeout is the reason passed to OnStopped when a container is
// reaped for inactivity.
const ReasonIdleTimeout = "idle_timeout"

type Config struct {
	MaxContainers   int
	IdleTimeout     time.Duration
	MaxErrorCount   int
	CleanupInterval time.Duration
	StopTimeout     time.Duration

	// InstanceLabel is the label key carrying the instance id on every
	// container and image the factory creates; ForceCleanup selects by it.
	InstanceLabel string
}

type (
	// OnStopped is fired after the supervisor stopped a container on its own.
	OnStopped func(instanceID, reason string)
	// OnError is fired when a container exceeded its error budget or is gone
	// from the runtime.
	OnError func(instanceID, containerID, reason string)
)

// Supervisor owns the activity table. A single mutex guards the table; the
// lock is never held across runtime RPCs.
type Supervisor struct {
	mu         sync.Mutex
	activities map[string]*Activity

	runtime   runtime.ContainerRuntime
	config    Config
	onStopped OnStopped
	onError   OnError

	now func() time.Time
}

func New(containerRuntime runtime.ContainerRuntime, config Config, onStopped OnStopped, onError OnError) *Supervisor {
	return &Supervisor{
		activities: make(map[string]*Activity),
		runtime:    containerRuntime,
		config:     config,
		onStopped:  onStopped,
		onError:    onError,
		now:        time.Now,
	}
}

// Start runs the cleanup loop until ctx is cancelled. Ticks never overlap.
func (s *Supervisor) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// CanCreate reports whether a new container is admissible.
func (s *Supervisor) CanCreate() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.activities) >= s.config.MaxContainers {
		return false, fmt.Sprintf("maximum container limit reached (%d/%d)", len(s.activities), s.config.MaxContainers)
	}

	return true, ""
}

// Register adds a freshly launched container to the activity table.
func (s *Supervisor) Register(instanceID, containerID, imageTag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activities[instanceID] = &Activity{
		InstanceID:   instanceID,
		ContainerID:  containerID,
		ImageTag:     imageTag,
		LastActivity: s.now(),
	}
}

func (s *Supervisor) Unregister(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.activities[instanceID]
	delete(s.activities, instanceID)

	return ok
}

// UpdateActivity records a heartbeat from the front end.
func (s *Supervisor) UpdateActivity(instanceID string, connectionCount int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	activity, ok := s.activities[instanceID]
	if !ok {
		return false
	}

	activity.LastActivity = s.now()
	activity.ConnectionCount = connectionCount
	activity.IsIdle = false
	activity.stoppedBySupervisor = false
	activity.errorNotified = false

	return true
}

// RecordError bumps the error budget. Callbacks fire from the tick, not here.
func (s *Supervisor) RecordError(instanceID, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	activity, ok := s.activities[instanceID]
	if !ok {
		return false
	}

	activity.ErrorCount++
	activity.LastError = message
	activity.errorNotified = false

	return true
}

// Get returns a snapshot of one activity row.
func (s *Supervisor) Get(instanceID string) (Activity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	activity, ok := s.activities[instanceID]
	if !ok {
		return Activity{}, false
	}

	return activity.snapshot(), true
}

// Activities returns a snapshot of the whole table.
func (s *Supervisor) Activities() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]Activity, 0, len(s.activities))
	for _, activity := range s.activities {
		snapshots = append(snapshots, activity.snapshot())
	}

	return snapshots
}

func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.activities)
}

// IdleContainers returns the current idle set. The comparison is strict:
// exactly-at-timeout is not yet idle.
func (s *Supervisor) IdleContainers() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.idleSetLocked()
}

func (s *Supervisor) idleSetLocked() []Activity {
	now := s.now()

	var idle []Activity
	for _, activity := range s.activities {
		if activity.stoppedBySupervisor {
			continue
		}

		if now.Sub(activity.LastActivity) > s.config.IdleTimeout && activity.ConnectionCount == 0 {
			idle = append(idle, activity.snapshot())
		}
	}

	return idle
}

// ErrorContainers returns rows that exhausted their error budget.
func (s *Supervisor) ErrorContainers() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.errorSetLocked()
}

func (s *Supervisor) errorSetLocked() []Activity {
	var failed []Activity
	for _, activity := range s.activities {
		if activity.ErrorCount >= s.config.MaxErrorCount {
			failed = append(failed, activity.snapshot())
		}
	}

	return failed
}

// Tick runs one pass of the per-tick procedure: stats refresh, exited
// detection, idle reaping, error-budget enforcement - in that order.
func (s *Supervisor) Tick(ctx context.Context) {
	exited := s.refreshStats(ctx)

	for _, activity := range exited {
		s.notifyError(activity.InstanceID, activity.ContainerID, activity.LastError)
	}

	for _, activity := range s.idleSet() {
		if err := s.runtime.StopContainer(ctx, activity.ContainerID, s.config.StopTimeout); err != nil {
			zap.L().Error("Error stopping idle container",
				zap.String("instance_id", activity.InstanceID),
				zap.String("container_id", activity.ContainerID),
				zap.Error(err))
			continue
		}

		s.markStopped(activity.InstanceID, true)
		s.onStopped(activity.InstanceID, ReasonIdleTimeout)
	}

	for _, activity := range s.errorSet() {
		if err := s.runtime.StopContainer(ctx, activity.ContainerID, s.config.StopTimeout); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			zap.L().Error("Error stopping failed container",
				zap.String("instance_id", activity.InstanceID),
				zap.String("container_id", activity.ContainerID),
				zap.Error(err))
		}

		s.markStopped(activity.InstanceID, false)
		s.notifyError(activity.InstanceID, activity.ContainerID, activity.LastError)
	}
}

// refreshStats polls the runtime for every tracked container and returns the
// exited set. The lock is released around each runtime RPC.
func (s *Supervisor) refreshStats(ctx context.Context) []Activity {
	s.mu.Lock()
	tracked := make([]Activity, 0, len(s.activities))
	for _, activity := range s.activities {
		if activity.stoppedBySupervisor {
			continue
		}
		tracked = append(tracked, activity.snapshot())
	}
	s.mu.Unlock()

	var exited []Activity

	for _, activity := range tracked {
		state, err := s.runtime.InspectContainer(ctx, activity.ContainerID)
		switch {
		case errors.Is(err, runtime.ErrNotFound):
			reason := "container not found in runtime"
			s.recordErrorInternal(activity.InstanceID, reason)
			if snapshot, ok := s.Get(activity.InstanceID); ok {
				exited = append(exited, snapshot)
			}
			continue
		case err != nil:
			s.recordErrorInternal(activity.InstanceID, fmt.Sprintf("inspect failed: %v", err))
			continue
		}

		if state.Status != runtime.StatusRunning {
			reason := fmt.Sprintf("container state is %q (exit code %d)", state.Status, state.ExitCode)
			s.recordErrorInternal(activity.InstanceID, reason)

			if state.Status == runtime.StatusExited {
				if snapshot, ok := s.Get(activity.InstanceID); ok {
					exited = append(exited, snapshot)
				}
			}
			continue
		}

		stats, err := s.runtime.ContainerStats(ctx, activity.ContainerID)
		if err != nil {
			s.recordErrorInternal(activity.InstanceID, fmt.Sprintf("stats failed: %v", err))
			continue
		}

		s.mu.Lock()
		if row, ok := s.activities[activity.InstanceID]; ok {
			row.CPUPercent = stats.CPUPercent
			row.MemoryMB = stats.MemoryMB
		}
		s.mu.Unlock()
	}

	return exited
}

func (s *Supervisor) idleSet() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.idleSetLocked()
}

func (s *Supervisor) errorSet() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []Activity
	for _, activity := range s.errorSetLocked() {
		if !s.activities[activity.InstanceID].errorNotified {
			failed = append(failed, activity)
		}
	}

	return failed
}

func (s *Supervisor) markStopped(instanceID string, idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if activity, ok := s.activities[instanceID]; ok {
		activity.stoppedBySupervisor = true
		if idle {
			activity.IsIdle = true
		}
	}
}

// notifyError fires on_error once per failure state. UpdateActivity and
// RecordError re-arm the notification.
func (s *Supervisor) notifyError(instanceID, containerID, reason string) {
	s.mu.Lock()
	activity, ok := s.activities[instanceID]
	if !ok || activity.errorNotified {
		s.mu.Unlock()
		return
	}
	activity.errorNotified = true
	s.mu.Unlock()

	s.onError(instanceID, containerID, reason)
}

// recordErrorInternal is RecordError without re-arming the error callback;
// the tick decides when to notify.
func (s *Supervisor) recordErrorInternal(instanceID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if activity, ok := s.activities[instanceID]; ok {
		activity.ErrorCount++
		activity.LastError = message
	}
}

// ForceCleanup stops the container, removes every runtime resource labeled
// with the instance id, and drops the activity row. It reports true only
// when the row existed and every runtime operation succeeded.
func (s *Supervisor) ForceCleanup(ctx context.Context, instanceID string) bool {
	s.mu.Lock()
	activity, ok := s.activities[instanceID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	containerID := activity.ContainerID
	imageTag := activity.ImageTag
	s.mu.Unlock()

	succeeded := true

	if err := s.runtime.StopContainer(ctx, containerID, s.config.StopTimeout); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		zap.L().Error("Error stopping container during cleanup", zap.String("instance_id", instanceID), zap.Error(err))
		succeeded = false
	}

	containers, err := s.runtime.ListByLabel(ctx, s.config.InstanceLabel, instanceID)
	if err != nil {
		zap.L().Error("Error listing containers during cleanup", zap.String("instance_id", instanceID), zap.Error(err))
		succeeded = false
	}

	for _, summary := range containers {
		if err := s.runtime.RemoveContainer(ctx, summary.ID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			zap.L().Error("Error removing container during cleanup", zap.String("container_id", summary.ID), zap.Error(err))
			succeeded = false
		}
	}

	if imageTag != "" {
		if err := s.runtime.RemoveImage(ctx, imageTag); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			zap.L().Error("Error removing image during cleanup", zap.String("image_tag", imageTag), zap.Error(err))
			succeeded = false
		}
	}

	s.mu.Lock()
	delete(s.activities, instanceID)
	s.mu.Unlock()

	return succeeded
}
