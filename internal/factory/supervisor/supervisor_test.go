package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomforge/roomforge/internal/factory/runtime"
)

const instanceLabel = "roomforge.instance_id"

func testConfig() Config {
	return Config{
		MaxContainers:   3,
		IdleTimeout:     10 * time.Minute,
		MaxErrorCount:   3,
		CleanupInterval: time.Minute,
		StopTimeout:     10 * time.Second,
		InstanceLabel:   instanceLabel,
	}
}

type callbackRecorder struct {
	mu      sync.Mutex
	stopped []string
	errors  []string
	reasons map[string]string
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{reasons: make(map[string]string)}
}

func (r *callbackRecorder) onStopped(instanceID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, instanceID)
	r.reasons[instanceID] = reason
}

func (r *callbackRecorder) onError(instanceID, _, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, instanceID)
	r.reasons[instanceID] = reason
}

func (r *callbackRecorder) stoppedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stopped)
}

func (r *callbackRecorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func (r *callbackRecorder) reason(instanceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[instanceID]
}

func launch(t *testing.T, fake *runtime.FakeRuntime, sup *Supervisor, instanceID string) string {
	t.Helper()

	_, err := fake.BuildImage(context.Background(), nil, "roomforge:"+instanceID)
	require.NoError(t, err)

	containerID, err := fake.RunContainer(context.Background(), runtime.RunOptions{
		Name:   instanceID,
		Image:  "roomforge:" + instanceID,
		Labels: map[string]string{instanceLabel: instanceID},
	})
	require.NoError(t, err)

	sup.Register(instanceID, containerID, "roomforge:"+instanceID)

	return containerID
}

func TestCanCreateCeiling(t *testing.T) {
	t.Parallel()

	fake := runtime.NewFakeRuntime()
	recorder := newCallbackRecorder()
	sup := New(fake, testConfig(), recorder.onStopped, recorder.onError)

	for i := range 3 {
		launch(t, fake, sup, string(rune('a'+i))+"_instance")
	}

	ok, reason := sup.CanCreate()
	assert.False(t, ok)
	assert.Contains(t, reason, "maximum container limit reached (3/3)")

	sup.Unregister("a_instance")
	ok, reason = sup.CanCreate()
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestIdleSetStrictComparison(t *testing.T) {
	t.Parallel()

	fake := runtime.NewFakeRuntime()
	recorder := newCallbackRecorder()
	sup := New(fake, testConfig(), recorder.onStopped, recorder.onError)

	launch(t, fake, sup, "game_001")

	base := time.Now()
	sup.now = func() time.Time { return base }

	sup.mu.Lock()
	sup.activities["game_001"].LastActivity = base.Add(-sup.config.IdleTimeout)
	sup.mu.Unlock()

	// Exactly at the timeout is not yet idle.
	assert.Empty(t, sup.IdleContainers())

	sup.now = func() time.Time { return base.Add(time.Nanosecond) }
	idle := sup.IdleContainers()
	require.Len(t, idle, 1)
	assert.Equal(t, "game_001", idle[0].InstanceID)
}

func TestIdleSetRequiresZeroConnections(t *testing.T) {
	t.Parallel()

	fake := runtime.NewFakeRuntime()
	recorder := newCallbackRecorder()
	sup := New(fake, testConfig(), recorder.onStopped, recorder.onError)

	launch(t, fake, sup, "game_001")

	sup.mu.Lock()
	sup.activities["game_001"].LastActivity = time.Now().Add(-time.Hour)
	sup.activities["game_001"].ConnectionCount = 2
	sup.mu.Unlock()

	assert.Empty(t, sup.IdleContainers(), "connected containers are never idle")
}

func TestIdleReap(t *testing.T) {
	t.Parallel()

	fake := runtime.NewFakeRuntime()
	recorder := newCallbackRecorder()
	sup := New(fake, testConfig(), recorder.onStopped, recorder.onError)

	containerID := launch(t, fake, sup, "game_001")

	sup.mu.Lock()
	sup.activities["game_001"].LastActivity = time.Now().Add(-(sup.config.IdleTimeout + 100*time.Second))
	sup.mu.Unlock()

	sup.Tick(context.Background())

	assert.Equal(t, 1, fake.StopCalls(containerID), "stop must be called exactly once")
	assert.Equal(t, 1, recorder.stoppedCount())
	assert.Equal(t, ReasonIdleTimeout, recorder.reason("game_001"))

	activity, ok := sup.Get("game_001")
	require.True(t, ok, "idle-stopped rows stay in the table until unregister")
	assert.True(t, activity.IsIdle)

	// A heartbeat clears the idle flag and the next tick leaves it alone.
	require.True(t, sup.UpdateActivity("game_001", 1))
	activity, _ = sup.Get("game_001")
	assert.False(t, activity.IsIdle)

	fake.SetState(containerID, runtime.ContainerState{Status: runtime.StatusRunning})
	sup.Tick(context.Background())
	assert.Equal(t, 1, fake.StopCalls(containerID), "no second idle stop after activity resumed")
}

func TestErrorBudget(t *testing.T) {
	t.Parallel()

	fake := runtime.NewFakeRuntime()
	recorder := newCallbackRecorder()
	sup := New(fake, testConfig(), recorder.onStopped, recorder.onError)

	containerID := launch(t, fake, sup, "game_001")

	require.True(t, sup.RecordError("game_001", "boom 1"))
	require.True(t, sup.RecordError("game_001", "boom 2"))

	assert.Empty(t, sup.ErrorContainers(), "below the budget is not in the error set")

	require.True(t, sup.RecordError("game_001", "boom 3"))

	failed := sup.ErrorContainers()
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].ErrorCount)

	sup.Tick(context.Background())

	assert.Equal(t, 1, fake.StopCalls(containerID))
	assert.Equal(t, 1, recorder.errorCount())
	assert.Equal(t, "boom 3", recorder.reason("game_001"))

	// Re-firing is suppressed on the next tick.
	sup.Tick(context.Background())
	assert.Equal(t, 1, recorder.errorCount())
}

func TestTickDetectsExitedContainer(t *testing.T) {
	t.Parallel()

	fake := runtime.NewFakeRuntime()
	recorder := newCallbackRecorder()
	sup := New(fake, testConfig(), recorder.onStopped, recorder.onError)

	containerID := launch(t, fake, sup, "game_001")
	fake.SetState(containerID, runtime.ContainerState{Status: runtime.StatusExited, ExitCode: 137})

	sup.Tick(context.Background())

	assert.Equal(t, 1, recorder.errorCount())
	assert.Contains(t, recorder.reason("game_001"), "exited")

	activity, ok := sup.Get("game_001")
	require.True(t, ok, "exited rows are kept; delete owns removal")
	assert.Equal(t, 1, activity.ErrorCount)
}

func TestTickDetectsMissingContainer(t *testing.T) {
	t.Parallel()

	fake := runtime.NewFakeRuntime()
	recorder := newCallbackRecorder()
	sup := New(fake, testConfig(), recorder.onStopped, recorder.onError)

	containerID := launch(t, fake, sup, "game_001")
	fake.Forget(containerID)

	sup.Tick(context.Background())

	assert.Equal(t, 1, recorder.errorCount())
	assert.Contains(t, recorder.reason("game_001"), "not found")
}

func TestTickRefreshesStats(t *testing.T) {
	t.Parallel()

	fake := runtime.NewFakeRuntime()
	recorder := newCallbackRecorder()
	sup := New(fake, testConfig(), recorder.onStopped, recorder.onError)

	containerID := launch(t, fake, sup, "game_001")
	fake.SetStats(containerID, runtime.Stats{CPUPercent: 12.5, MemoryMB: 64})

	sup.Tick(context.Background())

	activity, ok := sup.Get("game_001")
	require.True(t, ok)
	assert.InDelta(t, 12.5, activity.CPUPercent, 0.001)
	assert.InDelta(t, 64, activity.MemoryMB, 0.001)
}

func TestTickWithNoTrackedInstances(t *testing.T) {
	t.Parallel()

	fake := runtime.NewFakeRuntime()
	recorder := newCallbackRecorder()
	sup := New(fake, testConfig(), recorder.onStopped, recorder.onError)

	sup.Tick(context.Background())

	assert.Zero(t, recorder.stoppedCount())
	assert.Zero(t, recorder.errorCount())
}

func TestForceCleanupIdempotence(t *testing.T) {
	t.Parallel()

	fake := runtime.NewFakeRuntime()
	recorder := newCallbackRecorder()
	sup := New(fake, testConfig(), recorder.onStopped, recorder.onError)

	launch(t, fake, sup, "game_001")

	assert.True(t, sup.ForceCleanup(context.Background(), "game_001"))
	assert.Zero(t, fake.ContainerCount(), "cleanup removes labeled containers")
	assert.False(t, fake.HasImage("roomforge:game_001"), "cleanup removes the image")

	assert.False(t, sup.ForceCleanup(context.Background(), "game_001"), "second cleanup reports false")
}
