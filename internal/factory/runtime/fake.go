package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// FakeRuntime is an in-memory ContainerRuntime used by lifecycle tests.
// Error fields, when set, are returned by the corresponding call.
type FakeRuntime struct {
	mu sync.Mutex

	BuildErr error
	RunErr   error
	StopErr  error
	PingErr  error

	nextContainer int
	containers    map[string]*fakeContainer
	images        map[string]bool
	usedPorts     map[int]struct{}
	networks      map[string]bool

	stopCalls map[string]int
}

type fakeContainer struct {
	id     string
	image  string
	labels map[string]string
	state  ContainerState
	stats  Stats
	logs   []string
	port   int
}

var _ ContainerRuntime = (*FakeRuntime)(nil)

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
		usedPorts:  make(map[int]struct{}),
		networks:   make(map[string]bool),
		stopCalls:  make(map[string]int),
	}
}

func (f *FakeRuntime) BuildImage(_ context.Context, contextTar io.Reader, tag string) (string, error) {
	if contextTar != nil {
		_, _ = io.Copy(io.Discard, contextTar)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.BuildErr != nil {
		return "", f.BuildErr
	}

	f.images[tag] = true

	return "sha256:fake-" + tag, nil
}

func (f *FakeRuntime) RunContainer(_ context.Context, opts RunOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RunErr != nil {
		return "", f.RunErr
	}

	f.nextContainer++
	id := fmt.Sprintf("fake-container-%d", f.nextContainer)
	f.containers[id] = &fakeContainer{
		id:     id,
		image:  opts.Image,
		labels: opts.Labels,
		state:  ContainerState{Status: StatusRunning},
		port:   opts.HostPort,
	}
	f.usedPorts[opts.HostPort] = struct{}{}

	return id, nil
}

func (f *FakeRuntime) InspectContainer(_ context.Context, containerID string) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return ContainerState{}, ErrNotFound
	}

	return c.state, nil
}

func (f *FakeRuntime) ContainerStats(_ context.Context, containerID string) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return Stats{}, ErrNotFound
	}

	return c.stats, nil
}

func (f *FakeRuntime) ContainerLogs(_ context.Context, containerID string, tail int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return nil, ErrNotFound
	}

	if tail > 0 && tail < len(c.logs) {
		return append([]string(nil), c.logs[len(c.logs)-tail:]...), nil
	}

	return append([]string(nil), c.logs...), nil
}

func (f *FakeRuntime) StopContainer(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopCalls[containerID]++

	if f.StopErr != nil {
		return f.StopErr
	}

	c, ok := f.containers[containerID]
	if !ok {
		return ErrNotFound
	}

	c.state = ContainerState{Status: StatusExited}
	delete(f.usedPorts, c.port)

	return nil
}

func (f *FakeRuntime) RemoveContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return ErrNotFound
	}

	delete(f.usedPorts, c.port)
	delete(f.containers, containerID)

	return nil
}

func (f *FakeRuntime) RemoveImage(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.images[tag] {
		return ErrNotFound
	}

	delete(f.images, tag)

	return nil
}

func (f *FakeRuntime) ListByLabel(_ context.Context, key, value string) ([]ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var summaries []ContainerSummary
	for _, c := range f.containers {
		if c.labels[key] == value {
			summaries = append(summaries, ContainerSummary{
				ID:     c.id,
				Image:  c.image,
				Labels: c.labels,
				State:  c.state.Status,
			})
		}
	}

	return summaries, nil
}

func (f *FakeRuntime) EnsureNetwork(_ context.Context, name string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.networks[name] = true

	return nil
}

func (f *FakeRuntime) UsedHostPorts(_ context.Context) (map[int]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	used := make(map[int]struct{}, len(f.usedPorts))
	for port := range f.usedPorts {
		used[port] = struct{}{}
	}

	return used, nil
}

func (f *FakeRuntime) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.PingErr
}

// Test hooks below, all safe to call concurrently with the runtime.

func (f *FakeRuntime) SetState(containerID string, state ContainerState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.containers[containerID]; ok {
		c.state = state
	}
}

func (f *FakeRuntime) SetStats(containerID string, stats Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.containers[containerID]; ok {
		c.stats = stats
	}
}

func (f *FakeRuntime) SetLogs(containerID string, logs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.containers[containerID]; ok {
		c.logs = append([]string(nil), logs...)
	}
}

// Forget drops the container without going through stop/remove, simulating
// an out-of-band `docker rm`.
func (f *FakeRuntime) Forget(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.containers[containerID]; ok {
		delete(f.usedPorts, c.port)
	}
	delete(f.containers, containerID)
}

func (f *FakeRuntime) StopCalls(containerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stopCalls[containerID]
}

func (f *FakeRuntime) HasImage(tag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.images[tag]
}

func (f *FakeRuntime) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.containers)
}
