package runtime

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a container or image is gone from the runtime.
var ErrNotFound = errors.New("not found in container runtime")

// Status values reported by InspectContainer. These mirror the Docker
// container states the control plane cares about; anything else passes
// through verbatim.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
	StatusCreated = "created"
)

type ContainerState struct {
	Status   string
	ExitCode int
}

type Stats struct {
	CPUPercent float64
	MemoryMB   float64
}

type ContainerSummary struct {
	ID     string
	Image  string
	Labels map[string]string
	State  string
}

type RunOptions struct {
	Name          string
	Image         string
	ContainerPort int
	HostPort      int
	Env           map[string]string
	Labels        map[string]string
	Network       string
	MemoryLimitMB int64
	CPULimit      float64
}

// ContainerRuntime is the only door to the container engine. The supervisor
// and the upload pipeline depend on this interface, never on the Docker
// client directly, so lifecycle scenarios are reproducible with a fake.
type ContainerRuntime interface {
	BuildImage(ctx context.Context, contextTar io.Reader, tag string) (imageID string, err error)
	RunContainer(ctx context.Context, opts RunOptions) (containerID string, err error)
	InspectContainer(ctx context.Context, containerID string) (ContainerState, error)
	ContainerStats(ctx context.Context, containerID string) (Stats, error)
	ContainerLogs(ctx context.Context, containerID string, tail int) ([]string, error)
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	RemoveImage(ctx context.Context, tag string) error
	ListByLabel(ctx context.Context, key, value string) ([]ContainerSummary, error)
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) error
	UsedHostPorts(ctx context.Context) (map[int]struct{}, error)
	Ping(ctx context.Context) error
}
