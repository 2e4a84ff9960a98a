package ports

import (
	"context"
	"fmt"
	"sync"

	"github.com/roomforge/roomforge/internal/factory/runtime"
)

// Allocator hands out host ports for new containers. The whole
// probe-and-commit runs under one mutex so two concurrent launches can
// never pick the same port; this mutex serializes allocation only, no
// other work happens under it.
type Allocator struct {
	mu sync.Mutex

	runtime     runtime.ContainerRuntime
	basePort    int
	probeWindow int

	// reserved holds ports committed to launches the runtime may not
	// report yet. Released when the instance is cleaned up.
	reserved map[int]struct{}
}

func NewAllocator(containerRuntime runtime.ContainerRuntime, basePort, probeWindow int) *Allocator {
	return &Allocator{
		runtime:     containerRuntime,
		basePort:    basePort,
		probeWindow: probeWindow,
		reserved:    make(map[int]struct{}),
	}
}

// Allocate returns the smallest free candidate at or above the base port.
// The runtime's port mapping is advisory; the authoritative test remains
// the runtime's refusal to start the container.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.runtime.UsedHostPorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("error probing used ports: %w", err)
	}

	for candidate := a.basePort; candidate < a.basePort+a.probeWindow; candidate++ {
		if _, taken := used[candidate]; taken {
			continue
		}
		if _, taken := a.reserved[candidate]; taken {
			continue
		}

		a.reserved[candidate] = struct{}{}

		return candidate, nil
	}

	return 0, fmt.Errorf("no free port in range %d-%d, capacity exhausted", a.basePort, a.basePort+a.probeWindow-1)
}

// Release frees a reservation after the owning container is gone.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.reserved, port)
}
