package instances

import (
	"sync"
	"time"
)

type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// maxLogEntries bounds the per-instance log buffer; older entries are
// dropped first.
const maxLogEntries = 500

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

const (
	logSourceFactory   = "factory"
	logSourceContainer = "container"
)

// Snapshot is the wire representation of one instance.
type Snapshot struct {
	InstanceID      string    `json:"instance_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	GameType        string    `json:"game_type"`
	Status          Status    `json:"status"`
	ContainerID     string    `json:"container_id,omitempty"`
	ImageTag        string    `json:"image_tag,omitempty"`
	Port            int       `json:"port,omitempty"`
	MaxPlayers      int       `json:"max_players"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryMB        float64   `json:"memory_mb"`
	ConnectionCount int       `json:"connection_count"`
	LastError       string    `json:"last_error,omitempty"`
}

// GameInstance is one uploaded game and its container, if any. All mutable
// fields are guarded by mu; readers go through snapshot.
type GameInstance struct {
	mu sync.Mutex

	instanceID  string
	name        string
	description string
	gameType    string
	maxPlayers  int
	createdAt   time.Time

	status      Status
	containerID string
	imageTag    string
	port        int
	updatedAt   time.Time

	cpuPercent      float64
	memoryMB        float64
	connectionCount int
	lastError       string

	logs []LogEntry
}

func (g *GameInstance) snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Snapshot{
		InstanceID:      g.instanceID,
		Name:            g.name,
		Description:     g.description,
		GameType:        g.gameType,
		Status:          g.status,
		ContainerID:     g.containerID,
		ImageTag:        g.imageTag,
		Port:            g.port,
		MaxPlayers:      g.maxPlayers,
		CreatedAt:       g.createdAt,
		UpdatedAt:       g.updatedAt,
		CPUPercent:      g.cpuPercent,
		MemoryMB:        g.memoryMB,
		ConnectionCount: g.connectionCount,
		LastError:       g.lastError,
	}
}

func (g *GameInstance) appendLog(now time.Time, source, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logs = append(g.logs, LogEntry{Timestamp: now, Source: source, Message: message})
	if len(g.logs) > maxLogEntries {
		g.logs = g.logs[len(g.logs)-maxLogEntries:]
	}
}

func (g *GameInstance) internalLogs() []LogEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]LogEntry(nil), g.logs...)
}

func (g *GameInstance) setStatus(status Status, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.status = status
	g.updatedAt = now
}
