package supervisor

import "time"

// Activity is the supervisor's view of one managed container. A snapshot is
// returned by queries; the live row stays behind the supervisor's lock.
type Activity struct {
	InstanceID      string    `json:"instance_id"`
	ContainerID     string    `json:"container_id"`
	ImageTag        string    `json:"-"`
	LastActivity    time.Time `json:"last_activity"`
	ConnectionCount int       `json:"connection_count"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryMB        float64   `json:"memory_mb"`
	IsIdle          bool      `json:"is_idle"`
	ErrorCount      int       `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`

	// stoppedBySupervisor marks rows whose container this loop already
	// stopped (idle or error budget); ticks skip them until activity
	// resumes. The user-level delete path owns removal.
	stoppedBySupervisor bool
	// errorNotified suppresses repeat on_error callbacks for the same
	// failure state.
	errorNotified bool
}

func (a *Activity) snapshot() Activity {
	copied := *a
	return copied
}
