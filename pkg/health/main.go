package health

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Limited   Status = "limited"
	Unhealthy Status = "unhealthy"
)

type Response struct {
	Status     Status         `json:"status"`
	Version    string         `json:"version"`
	Components map[string]any `json:"components,omitempty"`
}
