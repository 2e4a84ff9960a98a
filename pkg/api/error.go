package api

import (
	"time"
)

// ErrorBody is the single shape every non-2xx response carries.
type ErrorBody struct {
	Code      int            `json:"code"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Path      string         `json:"path"`
	Details   map[string]any `json:"details,omitempty"`
}

// Envelope wraps ErrorBody under the "error" key.
type Envelope struct {
	Error ErrorBody `json:"error"`
}

func NewEnvelope(code int, message, path string, details map[string]any) Envelope {
	return Envelope{
		Error: ErrorBody{
			Code:      code,
			Message:   message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Path:      path,
			Details:   details,
		},
	}
}
