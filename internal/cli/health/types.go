// Package health provides shared types for health check responses.
package health

// Response mirrors the admin API health/readiness envelope.
type Response struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Data      struct {
		Status string `json:"status,omitempty"`
		Store  string `json:"store,omitempty"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}
