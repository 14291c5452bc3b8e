// Package server provides the relay's ops HTTP endpoint: Prometheus metrics,
// health, status and provider usage.
package server

import (
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds ops server configuration.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:9090)
	Addr string

	// Version is reported by /api/status
	Version string

	// ShutdownTimeout is the graceful shutdown timeout (default: 5s)
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults for the ops server.
func DefaultConfig() *Config {
	return &Config{
		Addr:            "127.0.0.1:9090",
		Version:         "dev",
		ShutdownTimeout: 5 * time.Second,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// API RESPONSE TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	StartedAt time.Time `json:"started_at"`
	Surfaces  []string  `json:"surfaces"`
	Provider  string    `json:"provider,omitempty"`
	Healthy   bool      `json:"healthy"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// UsageResponse is the JSON response for the usage endpoint.
type UsageResponse struct {
	Timestamp     string                `json:"timestamp"`
	Provider      string                `json:"provider"`
	Calls         int64                 `json:"calls"`
	Errors        int64                 `json:"errors"`
	InputTokens   int64                 `json:"input_tokens"`
	OutputTokens  int64                 `json:"output_tokens"`
	AvgLatencyMs  int64                 `json:"avg_latency_ms"`
	MinLatencyMs  int64                 `json:"min_latency_ms"`
	MaxLatencyMs  int64                 `json:"max_latency_ms"`
	EstimatedCost float64               `json:"estimated_cost_usd"`
	Models        map[string]ModelUsage `json:"models,omitempty"`
}

// ModelUsage is per-model usage within UsageResponse.
type ModelUsage struct {
	Calls        int64 `json:"calls"`
	Errors       int64 `json:"errors"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// API ERROR TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// APIError represents a structured API error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Common API errors.
var (
	ErrNotFound    = &APIError{Code: 404, Message: "not found"}
	ErrUnavailable = &APIError{Code: 503, Message: "usage tracking not configured"}
)
