package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const version = "0.3.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass", "fail" or "skip"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string           `json:"status"` // "healthy" or "degraded"
	Version    string           `json:"version"`
	Instance   string           `json:"instance,omitempty"`
	Workspaces int              `json:"workspaces"`
	Checks     map[string]Check `json:"checks"`
	Timestamp  string           `json:"timestamp"`
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	// Durable store is required
	if h.data != nil {
		start := time.Now()
		if err := h.data.Ping(ctx); err != nil {
			checks["store"] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
		} else {
			checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	} else {
		checks["store"] = Check{Status: "fail", Message: "not configured"}
		allHealthy = false
	}

	// Redis is optional
	if h.redis != nil {
		start := time.Now()
		if err := h.redis.Ping(ctx); err != nil {
			checks["redis"] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
		} else {
			checks["redis"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	} else {
		checks["redis"] = Check{Status: "skip", Message: "not configured"}
	}

	// A full outbox means persistence is falling behind
	if h.outbox != nil {
		st := h.outbox.Stats()
		if st.Rejected > 0 && st.Pending > 0 {
			checks["outbox"] = Check{Status: "fail", Message: "persistence backlog"}
			allHealthy = false
		} else {
			checks["outbox"] = Check{Status: "pass"}
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Version:   version,
		Instance:  os.Getenv("HOSTNAME"),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.core != nil {
		resp.Workspaces = len(h.core.Workspaces())
	}

	h.JSON(w, statusCode, resp)
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Socket  string `json:"socket"`
}

// Root handles the root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "switchboard",
		Version: version,
		Socket:  "/ws/{workspaceID}",
	})
}
