package handlers

import (
	"net/http"
	"time"
)

// Response represents a standard health response wrapper.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func healthyResponse(data any) Response {
	return Response{Status: "healthy", Timestamp: time.Now().UTC(), Data: data}
}

func unhealthyResponse(errMsg string) Response {
	return Response{Status: "unhealthy", Timestamp: time.Now().UTC(), Error: errMsg}
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	fetcher Fetcher
}

// NewHealthHandler creates a new health handler. f may be nil, in which case
// readiness reports unhealthy.
func NewHealthHandler(f Fetcher) *HealthHandler {
	return &HealthHandler{fetcher: f}
}

// Liveness handles GET /health.
//
// Returns 200 OK as long as the HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, healthyResponse(map[string]string{
		"service": "fetchflow",
	}))
}

// Readiness handles GET /health/ready.
//
// Returns 200 with the fetcher stats when requests are accepted, or 503
// before Start and after Stop.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.fetcher == nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse("fetcher not initialized"))
		return
	}

	if !h.fetcher.Running() {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse("fetcher not running"))
		return
	}
	WriteJSONOK(w, healthyResponse(h.fetcher.Stats()))
}
