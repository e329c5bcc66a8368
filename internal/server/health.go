package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

var startTime = time.Now()

// HealthHandler serves liveness and readiness endpoints.
type HealthHandler struct {
	runtime  Runtime
	listener *Listener
}

// NewHealthHandler creates a new health check handler. rt may be nil.
func NewHealthHandler(rt Runtime, l *Listener) *HealthHandler {
	return &HealthHandler{runtime: rt, listener: l}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ready", "/readyz":
		h.readiness(w)
	default:
		h.liveness(w)
	}
}

func (h *HealthHandler) liveness(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startTime).String(),
	})
}

// readiness reports ready while the listener accepts connections and the
// runtime has at least one worker.
func (h *HealthHandler) readiness(w http.ResponseWriter) {
	ready := h.listener == nil || !h.listener.closing.Load()

	body := map[string]interface{}{
		"uptime":         time.Since(startTime).String(),
		"uptime_seconds": time.Since(startTime).Seconds(),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
	}
	if h.listener != nil {
		body["connections"] = h.listener.Connections()
	}
	if h.runtime != nil {
		stats := h.runtime.Stats()
		ready = ready && stats.TotalWorkers > 0
		body["workers"] = map[string]interface{}{
			"total": stats.TotalWorkers,
			"busy":  stats.BusyWorkers,
			"idle":  stats.IdleWorkers,
		}
		body["requests_total"] = stats.TotalRequests
		body["requests_failed"] = stats.FailedRequests
	}

	status := http.StatusOK
	body["status"] = "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		body["status"] = "not_ready"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
