package api

import (
	"net/http"
)

// health handles GET /health: process liveness only.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, "ok", map[string]any{"status": "healthy"})
}

// ready handles GET /health/ready: verifies the store and container engine.
// The analysis backend is advisory; its state is reported but never fails
// readiness.
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if err := h.repo.Ping(r.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if err := h.runtime.Ping(r.Context()); err != nil {
		checks["docker"] = err.Error()
		healthy = false
	} else {
		checks["docker"] = "ok"
	}

	if h.analysis.Enabled() {
		if err := h.analysis.Healthy(r.Context()); err != nil {
			checks["analysis"] = err.Error()
		} else {
			checks["analysis"] = "ok"
		}
	} else {
		checks["analysis"] = "disabled"
	}

	status := http.StatusOK
	message := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		message = "not ready"
	}

	h.respond(w, status, message, map[string]any{"checks": checks})
}
