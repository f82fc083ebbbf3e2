package handlers

import (
	"net/http"

	"sessionplane/internal/logger"
)

// Healthz answers liveness checks without touching any dependency.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz reports ready only while Postgres answers a ping, so the load
// balancer holds session and reminder traffic until the store is reachable.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		logger.FromContext(r.Context(), nil).Warn("readiness check failed", "error", err)
		h.httpError(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}
	h.respondJson(w, http.StatusOK, map[string]string{"status": "ready", "postgres": "ok"})
}
