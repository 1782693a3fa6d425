package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the admin probes.
//
//	GET /health    — full component report, 200 unless unhealthy
//	GET /readiness — 200 when all critical checks pass, else 503
type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /readiness", h.handleReadiness)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.mgr.Check(r.Context())
	status := http.StatusOK
	if report.Status == StatusUnhealthy.String() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := h.mgr.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !report.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
