// Package healthhttp serves the gateway's unauthenticated health
// side-channel: GET /health and GET /version. It runs on the same
// listener as the RPC routes but lives in its own package so the RPC
// handler stays focused on the JSON-RPC surface.
package healthhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/execgw/gateway/internal/config"
	"github.com/execgw/gateway/internal/session"
)

// Handler answers health and version probes.
type Handler struct {
	sessions  *session.Manager
	startedAt time.Time
}

// New creates a Handler reporting on sessions, with uptime measured from
// now.
func New(sessions *session.Manager) *Handler {
	return &Handler{sessions: sessions, startedAt: time.Now()}
}

// Register adds the /health and /version routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /version", h.handleVersion)
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	UptimeS  int64  `json:"uptime_s"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{
		Status:   "ok",
		Sessions: h.sessions.Count(),
		UptimeS:  int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": config.Version})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
