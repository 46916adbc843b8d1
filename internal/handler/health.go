package handler

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Pinger is anything readiness depends on: the credential store, the
// reset ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	deps    map[string]Pinger
	timeout time.Duration
}

func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps, timeout: 2 * time.Second}
}

type readyResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Checks  map[string]string `json:"checks"`
}

// HandleLive answers as long as the process is serving.
//
// HTTP: GET /healthz
func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ok("ok"))
}

// HandleReady pings every dependency. Any failure answers 503 so the load
// balancer stops routing here.
//
// HTTP: GET /readyz
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.deps[name].Ping(ctx); err != nil {
			checks[name] = "unavailable"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Message: "not ready", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{Success: true, Message: "ready", Checks: checks})
}
