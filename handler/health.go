package handler

import (
	"encoding/json"
	"net/http"

	"github.com/sergeybar/ak-gateway/internal/store"
)

// Health serves /health and the additive /health/detail probe.
type Health struct {
	store *store.Store
}

func NewHealth(st *store.Store) *Health {
	return &Health{store: st}
}

// Healthz implements the public GET /health contract exactly: always
// a flat {"status":"healthy"} 200, regardless of backing-store state.
func (h *Health) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// Detail reports store reachability for the liveness probe. Not part
// of the public contract in §6 — additive only.
func (h *Health) Detail(w http.ResponseWriter, r *http.Request) {
	storeOK := h.store.Ping() == nil

	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"store_reachable": storeOK,
	})
}
