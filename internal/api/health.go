package api

import (
	"encoding/json"
	"net/http"
)

type healthSnapshot struct {
	Status              string   `json:"status"`
	ConnectorsConnected int      `json:"connectors_connected"`
	Models              []string `json:"models"`
}

// HealthHandler implements GET /health: a liveness snapshot of the
// broker carrying no secret material, suitable for unauthenticated
// probes (spec §6).
func HealthHandler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := healthSnapshot{
			Status:              "healthy",
			ConnectorsConnected: h.ConnectorCount(),
			Models:              h.Router().Models(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}
