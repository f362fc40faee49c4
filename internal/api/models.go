package api

import (
	"encoding/json"
	"net/http"
)

type modelEntry struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// ModelsHandler implements GET /v1/models: the set union of currently
// mapped model names across live sessions, per the router.
func ModelsHandler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := h.Router().Models()
		resp := modelList{Object: "list", Data: make([]modelEntry, 0, len(names))}
		for _, n := range names {
			resp.Data = append(resp.Data, modelEntry{ID: n, Object: "model"})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
