package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/viljo/RemoteLLMconnector/internal/metrics"
)

// NewExternalRouter builds the external-facing OpenAI-compatible HTTP
// API (chat completions + models), guarded by RequireUserKey.
func NewExternalRouter(h *Hub, userKeys []string, upstreamTimeout time.Duration) chi.Router {
	r := chi.NewRouter()
	for _, m := range middlewareChain() {
		r.Use(m)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Group(func(r chi.Router) {
		r.Use(RequireUserKey(userKeys))
		r.Post("/v1/chat/completions", ChatCompletionsHandler(h, upstreamTimeout))
		r.Get("/v1/models", ModelsHandler(h))
	})

	return r
}

// NewHealthRouter builds the unauthenticated liveness/metrics surface,
// bound to its own port per spec (typical default 8080), distinct from
// both the external API and the connector duplex listener.
func NewHealthRouter(h *Hub) chi.Router {
	r := chi.NewRouter()
	r.Get("/health", HealthHandler(h))
	r.Handle("/metrics", metrics.Handler())
	return r
}

// NewDuplexRouter builds the internal listener that accepts connector
// duplex sessions. It is bound to a dedicated port distinct from the
// external API (spec §6) and carries no user-facing auth middleware —
// authentication happens inside the AUTH frame handshake itself.
func NewDuplexRouter(h *Hub, path string) chi.Router {
	r := chi.NewRouter()
	r.Get(path, h.AcceptDuplex)
	return r
}
