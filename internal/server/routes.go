package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		// Provider configuration
		r.Get("/config", s.getConfig)
		r.Put("/config", s.updateConfig)

		// Raw state keys
		r.Route("/state/{namespace}", func(r chi.Router) {
			r.Get("/", s.listState)
			r.Post("/reset", s.resetState)
			r.Get("/{key}", s.getState)
			r.Put("/{key}", s.putState)
			r.Delete("/{key}", s.deleteState)
		})

		// Chat completions
		r.Post("/chat", s.chat) // Streaming response
		r.Get("/chat", s.listChats)
		r.Route("/chat/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getChat)
			r.Post("/cancel", s.cancelChat)
			r.Get("/usage", s.chatUsage)
		})

		// Model discovery
		r.Get("/models/lmstudio", s.listLMStudioModels)
		r.Get("/models/ollama", s.listOllamaModels)

		// Event streaming (SSE)
		r.Get("/events", s.events)
	})
}
