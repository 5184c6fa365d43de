package server

import (
	"net/http"

	"github.com/nobody-qwert/cline-local/internal/provider"
)

// listLMStudioModels lists the models of the LM Studio server named by
// ?baseUrl=, or the configured one. Discovered models refine the catalog.
func (s *Server) listLMStudioModels(w http.ResponseWriter, r *http.Request) {
	baseURL := r.URL.Query().Get("baseUrl")
	if baseURL == "" {
		baseURL = s.cache.APIConfiguration().LMStudioBaseURL
	}

	models := provider.ListLMStudioModels(r.Context(), s.httpClient, baseURL)
	s.sessions.Catalog().RegisterLMStudioModels(models)
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// listOllamaModels lists the models of the Ollama server named by
// ?baseUrl=, or the configured one.
func (s *Server) listOllamaModels(w http.ResponseWriter, r *http.Request) {
	baseURL := r.URL.Query().Get("baseUrl")
	if baseURL == "" {
		baseURL = s.cache.APIConfiguration().OllamaBaseURL
	}

	models := provider.ListOllamaModels(r.Context(), s.httpClient, baseURL)
	s.sessions.Catalog().RegisterOllamaModels(models)
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}
