package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nobody-qwert/cline-local/internal/cache"
	"github.com/nobody-qwert/cline-local/internal/storage"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

// maxStateValueSize bounds a single PUT /api/state body.
const maxStateValueSize = 1 << 20

// ConfigResponse is the body of GET /api/config. Secrets are never echoed.
type ConfigResponse struct {
	Config          types.APIConfiguration `json:"config"`
	Mode            types.Mode             `json:"mode"`
	OllamaAPIKeySet bool                   `json:"ollamaApiKeySet"`
}

// UpdateConfigRequest is the body of PUT /api/config. Only fields present
// are written.
type UpdateConfigRequest struct {
	types.APIConfiguration
	Mode types.Mode `json:"mode,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"initialized": s.cache.Initialized(),
	})
}

func (s *Server) configResponse() ConfigResponse {
	cfg := s.cache.APIConfiguration()
	resp := ConfigResponse{Mode: s.cache.Mode(), OllamaAPIKeySet: cfg.OllamaAPIKey != ""}
	cfg.OllamaAPIKey = ""
	resp.Config = cfg
	return resp
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configResponse())
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid config: "+err.Error())
		return
	}

	if err := s.cache.SetAPIConfiguration(req.APIConfiguration); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if req.Mode != "" {
		s.cache.SetMode(types.ParseMode(string(req.Mode)))
	}

	writeJSON(w, http.StatusOK, s.configResponse())
}

// namespaceParam resolves the {namespace} URL parameter.
func namespaceParam(r *http.Request) (storage.Namespace, bool) {
	switch chi.URLParam(r, "namespace") {
	case "global":
		return cache.Global, true
	case "secrets", "secret":
		return cache.Secret, true
	case "workspace":
		return cache.Workspace, true
	default:
		return "", false
	}
}

func (s *Server) listState(w http.ResponseWriter, r *http.Request) {
	ns, ok := namespaceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown namespace")
		return
	}

	keys := s.cache.Keys(ns)
	if ns == cache.Secret {
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
		return
	}

	values := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := s.cache.Get(ns, k); ok {
			values[k] = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys, "values": values})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	ns, ok := namespaceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown namespace")
		return
	}
	if ns == cache.Secret {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "secrets are write-only")
		return
	}

	key := chi.URLParam(r, "key")
	v, ok := s.cache.Get(ns, key)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "key not found: "+key)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(v)
}

func (s *Server) putState(w http.ResponseWriter, r *http.Request) {
	ns, ok := namespaceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown namespace")
		return
	}
	key := chi.URLParam(r, "key")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxStateValueSize))
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "body must be a JSON value")
		return
	}

	if ns == cache.Secret {
		var secret *string
		if err := json.Unmarshal(body, &secret); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "secret must be a string")
			return
		}
		value := ""
		if secret != nil {
			value = *secret
		}
		s.cache.SetSecret(key, value)
		writeSuccess(w)
		return
	}

	if err := s.cache.Set(ns, key, json.RawMessage(body)); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) deleteState(w http.ResponseWriter, r *http.Request) {
	ns, ok := namespaceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown namespace")
		return
	}
	s.cache.Delete(ns, chi.URLParam(r, "key"))
	writeSuccess(w)
}

func (s *Server) resetState(w http.ResponseWriter, r *http.Request) {
	ns, ok := namespaceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown namespace")
		return
	}

	var err error
	switch ns {
	case cache.Workspace:
		err = s.cache.ResetWorkspaceState(r.Context())
	default:
		// Secrets are reset together with global state.
		err = s.cache.ResetGlobalState(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}
