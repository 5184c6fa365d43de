package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nobody-qwert/cline-local/internal/logging"
	"github.com/nobody-qwert/cline-local/internal/session"
	"github.com/nobody-qwert/cline-local/internal/transform"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

// ChatRequest is the body of POST /api/chat. History is given either as
// generic messages or in OpenAI wire format.
type ChatRequest struct {
	SystemPrompt   string                    `json:"systemPrompt"`
	Messages       []types.ChatMessage       `json:"messages,omitempty"`
	OpenAIMessages []transform.OpenAIMessage `json:"openaiMessages,omitempty"`
	Mode           types.Mode                `json:"mode,omitempty"`
}

// SessionEvent is the first event of a chat stream.
type SessionEvent struct {
	ID       string            `json:"id"`
	Provider types.APIProvider `json:"provider"`
	ModelID  string            `json:"modelID"`
}

// DoneEvent is the last event of a successful chat stream.
type DoneEvent struct {
	ID    string            `json:"id"`
	Usage *types.UsageChunk `json:"usage,omitempty"`
}

// chat streams a completion as SSE: one session event, then text,
// reasoning and usage events in arrival order, then done or error.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request: "+err.Error())
		return
	}

	if len(req.OpenAIMessages) > 0 {
		systemPrompt, messages, err := transform.FromOpenAIMessages(req.OpenAIMessages)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
		if req.SystemPrompt == "" {
			req.SystemPrompt = systemPrompt
		}
		req.Messages = append(messages, req.Messages...)
	}

	var mode types.Mode
	if req.Mode != "" {
		mode = types.ParseMode(string(req.Mode))
	}

	// The request context ends the stream when the client goes away.
	stream, err := s.sessions.Start(r.Context(), session.Request{
		SystemPrompt: req.SystemPrompt,
		Messages:     req.Messages,
		Mode:         mode,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeProviderError, err.Error())
		return
	}
	defer stream.Close()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	info, _ := s.sessions.Get(stream.ID)
	if err := sse.writeEvent("session", SessionEvent{ID: stream.ID, Provider: info.Provider, ModelID: stream.Model.ID}); err != nil {
		return
	}

	var usage *types.UsageChunk
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			_ = sse.writeEvent("done", DoneEvent{ID: stream.ID, Usage: usage})
			return
		}
		if err != nil {
			_ = sse.writeEvent("error", map[string]string{"id": stream.ID, "message": err.Error()})
			return
		}

		var writeErr error
		switch c := chunk.(type) {
		case types.TextChunk:
			writeErr = sse.writeEvent("text", c)
		case types.ReasoningChunk:
			writeErr = sse.writeEvent("reasoning", c)
		case types.UsageChunk:
			usage = &c
			writeErr = sse.writeEvent("usage", c)
		}
		if writeErr != nil {
			logging.Component("server").Debug().Err(writeErr).Str("session", stream.ID).Msg("chat client went away")
			return
		}
	}
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Active())
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) cancelChat(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Cancel(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) chatUsage(w http.ResponseWriter, r *http.Request) {
	usage, ok, err := s.sessions.LastUsage(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	resp := map[string]any{"available": ok}
	if ok {
		resp["usage"] = usage
	}
	writeJSON(w, http.StatusOK, resp)
}
