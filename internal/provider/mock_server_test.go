package provider

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// mockRequest records an incoming request for verification.
type mockRequest struct {
	Path    string
	Headers http.Header
	Body    map[string]any
}

// mockServer mimics the streaming endpoints of LM Studio and Ollama.
// Each request is answered by the next script in order; the last script
// is reused once the list is exhausted.
type mockServer struct {
	t       *testing.T
	server  *httptest.Server
	mu      sync.Mutex
	scripts []mockScript
	reqs    []mockRequest
}

// mockScript answers one request.
type mockScript func(w http.ResponseWriter, r *http.Request)

func newMockServer(t *testing.T, scripts ...mockScript) *mockServer {
	t.Helper()
	m := &mockServer{t: t, scripts: scripts}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockServer) URL() string { return m.server.URL }

func (m *mockServer) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	m.mu.Lock()
	m.reqs = append(m.reqs, mockRequest{Path: r.URL.Path, Headers: r.Header.Clone(), Body: body})
	idx := len(m.reqs) - 1
	if idx >= len(m.scripts) {
		idx = len(m.scripts) - 1
	}
	script := m.scripts[idx]
	m.mu.Unlock()

	script(w, r)
}

func (m *mockServer) Requests() []mockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockRequest(nil), m.reqs...)
}

// sseScript streams the given data payloads as SSE frames, flushing after
// each, and terminates with [DONE].
func sseScript(payloads ...string) mockScript {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, p := range payloads {
			_, _ = io.WriteString(w, "data: "+p+"\n\n")
			flusher.Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

// ndjsonScript streams the given JSON lines.
func ndjsonScript(lines ...string) mockScript {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, l := range lines {
			_, _ = io.WriteString(w, l+"\n")
			flusher.Flush()
		}
	}
}

func statusScript(code int) mockScript {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(code), code)
	}
}

// abortAfterScript writes the given SSE payloads and then drops the
// connection without finishing the response.
func abortAfterScript(payloads ...string) mockScript {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, p := range payloads {
			_, _ = io.WriteString(w, "data: "+p+"\n\n")
			flusher.Flush()
		}
		panic(http.ErrAbortHandler)
	}
}

// blockingScript writes one payload and then waits for the client to go away.
func blockingScript(payload string) mockScript {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: "+payload+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
