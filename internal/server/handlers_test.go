package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/nobody-qwert/cline-local/internal/cache"
	"github.com/nobody-qwert/cline-local/internal/event"
	"github.com/nobody-qwert/cline-local/internal/retry"
	"github.com/nobody-qwert/cline-local/internal/session"
	"github.com/nobody-qwert/cline-local/internal/storage"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	cache *cache.Service
	bus   *event.Bus
}

// setupTestServer wires a server to an Ollama backend at ollamaURL.
func setupTestServer(t *testing.T, ollamaURL string) *testEnv {
	t.Helper()

	store := storage.NewStateStore(storage.New(afero.NewMemMapFs(), "/state"))
	c := cache.New(store, cache.WithDelay(time.Hour))
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.SetAPIConfiguration(types.APIConfiguration{
		PlanModeAPIProvider:  types.ProviderOllama,
		ActModeAPIProvider:   types.ProviderOllama,
		OllamaBaseURL:        ollamaURL,
		ActModeOllamaModelID: "llama3",
	}); err != nil {
		t.Fatalf("SetAPIConfiguration failed: %v", err)
	}

	bus := event.NewBus()
	sessions := session.NewService(c, session.Options{
		Bus:   bus,
		Retry: retry.Options{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	srv := New(nil, c, sessions, bus)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		_ = bus.Close()
	})
	return &testEnv{srv: srv, http: ts, cache: c, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	return v
}

// ndjson serves the given Ollama frames on /api/chat.
func ndjson(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, f := range frames {
			io.WriteString(w, f+"\n")
			w.(http.Flusher).Flush()
		}
	}
}

type sseEvent struct {
	name string
	data string
}

// readSSE reads one event, skipping comments.
func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading event stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t, "")

	resp := env.do(t, "GET", "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" || body["initialized"] != true {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestConfig_UpdateRedactsKey(t *testing.T) {
	env := setupTestServer(t, "")

	resp := env.do(t, "PUT", "/api/config", map[string]any{
		"ollamaApiKey":          "sk-local",
		"planModeOllamaModelId": "qwen3",
		"mode":                  "plan",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	got := decode[ConfigResponse](t, env.do(t, "GET", "/api/config", nil))
	if !got.OllamaAPIKeySet {
		t.Error("expected ollamaApiKeySet")
	}
	if got.Config.OllamaAPIKey != "" {
		t.Error("api key must not be echoed")
	}
	if got.Config.PlanModeOllamaModelID != "qwen3" || got.Config.ActModeOllamaModelID != "llama3" {
		t.Errorf("unexpected config: %+v", got.Config)
	}
	if got.Mode != types.ModePlan {
		t.Errorf("Expected plan mode, got %s", got.Mode)
	}
	if env.cache.GetSecret("ollamaApiKey") != "sk-local" {
		t.Error("api key should be stored as a secret")
	}
}

func TestConfig_InvalidBody(t *testing.T) {
	env := setupTestServer(t, "")

	resp := env.do(t, "PUT", "/api/config", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestState_PutGetDelete(t *testing.T) {
	env := setupTestServer(t, "")

	if resp := env.do(t, "PUT", "/api/state/global/favoriteModels", `["a","b"]`); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	got := decode[[]string](t, env.do(t, "GET", "/api/state/global/favoriteModels", nil))
	if len(got) != 2 || got[0] != "a" {
		t.Errorf("unexpected value: %v", got)
	}

	list := decode[map[string]json.RawMessage](t, env.do(t, "GET", "/api/state/global/", nil))
	if !strings.Contains(string(list["keys"]), "favoriteModels") {
		t.Errorf("key missing from listing: %s", list["keys"])
	}

	env.do(t, "DELETE", "/api/state/global/favoriteModels", nil)
	if resp := env.do(t, "GET", "/api/state/global/favoriteModels", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestState_InvalidJSON(t *testing.T) {
	env := setupTestServer(t, "")

	resp := env.do(t, "PUT", "/api/state/workspace/notes", "not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestState_UnknownNamespace(t *testing.T) {
	env := setupTestServer(t, "")

	resp := env.do(t, "GET", "/api/state/nope/", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestState_SecretsAreWriteOnly(t *testing.T) {
	env := setupTestServer(t, "")

	if resp := env.do(t, "PUT", "/api/state/secrets/apiKey", `"s3cret"`); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if env.cache.GetSecret("apiKey") != "s3cret" {
		t.Error("secret not stored")
	}

	if resp := env.do(t, "GET", "/api/state/secrets/apiKey", nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}

	list := decode[map[string]json.RawMessage](t, env.do(t, "GET", "/api/state/secrets/", nil))
	if _, ok := list["values"]; ok {
		t.Error("secret values must not be listed")
	}

	if resp := env.do(t, "PUT", "/api/state/secrets/apiKey", `42`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-string secret, got %d", resp.StatusCode)
	}
}

func TestState_ResetWorkspace(t *testing.T) {
	env := setupTestServer(t, "")

	env.do(t, "PUT", "/api/state/workspace/notes", `"draft"`)
	env.do(t, "PUT", "/api/state/global/kept", `true`)

	if resp := env.do(t, "POST", "/api/state/workspace/reset", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if _, ok := env.cache.GetWorkspaceState("notes"); ok {
		t.Error("workspace state should be cleared")
	}
	if _, ok := env.cache.GetGlobalState("kept"); !ok {
		t.Error("global state should survive a workspace reset")
	}
}

func TestChat_StreamsEvents(t *testing.T) {
	ollama := httptest.NewServer(ndjson(
		`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":7,"eval_count":2}`,
	))
	defer ollama.Close()
	env := setupTestServer(t, ollama.URL)

	resp := env.do(t, "POST", "/api/chat", ChatRequest{
		SystemPrompt: "be brief",
		Messages:     []types.ChatMessage{types.NewTextMessage(types.RoleUser, "hi")},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected text/event-stream, got %s", ct)
	}

	r := bufio.NewReader(resp.Body)
	first := readSSE(t, r)
	if first.name != "session" {
		t.Fatalf("Expected session event first, got %q", first.name)
	}
	var sess SessionEvent
	json.Unmarshal([]byte(first.data), &sess)
	if sess.ID == "" || sess.Provider != types.ProviderOllama || sess.ModelID != "llama3" {
		t.Errorf("unexpected session event: %+v", sess)
	}

	var text string
	var names []string
	for {
		ev := readSSE(t, r)
		names = append(names, ev.name)
		if ev.name == "text" {
			var c types.TextChunk
			json.Unmarshal([]byte(ev.data), &c)
			text += c.Text
		}
		if ev.name == "done" || ev.name == "error" {
			if ev.name == "done" {
				var done DoneEvent
				json.Unmarshal([]byte(ev.data), &done)
				if done.Usage == nil || done.Usage.InputTokens != 7 || done.Usage.OutputTokens != 2 {
					t.Errorf("unexpected done event: %s", ev.data)
				}
			}
			break
		}
	}
	if text != "Hello" {
		t.Errorf("Expected Hello, got %q", text)
	}
	want := []string{"text", "text", "usage", "done"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Expected events %v, got %v", want, names)
	}

	usage := decode[map[string]any](t, env.do(t, "GET", "/api/chat/"+sess.ID+"/usage", nil))
	if usage["available"] != true {
		t.Errorf("expected usage to be available: %v", usage)
	}

	info := decode[session.Info](t, env.do(t, "GET", "/api/chat/"+sess.ID+"/", nil))
	if !info.Done {
		t.Error("session should be done")
	}
}

func TestChat_OpenAIHistory(t *testing.T) {
	var mu sync.Mutex
	var received string
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = string(body)
		mu.Unlock()
		ndjson(`{"model":"llama3","message":{"role":"assistant","content":"ok"},"done":true}`)(w, r)
	}))
	defer ollama.Close()
	env := setupTestServer(t, ollama.URL)

	resp := env.do(t, "POST", "/api/chat", map[string]any{
		"openaiMessages": []map[string]any{
			{"role": "system", "content": "answer in French"},
			{"role": "user", "content": "hello"},
		},
	})
	r := bufio.NewReader(resp.Body)
	for ev := readSSE(t, r); ev.name != "done"; ev = readSSE(t, r) {
		if ev.name == "error" {
			t.Fatalf("unexpected error event: %s", ev.data)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(received, "answer in French") || !strings.Contains(received, "hello") {
		t.Errorf("history not forwarded: %s", received)
	}
}

func TestChat_ProviderErrorEvent(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer ollama.Close()
	env := setupTestServer(t, ollama.URL)

	resp := env.do(t, "POST", "/api/chat", ChatRequest{
		Messages: []types.ChatMessage{types.NewTextMessage(types.RoleUser, "hi")},
	})
	r := bufio.NewReader(resp.Body)
	readSSE(t, r)
	ev := readSSE(t, r)
	if ev.name != "error" {
		t.Fatalf("Expected error event, got %q", ev.name)
	}
}

func TestChat_InvalidBody(t *testing.T) {
	env := setupTestServer(t, "")

	resp := env.do(t, "POST", "/api/chat", "[")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestCancelChat_Unknown(t *testing.T) {
	env := setupTestServer(t, "")

	resp := env.do(t, "POST", "/api/chat/missing/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestListOllamaModels(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"models":[{"name":"llama3:8b","details":{"family":"llama"}}]}`)
	}))
	defer ollama.Close()
	env := setupTestServer(t, "")

	body := decode[map[string][]map[string]any](t, env.do(t, "GET", "/api/models/ollama?baseUrl="+ollama.URL, nil))
	if len(body["models"]) != 1 || body["models"][0]["name"] != "llama3:8b" {
		t.Errorf("unexpected models: %v", body)
	}
}

func TestListLMStudioModels_Unreachable(t *testing.T) {
	env := setupTestServer(t, "")

	body := decode[map[string][]any](t, env.do(t, "GET", "/api/models/lmstudio?baseUrl=http://127.0.0.1:1", nil))
	if body["models"] == nil || len(body["models"]) != 0 {
		t.Errorf("Expected empty list, got %v", body)
	}
}
