package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobody-qwert/cline-local/internal/cache"
	"github.com/nobody-qwert/cline-local/internal/event"
	"github.com/nobody-qwert/cline-local/internal/retry"
	"github.com/nobody-qwert/cline-local/internal/storage"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

// ollamaServer answers /api/chat with the given NDJSON frames.
func ollamaServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func ndjson(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			_, _ = io.WriteString(w, f+"\n")
			flusher.Flush()
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) add(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []event.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) has(t event.EventType) bool {
	for _, got := range r.types() {
		if got == t {
			return true
		}
	}
	return false
}

// newTestService wires a session service to an Ollama server at baseURL.
func newTestService(t *testing.T, baseURL string) (*Service, *cache.Service, *recorder) {
	t.Helper()
	ctx := context.Background()

	store := storage.NewStateStore(storage.New(afero.NewMemMapFs(), "/state"))
	c := cache.New(store, cache.WithDelay(time.Hour))
	require.NoError(t, c.Initialize(ctx))
	require.NoError(t, c.SetAPIConfiguration(types.APIConfiguration{
		PlanModeAPIProvider:   types.ProviderOllama,
		ActModeAPIProvider:    types.ProviderOllama,
		OllamaBaseURL:         baseURL,
		ActModeOllamaModelID:  "llama3",
		PlanModeOllamaModelID: "qwen3",
	}))

	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	rec := &recorder{}
	bus.SubscribeAll(rec.add)

	svc := NewService(c, Options{
		Bus:   bus,
		Retry: retry.Options{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	return svc, c, rec
}

func TestService_RunStreamsChunksAndUsage(t *testing.T) {
	srv := ollamaServer(t, ndjson(
		`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":3}`,
	))
	svc, _, rec := newTestService(t, srv.URL)

	var text string
	id, usage, err := svc.Run(context.Background(), Request{
		SystemPrompt: "be brief",
		Messages:     []types.ChatMessage{types.NewTextMessage(types.RoleUser, "hi")},
	}, func(c types.StreamChunk) error {
		if tc, ok := c.(types.TextChunk); ok {
			text += tc.Text
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.InputTokens)
	assert.Equal(t, 3, usage.OutputTokens)

	last, ok, err := svc.LastUsage(id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, *usage, last)

	info, err := svc.Get(id)
	require.NoError(t, err)
	assert.True(t, info.Done)
	assert.Equal(t, types.ProviderOllama, info.Provider)
	assert.Equal(t, "llama3", info.ModelID)
	assert.Empty(t, svc.Active())

	assert.Eventually(t, func() bool {
		return rec.has(event.StreamStarted) && rec.has(event.StreamUsage) && rec.has(event.StreamCompleted)
	}, time.Second, 5*time.Millisecond)
}

func TestService_ModeOverride(t *testing.T) {
	var model atomic.Value
	srv := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		model.Store(body.Model)
		ndjson(`{"message":{"content":"ok"},"done":true}`)(w, r)
	})
	svc, c, _ := newTestService(t, srv.URL)

	_, _, err := svc.Run(context.Background(), Request{Mode: types.ModePlan}, func(types.StreamChunk) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "qwen3", model.Load())

	c.SetMode(types.ModeAct)
	_, _, err = svc.Run(context.Background(), Request{}, func(types.StreamChunk) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "llama3", model.Load())
}

func TestService_Cancel(t *testing.T) {
	release := make(chan struct{})
	srv := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, `{"message":{"content":"first"},"done":false}`+"\n")
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)
	svc, _, rec := newTestService(t, srv.URL)

	stream, err := svc.Start(context.Background(), Request{})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, types.TextChunk{Text: "first"}, chunk)
	require.Len(t, svc.Active(), 1)

	require.NoError(t, svc.Cancel(stream.ID))

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, svc.Active())

	assert.Eventually(t, func() bool { return rec.has(event.StreamCancelled) }, time.Second, 5*time.Millisecond)
	assert.False(t, rec.has(event.StreamFailed))

	// Cancelling an ended session is a no-op.
	assert.NoError(t, svc.Cancel(stream.ID))
}

func TestService_CallerGoneCountsAsCancelled(t *testing.T) {
	srv := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, `{"message":{"content":"first"},"done":false}`+"\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	svc, _, rec := newTestService(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := svc.Start(ctx, Request{})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.NoError(t, err)

	// The caller's context ends, as it does when an HTTP client disconnects.
	cancel()
	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)

	assert.Eventually(t, func() bool { return rec.has(event.StreamCancelled) }, time.Second, 5*time.Millisecond)
	assert.False(t, rec.has(event.StreamCompleted))
	assert.False(t, rec.has(event.StreamFailed))
}

func TestService_CancelUnknown(t *testing.T) {
	svc, _, _ := newTestService(t, "http://127.0.0.1:1")
	assert.ErrorIs(t, svc.Cancel("nope"), ErrNotFound)

	_, _, err := svc.LastUsage("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_FailurePublishesRetryAndFailed(t *testing.T) {
	var attempts atomic.Int32
	srv := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	})
	svc, _, rec := newTestService(t, srv.URL)

	_, _, err := svc.Run(context.Background(), Request{}, func(types.StreamChunk) error { return nil })
	require.Error(t, err)
	assert.Equal(t, int32(2), attempts.Load())

	assert.Eventually(t, func() bool {
		return rec.has(event.RetryScheduled) && rec.has(event.StreamFailed)
	}, time.Second, 5*time.Millisecond)
}

func TestService_CallbackErrorStopsRun(t *testing.T) {
	srv := ollamaServer(t, ndjson(
		`{"message":{"content":"a"},"done":false}`,
		`{"message":{"content":"b"},"done":true}`,
	))
	svc, _, _ := newTestService(t, srv.URL)

	stop := errors.New("stop")
	_, _, err := svc.Run(context.Background(), Request{}, func(types.StreamChunk) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Empty(t, svc.Active())
}

func TestService_StartWithCancelledContext(t *testing.T) {
	svc, _, _ := newTestService(t, "http://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Start(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}
