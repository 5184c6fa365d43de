package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/ollama/ollama/api"

	"github.com/nobody-qwert/cline-local/internal/logging"
	"github.com/nobody-qwert/cline-local/internal/retry"
	"github.com/nobody-qwert/cline-local/internal/transform"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

const (
	// DefaultOllamaBaseURL is used when no base URL is configured.
	DefaultOllamaBaseURL = "http://localhost:11434"
	// DefaultOllamaContextSize is the num_ctx sent when none is configured.
	DefaultOllamaContextSize = 32768
	// DefaultOllamaTimeout bounds the wait for response headers.
	DefaultOllamaTimeout = 30 * time.Second
)

// OllamaOptions configures an OllamaHandler.
type OllamaOptions struct {
	BaseURL string
	APIKey  string
	ModelID string
	// ContextSize is sent as options.num_ctx.
	ContextSize int
	// Timeout bounds the wait for response headers. It applies to a
	// supplied HTTPClient as well.
	Timeout    time.Duration
	ModelInfo  *types.ModelInfo
	HTTPClient *http.Client
	Retry      retry.Options
}

// OllamaError is returned for failed Ollama requests.
type OllamaError struct {
	Err error
}

func (e *OllamaError) Error() string {
	return "Ollama request failed: " + e.Err.Error() +
		". Please check the Ollama server logs and make sure the model is pulled."
}

func (e *OllamaError) Unwrap() error { return e.Err }

// OllamaHandler streams completions from an Ollama server.
type OllamaHandler struct {
	requestState
	opts   OllamaOptions
	client *http.Client

	clientMu  sync.Mutex
	chatModel model.BaseChatModel
}

// NewOllamaHandler creates a handler. The chat model is built lazily on the
// first request.
func NewOllamaHandler(opts OllamaOptions) *OllamaHandler {
	if opts.ContextSize <= 0 {
		opts.ContextSize = DefaultOllamaContextSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOllamaTimeout
	}
	return &OllamaHandler{opts: opts, client: ollamaHTTPClient(opts)}
}

// ollamaHTTPClient returns a copy of the supplied client, or a new one,
// whose transport enforces the header timeout and sends the API key.
func ollamaHTTPClient(opts OllamaOptions) *http.Client {
	var c http.Client
	if opts.HTTPClient != nil {
		c = *opts.HTTPClient
	}
	base := c.Transport
	if base == nil {
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}).DialContext,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	var rt http.RoundTripper = &headerTimeoutTransport{base: base, timeout: opts.Timeout}
	if opts.APIKey != "" {
		rt = &bearerTransport{base: rt, token: opts.APIKey}
	}
	c.Transport = rt
	return &c
}

// headerTimeoutTransport fails a request whose response headers do not
// arrive within timeout. The body may take as long as it needs.
type headerTimeoutTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

var errHeaderTimeout = errors.New("timed out waiting for response headers")

func (t *headerTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(req.Context())
	timer := time.AfterFunc(t.timeout, func() { cancel(errHeaderTimeout) })

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if !timer.Stop() {
		if resp != nil {
			resp.Body.Close()
		}
		cancel(nil)
		return nil, fmt.Errorf("%w after %s", errHeaderTimeout, t.timeout)
	}
	if err != nil {
		cancel(nil)
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// bearerTransport adds the Authorization header to every request.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// ParseContextSize parses the persisted num_ctx setting, falling back to the
// default when empty or invalid.
func ParseContextSize(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return DefaultOllamaContextSize
	}
	return n
}

// Model returns the configured model.
func (h *OllamaHandler) Model() types.Model {
	info := types.LocalModelDefaults
	if h.opts.ModelInfo != nil {
		info = *h.opts.ModelInfo
	}
	return types.Model{ID: h.opts.ModelID, Info: info}
}

// Options returns the options the handler was built with.
func (h *OllamaHandler) Options() OllamaOptions { return h.opts }

func (h *OllamaHandler) baseURL() string {
	base := strings.TrimRight(h.opts.BaseURL, "/")
	if base == "" {
		base = DefaultOllamaBaseURL
	}
	return base
}

// CreateMessage streams a completion from /api/chat.
func (h *OllamaHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []types.ChatMessage) Stream {
	ctx, id, cancel := h.begin(ctx)
	msgs := transform.ToOllamaEinoMessages(systemPrompt, messages, transform.Options{
		SupportsImages: h.Model().Info.SupportsImages,
	})

	log := logging.Component("provider")
	log.Debug().
		Str("provider", string(types.ProviderOllama)).
		Str("model", h.opts.ModelID).
		Int("numCtx", h.opts.ContextSize).
		Int("messages", len(messages)).
		Msg("creating message")

	open := func(ctx context.Context) (Stream, error) { return h.open(ctx, msgs) }
	ro := h.opts.Retry
	ro.RetryAllErrors = true
	return newTrackedStream(retry.Wrap(ctx, open, ro), &h.requestState, id, cancel)
}

func (h *OllamaHandler) ensureClient(ctx context.Context) (model.BaseChatModel, error) {
	h.clientMu.Lock()
	defer h.clientMu.Unlock()
	if h.chatModel != nil {
		return h.chatModel, nil
	}

	chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
		BaseURL:    h.baseURL(),
		HTTPClient: h.client,
		Model:      h.opts.ModelID,
		Options: &api.Options{
			Runner: api.Runner{NumCtx: h.opts.ContextSize},
		},
	})
	if err != nil {
		return nil, &OllamaError{Err: fmt.Errorf("error creating client: %w", err)}
	}
	h.chatModel = chatModel
	return chatModel, nil
}

func (h *OllamaHandler) open(ctx context.Context, msgs []*schema.Message) (Stream, error) {
	chatModel, err := h.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	reader, err := chatModel.Stream(ctx, msgs)
	if err != nil {
		if isCancellation(ctx, err) {
			return nil, context.Canceled
		}
		return nil, wrapOllamaError(err)
	}
	return &ollamaStream{ctx: ctx, reader: reader}, nil
}

// wrapOllamaError maps status failures of the Ollama client to
// retry.HTTPStatusError.
func wrapOllamaError(err error) error {
	var status api.StatusError
	if errors.As(err, &status) {
		err = &retry.HTTPStatusError{
			StatusCode: status.StatusCode,
			Status:     status.Status,
			Body:       status.ErrorMessage,
		}
	}
	return &OllamaError{Err: err}
}

// ollamaStream adapts the Eino Ollama message stream to chunks.
type ollamaStream struct {
	ctx    context.Context
	reader *schema.StreamReader[*schema.Message]
	queue  chunkQueue
}

func (s *ollamaStream) Recv() (types.StreamChunk, error) {
	for {
		if c, ok := s.queue.pop(); ok {
			return c, nil
		}
		msg, err := s.reader.Recv()
		if err != nil {
			return nil, endOfStream(s.ctx, err, wrapOllamaError)
		}
		s.queue.push(messageChunks(msg)...)
	}
}

func (s *ollamaStream) Close() error {
	s.reader.Close()
	return nil
}

// messageChunks emits reasoning, then text, then usage. Ollama reports zero
// counts on every frame but the last, so only non-zero usage is emitted.
func messageChunks(msg *schema.Message) []types.StreamChunk {
	if msg == nil {
		return nil
	}
	var out []types.StreamChunk
	if msg.ReasoningContent != "" {
		out = append(out, types.ReasoningChunk{Text: msg.ReasoningContent})
	}
	if msg.Content != "" {
		out = append(out, types.TextChunk{Text: msg.Content})
	}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		u := msg.ResponseMeta.Usage
		if u.PromptTokens > 0 || u.CompletionTokens > 0 {
			out = append(out, types.UsageChunk{
				InputTokens:     u.PromptTokens,
				OutputTokens:    u.CompletionTokens,
				CacheReadTokens: u.PromptTokenDetails.CachedTokens,
			})
		}
	}
	return out
}
