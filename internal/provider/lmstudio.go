package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/tidwall/sjson"

	"github.com/nobody-qwert/cline-local/internal/logging"
	"github.com/nobody-qwert/cline-local/internal/retry"
	"github.com/nobody-qwert/cline-local/internal/transform"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

const (
	// DefaultLMStudioBaseURL is used when no base URL is configured.
	DefaultLMStudioBaseURL = "http://localhost:1234"

	// LM Studio needs no credential, but the client insists on one.
	lmStudioAPIKey = "noop"

	lmStudioHelp = "Please check the LM Studio developer logs to debug what went wrong. " +
		"You may need to load the model with a larger context length to work with Cline's prompts."
)

// LMStudioOptions configures an LMStudioHandler.
type LMStudioOptions struct {
	BaseURL              string
	ModelID              string
	ThinkingBudgetTokens int
	// ReasoningEffort is sent to gpt-oss models when thinking is enabled.
	ReasoningEffort types.ReasoningEffort
	Sampling        *SamplingParams
	// ModelInfo overrides the defaults derived from the model id.
	ModelInfo  *types.ModelInfo
	HTTPClient *http.Client
	Retry      retry.Options
}

// LMStudioError is returned for failed LM Studio requests. The server gives
// no structured error body, so the message points at its own logs.
type LMStudioError struct {
	GptOss bool
	Err    error
}

func (e *LMStudioError) Error() string {
	if e.GptOss {
		return "LM Studio (GPT-OSS) request failed: " + e.Err.Error()
	}
	return lmStudioHelp + " (" + e.Err.Error() + ")"
}

func (e *LMStudioError) Unwrap() error { return e.Err }

// LMStudioHandler streams completions from an LM Studio server.
type LMStudioHandler struct {
	requestState
	opts LMStudioOptions

	clientMu  sync.Mutex
	chatModel model.BaseChatModel
}

// NewLMStudioHandler creates a handler. The HTTP client is built lazily on
// the first request.
func NewLMStudioHandler(opts LMStudioOptions) *LMStudioHandler {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &LMStudioHandler{opts: opts}
}

// IsGptOss reports whether a model id belongs to the gpt-oss family.
func IsGptOss(modelID string) bool {
	id := strings.ToLower(modelID)
	return strings.HasPrefix(id, "gpt-oss") || strings.Contains(id, "/gpt-oss")
}

// LMStudioModelInfo returns the info assumed for an LM Studio model.
func LMStudioModelInfo(modelID string) types.ModelInfo {
	info := types.LocalModelDefaults
	if IsGptOss(modelID) {
		info.ContextWindow = 131_072
	}
	return info
}

// Model returns the configured model.
func (h *LMStudioHandler) Model() types.Model {
	info := LMStudioModelInfo(h.opts.ModelID)
	if h.opts.ModelInfo != nil {
		info = *h.opts.ModelInfo
	}
	return types.Model{ID: h.opts.ModelID, Info: info}
}

// Options returns the options the handler was built with.
func (h *LMStudioHandler) Options() LMStudioOptions { return h.opts }

func (h *LMStudioHandler) baseURL() string {
	base := strings.TrimRight(h.opts.BaseURL, "/")
	if base == "" {
		base = DefaultLMStudioBaseURL
	}
	return base
}

func (h *LMStudioHandler) thinkingEnabled() bool {
	return h.opts.ThinkingBudgetTokens > 0
}

// CreateMessage streams a completion. gpt-oss models go through the raw SSE
// path; all others through the structured client.
func (h *LMStudioHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []types.ChatMessage) Stream {
	ctx, id, cancel := h.begin(ctx)
	convOpts := transform.Options{SupportsImages: h.Model().Info.SupportsImages}
	gptOss := IsGptOss(h.opts.ModelID)

	log := logging.Component("provider")
	log.Debug().
		Str("provider", string(types.ProviderLMStudio)).
		Str("model", h.opts.ModelID).
		Bool("gptOss", gptOss).
		Bool("thinking", h.thinkingEnabled()).
		Int("messages", len(messages)).
		Msg("creating message")

	var open retry.Factory
	if gptOss {
		wire := transform.ToOpenAIMessages(systemPrompt, messages, convOpts)
		open = func(ctx context.Context) (Stream, error) { return h.openRaw(ctx, wire) }
	} else {
		msgs := transform.ToEinoMessages(systemPrompt, messages, convOpts)
		open = func(ctx context.Context) (Stream, error) { return h.openStandard(ctx, msgs) }
	}

	ro := h.opts.Retry
	ro.RetryAllErrors = true
	return newTrackedStream(retry.Wrap(ctx, open, ro), &h.requestState, id, cancel)
}

func (h *LMStudioHandler) ensureClient(ctx context.Context) (model.BaseChatModel, error) {
	h.clientMu.Lock()
	defer h.clientMu.Unlock()
	if h.chatModel != nil {
		return h.chatModel, nil
	}

	cfg := &openai.ChatModelConfig{
		APIKey:      lmStudioAPIKey,
		BaseURL:     h.baseURL() + "/v1",
		Model:       h.opts.ModelID,
		HTTPClient:  tappedClient(h.opts.HTTPClient),
		ExtraFields: map[string]any{},
	}
	if s := h.opts.Sampling; s != nil {
		temperature, topP := float32(s.Temperature), float32(s.TopP)
		cfg.Temperature = &temperature
		cfg.TopP = &topP
		cfg.ExtraFields["top_k"] = s.TopK
		cfg.ExtraFields["repeat_penalty"] = s.RepeatPenalty
	}
	if h.thinkingEnabled() {
		cfg.ExtraFields["reasoning"] = map[string]any{"budget_tokens": h.opts.ThinkingBudgetTokens}
	} else {
		cfg.ExtraFields["reasoning"] = false
	}

	chatModel, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating LM Studio client: %w", err)
	}
	h.chatModel = chatModel
	return chatModel, nil
}

func (h *LMStudioHandler) openStandard(ctx context.Context, msgs []*schema.Message) (Stream, error) {
	chatModel, err := h.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	ctx, sink := withFrameSink(ctx)
	reader, err := chatModel.Stream(ctx, msgs)
	if err != nil {
		if isCancellation(ctx, err) {
			return nil, context.Canceled
		}
		return nil, &LMStudioError{Err: err}
	}
	return &einoStream{ctx: ctx, reader: reader, sink: sink}, nil
}

// einoStream drives an Eino message stream. Its chunks are the frames the
// tap parsed off the wire, in wire order; the Eino stream only decides when
// the response ends and with what error.
type einoStream struct {
	ctx    context.Context
	reader *schema.StreamReader[*schema.Message]
	sink   *frameSink
	err    error
}

func (s *einoStream) Recv() (types.StreamChunk, error) {
	for {
		if s.ctx.Err() != nil {
			return nil, io.EOF
		}
		if c, ok := s.sink.pop(); ok {
			return c, nil
		}
		if s.err != nil {
			return nil, s.err
		}
		if _, err := s.reader.Recv(); err != nil {
			s.err = endOfStream(s.ctx, err, func(err error) error {
				return &LMStudioError{Err: err}
			})
		}
	}
}

func (s *einoStream) Close() error {
	s.reader.Close()
	return nil
}

// rawRequestBody builds the chat-completions body for gpt-oss models. Fields
// the structured client cannot carry are set with sjson.
func (h *LMStudioHandler) rawRequestBody(messages []transform.OpenAIMessage) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"model":          h.opts.ModelID,
		"messages":       messages,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	})
	if err != nil {
		return nil, err
	}

	effort := types.ReasoningEffortLow
	if h.thinkingEnabled() && h.opts.ReasoningEffort != "" {
		effort = h.opts.ReasoningEffort
	}
	if body, err = sjson.SetBytes(body, "reasoning_effort", string(effort)); err != nil {
		return nil, err
	}

	if s := h.opts.Sampling; s != nil {
		for _, f := range []struct {
			path  string
			value any
		}{
			{"temperature", s.Temperature},
			{"top_p", s.TopP},
			{"top_k", s.TopK},
			{"repeat_penalty", s.RepeatPenalty},
		} {
			if body, err = sjson.SetBytes(body, f.path, f.value); err != nil {
				return nil, err
			}
		}
	}
	return body, nil
}

func (h *LMStudioHandler) openRaw(ctx context.Context, messages []transform.OpenAIMessage) (Stream, error) {
	wrap := func(err error) error { return &LMStudioError{GptOss: true, Err: err} }

	body, err := h.rawRequestBody(messages)
	if err != nil {
		return nil, wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL()+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := h.opts.HTTPClient.Do(req)
	if err != nil {
		if isCancellation(ctx, err) {
			return nil, context.Canceled
		}
		return nil, wrap(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, wrap(retry.NewHTTPStatusError(resp))
	}

	return &rawSSEStream{
		ctx:  ctx,
		body: resp.Body,
		dec:  newSSEDecoder(resp.Body),
		wrap: wrap,
	}, nil
}

// rawSSEStream turns decoded SSE frames into chunks. Lines that fail to
// parse are skipped.
type rawSSEStream struct {
	ctx   context.Context
	body  io.Closer
	dec   *sseDecoder
	queue chunkQueue
	wrap  func(error) error
}

func (s *rawSSEStream) Recv() (types.StreamChunk, error) {
	for {
		if c, ok := s.queue.pop(); ok {
			return c, nil
		}
		data, err := s.dec.Next()
		if err != nil {
			return nil, endOfStream(s.ctx, err, s.wrap)
		}
		s.queue.push(parseCompletionFrame(data)...)
	}
}

func (s *rawSSEStream) Close() error {
	return s.body.Close()
}
