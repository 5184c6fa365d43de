package provider

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nobody-qwert/cline-local/internal/logging"
	"github.com/nobody-qwert/cline-local/internal/retry"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

// BuildOptions carries the collaborators handlers are built with.
type BuildOptions struct {
	// Catalog refines model info. Optional.
	Catalog *ModelCatalog
	// HTTPClient is shared by both providers. Optional. Ollama wraps a copy
	// with its header timeout.
	HTTPClient *http.Client
	// Retry configures the retry policy, including the retry observer.
	Retry retry.Options
}

// BuildHandler builds the handler for the provider configured for mode.
//
// When a thinking budget is configured, the handler is built first and its
// declared max tokens checked: a budget above the limit is clamped to one
// below it and the handler rebuilt, otherwise the built handler is reused.
// Any failure while checking is logged and the unclamped handler is used.
func BuildHandler(cfg types.APIConfiguration, mode types.Mode, opts BuildOptions) Handler {
	budget := thinkingBudget(cfg, mode)
	if budget <= 0 {
		return createHandler(cfg, mode, opts)
	}

	log := logging.Component("provider")
	handler, clamped, err := clampThinkingBudget(cfg, mode, opts)
	if err != nil {
		log.Warn().Err(err).Int("thinkingBudgetTokens", budget).Msg("thinking budget validation failed")
		return createHandler(cfg, mode, opts)
	}
	if clamped != budget {
		log.Info().
			Int("thinkingBudgetTokens", budget).
			Int("clampedTo", clamped).
			Msg("thinking budget exceeds model max tokens, clamping")
	}
	return handler
}

func clampThinkingBudget(cfg types.APIConfiguration, mode types.Mode, opts BuildOptions) (h Handler, budget int, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("building handler: %v", r)
		}
	}()

	budget = thinkingBudget(cfg, mode)
	h = createHandler(cfg, mode, opts)
	maxTokens := h.Model().Info.MaxTokens
	if maxTokens <= 0 || budget <= maxTokens {
		return h, budget, nil
	}

	budget = maxTokens - 1
	if mode == types.ModePlan {
		cfg.PlanModeThinkingBudgetTokens = budget
	} else {
		cfg.ActModeThinkingBudgetTokens = budget
	}
	return createHandler(cfg, mode, opts), budget, nil
}

func thinkingBudget(cfg types.APIConfiguration, mode types.Mode) int {
	if mode == types.ModePlan {
		return cfg.PlanModeThinkingBudgetTokens
	}
	return cfg.ActModeThinkingBudgetTokens
}

func providerFor(cfg types.APIConfiguration, mode types.Mode) types.APIProvider {
	if mode == types.ModePlan {
		return cfg.PlanModeAPIProvider
	}
	return cfg.ActModeAPIProvider
}

func createHandler(cfg types.APIConfiguration, mode types.Mode, opts BuildOptions) Handler {
	switch p := providerFor(cfg, mode); p {
	case types.ProviderLMStudio:
		return newLMStudioFromConfig(cfg, mode, opts)
	case types.ProviderOllama:
		return newOllamaFromConfig(cfg, mode, opts)
	default:
		if p != "" {
			log := logging.Component("provider")
			log.Warn().Err(ErrUnknownProvider).Str("provider", string(p)).Msg("falling back to ollama")
		}
		return newOllamaFromConfig(cfg, mode, opts)
	}
}

func newLMStudioFromConfig(cfg types.APIConfiguration, mode types.Mode, opts BuildOptions) *LMStudioHandler {
	modelID := cfg.ActModeLMStudioModelID
	if mode == types.ModePlan {
		modelID = cfg.PlanModeLMStudioModelID
	}
	_, sampling := ResolveSampling(cfg, mode)

	o := LMStudioOptions{
		BaseURL:              cfg.LMStudioBaseURL,
		ModelID:              modelID,
		ThinkingBudgetTokens: thinkingBudget(cfg, mode),
		ReasoningEffort:      cfg.OpenAIReasoningEffort,
		Sampling:             &sampling,
		HTTPClient:           opts.HTTPClient,
		Retry:                opts.Retry,
	}
	if info, ok := opts.Catalog.Lookup(types.ProviderLMStudio, modelID); ok {
		o.ModelInfo = &info
	}
	return NewLMStudioHandler(o)
}

func newOllamaFromConfig(cfg types.APIConfiguration, mode types.Mode, opts BuildOptions) *OllamaHandler {
	modelID := cfg.ActModeOllamaModelID
	if mode == types.ModePlan {
		modelID = cfg.PlanModeOllamaModelID
	}

	o := OllamaOptions{
		BaseURL:     cfg.OllamaBaseURL,
		APIKey:      cfg.OllamaAPIKey,
		ModelID:     modelID,
		ContextSize: ParseContextSize(cfg.OllamaAPIOptionsCtxNum),
		HTTPClient:  opts.HTTPClient,
		Retry:       opts.Retry,
	}
	if cfg.RequestTimeoutMs > 0 {
		o.Timeout = time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	}
	if info, ok := opts.Catalog.Lookup(types.ProviderOllama, modelID); ok {
		o.ModelInfo = &info
	}
	return NewOllamaHandler(o)
}

// ProviderOf returns the provider tag of a handler built by this package.
func ProviderOf(h Handler) types.APIProvider {
	switch h.(type) {
	case *LMStudioHandler:
		return types.ProviderLMStudio
	case *OllamaHandler:
		return types.ProviderOllama
	default:
		return ""
	}
}
