package types

// Mode is the operating mode of a task.
type Mode string

const (
	ModePlan Mode = "plan"
	ModeAct  Mode = "act"
)

// ParseMode returns ModePlan for "plan" and ModeAct for anything else.
func ParseMode(s string) Mode {
	if Mode(s) == ModePlan {
		return ModePlan
	}
	return ModeAct
}

// APIProvider tags a local model server implementation.
type APIProvider string

const (
	ProviderOllama   APIProvider = "ollama"
	ProviderLMStudio APIProvider = "lmstudio"
)

// ReasoningEffort is the effort enum understood by gpt-oss servers.
type ReasoningEffort string

const (
	ReasoningEffortLow    ReasoningEffort = "low"
	ReasoningEffortMedium ReasoningEffort = "medium"
	ReasoningEffortHigh   ReasoningEffort = "high"
)

// APIConfiguration is the provider configuration projected from persisted
// state. JSON names are the state keys they are stored under; a zero value
// is treated as unset. Pointer fields distinguish unset from zero.
type APIConfiguration struct {
	PlanModeAPIProvider APIProvider `json:"planModeApiProvider,omitempty"`
	ActModeAPIProvider  APIProvider `json:"actModeApiProvider,omitempty"`

	RequestTimeoutMs      int             `json:"requestTimeoutMs,omitempty"`
	OpenAIReasoningEffort ReasoningEffort `json:"openaiReasoningEffort,omitempty"`

	OllamaBaseURL          string `json:"ollamaBaseUrl,omitempty"`
	OllamaAPIKey           string `json:"ollamaApiKey,omitempty"`
	OllamaAPIOptionsCtxNum string `json:"ollamaApiOptionsCtxNum,omitempty"`
	LMStudioBaseURL        string `json:"lmStudioBaseUrl,omitempty"`

	PlanModeOllamaModelID        string `json:"planModeOllamaModelId,omitempty"`
	ActModeOllamaModelID         string `json:"actModeOllamaModelId,omitempty"`
	PlanModeLMStudioModelID      string `json:"planModeLmStudioModelId,omitempty"`
	ActModeLMStudioModelID       string `json:"actModeLmStudioModelId,omitempty"`
	PlanModeThinkingBudgetTokens int    `json:"planModeThinkingBudgetTokens,omitempty"`
	ActModeThinkingBudgetTokens  int    `json:"actModeThinkingBudgetTokens,omitempty"`

	PlanIdeaModeEnabled *bool `json:"planIdeaModeEnabled,omitempty"`

	PlanModeLMStudioTemperature   *float64 `json:"planModeLmStudioTemperature,omitempty"`
	PlanModeLMStudioTopP          *float64 `json:"planModeLmStudioTopP,omitempty"`
	PlanModeLMStudioTopK          *int     `json:"planModeLmStudioTopK,omitempty"`
	PlanModeLMStudioRepeatPenalty *float64 `json:"planModeLmStudioRepeatPenalty,omitempty"`
	ActModeLMStudioTemperature    *float64 `json:"actModeLmStudioTemperature,omitempty"`
	ActModeLMStudioTopP           *float64 `json:"actModeLmStudioTopP,omitempty"`
	ActModeLMStudioTopK           *int     `json:"actModeLmStudioTopK,omitempty"`
	ActModeLMStudioRepeatPenalty  *float64 `json:"actModeLmStudioRepeatPenalty,omitempty"`

	FavoritedModelIDs []string `json:"favoritedModelIds,omitempty"`
}

// SecretKeys lists the APIConfiguration keys stored in the secret namespace.
var SecretKeys = []string{"ollamaApiKey", "apiKey"}

// IsSecretKey reports whether key belongs to the secret namespace.
func IsSecretKey(key string) bool {
	for _, k := range SecretKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
