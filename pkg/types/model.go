package types

// ModelInfo describes the declared capabilities of a model.
// MaxTokens -1 means the server decides the output limit.
type ModelInfo struct {
	MaxTokens           int     `json:"maxTokens"`
	ContextWindow       int     `json:"contextWindow"`
	SupportsImages      bool    `json:"supportsImages"`
	SupportsPromptCache bool    `json:"supportsPromptCache"`
	InputPrice          float64 `json:"inputPrice"`
	OutputPrice         float64 `json:"outputPrice"`
	Description         string  `json:"description,omitempty"`
}

// Model pairs a model identifier with its info.
type Model struct {
	ID   string    `json:"id"`
	Info ModelInfo `json:"info"`
}

// LocalModelDefaults is the info assumed for a locally served model
// that has not been described otherwise.
var LocalModelDefaults = ModelInfo{
	MaxTokens:     -1,
	ContextWindow: 128_000,
}
