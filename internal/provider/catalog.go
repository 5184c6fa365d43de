package provider

import (
	"sort"
	"sync"

	"github.com/nobody-qwert/cline-local/pkg/types"
)

// ModelCatalog holds model info known beyond the built-in defaults:
// configured overrides and models reported by discovery.
type ModelCatalog struct {
	mu     sync.RWMutex
	models map[types.APIProvider]map[string]types.ModelInfo
}

// NewModelCatalog creates an empty catalog.
func NewModelCatalog() *ModelCatalog {
	return &ModelCatalog{models: make(map[types.APIProvider]map[string]types.ModelInfo)}
}

// Register records info for a model, replacing any previous entry.
func (c *ModelCatalog) Register(provider types.APIProvider, modelID string, info types.ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models[provider] == nil {
		c.models[provider] = make(map[string]types.ModelInfo)
	}
	c.models[provider][modelID] = info
}

// Lookup returns the info registered for a model.
func (c *ModelCatalog) Lookup(provider types.APIProvider, modelID string) (types.ModelInfo, bool) {
	if c == nil {
		return types.ModelInfo{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.models[provider][modelID]
	return info, ok
}

// Models returns the registered models of a provider sorted by id.
func (c *ModelCatalog) Models(provider types.APIProvider) []types.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	models := make([]types.Model, 0, len(c.models[provider]))
	for id, info := range c.models[provider] {
		models = append(models, types.Model{ID: id, Info: info})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models
}

// RegisterLMStudioModels records discovered LM Studio models. The reported
// maximum context length refines the context window; everything else keeps
// the LM Studio defaults.
func (c *ModelCatalog) RegisterLMStudioModels(models []LMStudioModel) {
	for _, m := range models {
		if m.ID == "" || (m.Type != "" && m.Type != "llm" && m.Type != "vlm") {
			continue
		}
		info, ok := c.Lookup(types.ProviderLMStudio, m.ID)
		if !ok {
			info = LMStudioModelInfo(m.ID)
		}
		if m.MaxContextLength > 0 {
			info.ContextWindow = m.MaxContextLength
		}
		if m.Type == "vlm" {
			info.SupportsImages = true
		}
		c.Register(types.ProviderLMStudio, m.ID, info)
	}
}

// RegisterOllamaModels records discovered Ollama models with default info.
func (c *ModelCatalog) RegisterOllamaModels(models []OllamaModel) {
	for _, m := range models {
		if _, ok := c.Lookup(types.ProviderOllama, m.Name); ok || m.Name == "" {
			continue
		}
		c.Register(types.ProviderOllama, m.Name, types.LocalModelDefaults)
	}
}
