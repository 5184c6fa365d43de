package provider

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobody-qwert/cline-local/pkg/types"
)

func jsonScript(body string) mockScript {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func TestListLMStudioModels(t *testing.T) {
	srv := newMockServer(t, jsonScript(`{"object":"list","data":[
		{"id":"qwen/qwen3-8b","object":"model","type":"llm","publisher":"qwen","state":"loaded","max_context_length":40960},
		{"id":"text-embedding-nomic","object":"model","type":"embeddings"},
		{"id":"google/gemma-3-4b","object":"model","type":"vlm","max_context_length":131072}
	]}`))

	models := ListLMStudioModels(context.Background(), nil, srv.URL())
	require.Len(t, models, 3)
	assert.Equal(t, "qwen/qwen3-8b", models[0].ID)
	assert.Equal(t, 40960, models[0].MaxContextLength)
	assert.Equal(t, "/api/v0/models", srv.Requests()[0].Path)

	catalog := NewModelCatalog()
	catalog.RegisterLMStudioModels(models)

	info, ok := catalog.Lookup(types.ProviderLMStudio, "qwen/qwen3-8b")
	require.True(t, ok)
	assert.Equal(t, 40960, info.ContextWindow)
	assert.Equal(t, -1, info.MaxTokens)

	_, ok = catalog.Lookup(types.ProviderLMStudio, "text-embedding-nomic")
	assert.False(t, ok, "embedding models are not chat models")

	vlm, ok := catalog.Lookup(types.ProviderLMStudio, "google/gemma-3-4b")
	require.True(t, ok)
	assert.True(t, vlm.SupportsImages)

	ids := []string{}
	for _, m := range catalog.Models(types.ProviderLMStudio) {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"google/gemma-3-4b", "qwen/qwen3-8b"}, ids)
}

func TestListLMStudioModels_Failures(t *testing.T) {
	t.Run("invalid base url", func(t *testing.T) {
		assert.Empty(t, ListLMStudioModels(context.Background(), nil, "not a url"))
	})

	t.Run("server error", func(t *testing.T) {
		srv := newMockServer(t, statusScript(http.StatusInternalServerError))
		models := ListLMStudioModels(context.Background(), nil, srv.URL())
		assert.NotNil(t, models)
		assert.Empty(t, models)
	})

	t.Run("missing data", func(t *testing.T) {
		srv := newMockServer(t, jsonScript(`{"object":"list"}`))
		assert.Empty(t, ListLMStudioModels(context.Background(), nil, srv.URL()))
	})
}

func TestListOllamaModels(t *testing.T) {
	srv := newMockServer(t, jsonScript(`{"models":[
		{"name":"llama3:8b","model":"llama3:8b","size":4661224676,"details":{"family":"llama","parameter_size":"8.0B"}},
		{"name":"qwen2.5-coder:7b","model":"qwen2.5-coder:7b"}
	]}`))

	models := ListOllamaModels(context.Background(), nil, srv.URL())
	require.Len(t, models, 2)
	assert.Equal(t, "llama", models[0].Details.Family)
	assert.Equal(t, "/api/tags", srv.Requests()[0].Path)

	catalog := NewModelCatalog()
	catalog.Register(types.ProviderOllama, "llama3:8b", types.ModelInfo{MaxTokens: 2048})
	catalog.RegisterOllamaModels(models)

	info, _ := catalog.Lookup(types.ProviderOllama, "llama3:8b")
	assert.Equal(t, 2048, info.MaxTokens, "configured overrides win over discovery")
	info, ok := catalog.Lookup(types.ProviderOllama, "qwen2.5-coder:7b")
	require.True(t, ok)
	assert.Equal(t, types.LocalModelDefaults, info)
}

func TestModelCatalog_NilLookup(t *testing.T) {
	var c *ModelCatalog
	_, ok := c.Lookup(types.ProviderLMStudio, "x")
	assert.False(t, ok)
}
