package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nobody-qwert/cline-local/internal/logging"
)

// LMStudioModel is a model descriptor from LM Studio's /api/v0/models.
type LMStudioModel struct {
	ID                string `json:"id"`
	Object            string `json:"object,omitempty"`
	Type              string `json:"type,omitempty"`
	Publisher         string `json:"publisher,omitempty"`
	Arch              string `json:"arch,omitempty"`
	CompatibilityType string `json:"compatibility_type,omitempty"`
	Quantization      string `json:"quantization,omitempty"`
	State             string `json:"state,omitempty"`
	MaxContextLength  int    `json:"max_context_length,omitempty"`
}

// OllamaModel is a model descriptor from Ollama's /api/tags.
type OllamaModel struct {
	Name       string `json:"name"`
	Model      string `json:"model,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Details    struct {
		Family            string `json:"family,omitempty"`
		ParameterSize     string `json:"parameter_size,omitempty"`
		QuantizationLevel string `json:"quantization_level,omitempty"`
	} `json:"details"`
}

// ListLMStudioModels fetches the models known to an LM Studio server. Any
// failure, an unparsable base URL included, yields an empty list.
func ListLMStudioModels(ctx context.Context, client *http.Client, baseURL string) []LMStudioModel {
	if baseURL == "" {
		baseURL = DefaultLMStudioBaseURL
	}
	var resp struct {
		Data []LMStudioModel `json:"data"`
	}
	if err := getJSON(ctx, client, baseURL, "api/v0/models", &resp); err != nil {
		log := logging.Component("provider")
		log.Debug().Err(err).Str("baseUrl", baseURL).Msg("lm studio model discovery failed")
		return []LMStudioModel{}
	}
	if resp.Data == nil {
		return []LMStudioModel{}
	}
	return resp.Data
}

// ListOllamaModels fetches the models pulled on an Ollama server. Any
// failure yields an empty list.
func ListOllamaModels(ctx context.Context, client *http.Client, baseURL string) []OllamaModel {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	var resp struct {
		Models []OllamaModel `json:"models"`
	}
	if err := getJSON(ctx, client, baseURL, "api/tags", &resp); err != nil {
		log := logging.Component("provider")
		log.Debug().Err(err).Str("baseUrl", baseURL).Msg("ollama model discovery failed")
		return []OllamaModel{}
	}
	if resp.Models == nil {
		return []OllamaModel{}
	}
	return resp.Models
}

// getJSON resolves ref against base the way a browser resolves a relative URL.
func getJSON(ctx context.Context, client *http.Client, base, ref string, v any) error {
	if client == nil {
		client = http.DefaultClient
	}
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return fmt.Errorf("invalid base url %q", base)
	}
	endpoint := baseURL.ResolveReference(&url.URL{Path: ref})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
