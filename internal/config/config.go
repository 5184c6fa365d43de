package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/nobody-qwert/cline-local/internal/provider"
	"github.com/nobody-qwert/cline-local/internal/retry"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

// DefaultPort is the HTTP bridge port used when none is configured.
const DefaultPort = 7421

// Settings is the bootstrap configuration of the process. Provider state
// lives in the state cache, not here.
type Settings struct {
	LogLevel     string                   `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogToFile    bool                     `json:"logToFile,omitempty" yaml:"logToFile,omitempty"`
	StateDir     string                   `json:"stateDir,omitempty" yaml:"stateDir,omitempty"`
	WorkspaceDir string                   `json:"workspaceDir,omitempty" yaml:"workspaceDir,omitempty"`
	Server       ServerSettings           `json:"server" yaml:"server"`
	DebounceMs   int                      `json:"debounceMs,omitempty" yaml:"debounceMs,omitempty"`
	Retry        RetrySettings            `json:"retry" yaml:"retry"`
	Models       map[string]ModelOverride `json:"models,omitempty" yaml:"models,omitempty"`

	// Seed values from the environment. They are written to the state cache
	// only when it has no value of its own.
	LMStudioBaseURL string `json:"-" yaml:"-"`
	OllamaBaseURL   string `json:"-" yaml:"-"`
	OllamaAPIKey    string `json:"-" yaml:"-"`
}

// ServerSettings configures the HTTP bridge.
type ServerSettings struct {
	Port int      `json:"port,omitempty" yaml:"port,omitempty"`
	CORS []string `json:"cors,omitempty" yaml:"cors,omitempty"`
}

// RetrySettings configures the stream retry policy.
type RetrySettings struct {
	MaxRetries  int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	BaseDelayMs int `json:"baseDelayMs,omitempty" yaml:"baseDelayMs,omitempty"`
	MaxDelayMs  int `json:"maxDelayMs,omitempty" yaml:"maxDelayMs,omitempty"`
}

// ModelOverride refines the declared capabilities of one model. Keys of
// Settings.Models are "provider/model".
type ModelOverride struct {
	MaxTokens      *int  `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	ContextWindow  *int  `json:"contextWindow,omitempty" yaml:"contextWindow,omitempty"`
	SupportsImages *bool `json:"supportsImages,omitempty" yaml:"supportsImages,omitempty"`
}

// Default returns the settings used when no file sets a value.
func Default() *Settings {
	return &Settings{
		LogLevel:   "info",
		StateDir:   GetPaths().StoragePath(),
		Server:     ServerSettings{Port: DefaultPort},
		DebounceMs: 500,
		Retry: RetrySettings{
			MaxRetries:  retry.DefaultMaxRetries,
			BaseDelayMs: int(retry.DefaultBaseDelay / time.Millisecond),
			MaxDelayMs:  int(retry.DefaultMaxDelay / time.Millisecond),
		},
		Models: make(map[string]ModelOverride),
	}
}

// Load loads settings from multiple sources (priority order):
// 1. Global settings (~/.config/cline-local/settings.json[c], settings.yaml)
// 2. Project settings (<directory>/.cline-local/)
// 3. CLINE_LOCAL_CONFIG file
// 4. Environment variables
//
// .env files in the working directory and the project directory are loaded
// into the environment first; variables already set win.
func Load(directory string) (*Settings, error) {
	loadDotEnv(directory)

	settings := Default()
	loaded := make(map[string]bool)

	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if loaded[absPath] {
			return nil
		}
		err = loadSettingsFile(path, settings)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	var candidates []string

	// 1. XDG global settings
	globalPath := GetPaths().Config
	candidates = append(candidates,
		filepath.Join(globalPath, "settings.json"),
		filepath.Join(globalPath, "settings.jsonc"),
		filepath.Join(globalPath, "settings.yaml"),
	)

	// 2. Project settings
	if directory != "" {
		projectDir := filepath.Join(directory, ProjectDirName)
		candidates = append(candidates,
			filepath.Join(projectDir, "settings.json"),
			filepath.Join(projectDir, "settings.jsonc"),
			filepath.Join(projectDir, "settings.yaml"),
		)
	}

	// 3. CLINE_LOCAL_CONFIG file override
	if configPath := os.Getenv("CLINE_LOCAL_CONFIG"); configPath != "" {
		candidates = append(candidates, configPath)
	}

	for _, path := range candidates {
		if err := loadOnce(path); err != nil {
			return nil, err
		}
	}

	// 4. Environment variables (highest priority)
	applyEnvOverrides(settings)

	if settings.WorkspaceDir == "" && directory != "" {
		settings.WorkspaceDir = filepath.Join(directory, ProjectDirName)
	}

	return settings, nil
}

func loadDotEnv(directory string) {
	files := []string{".env"}
	if directory != "" {
		files = append(files, filepath.Join(directory, ".env"))
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// loadSettingsFile decodes one file onto settings. Decoding onto the
// accumulated value overrides only the fields present in the file.
func loadSettingsFile(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = interpolate(data, filepath.Dir(path))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, settings)
	default:
		// Strip JSONC comments using tidwall/jsonc
		return json.Unmarshal(jsonc.ToJSON(data), settings)
	}
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}
		return strings.TrimSpace(string(content))
	})

	return []byte(str)
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(settings *Settings) {
	if level := os.Getenv("CLINE_LOCAL_LOG_LEVEL"); level != "" {
		settings.LogLevel = level
	}
	if dir := os.Getenv("CLINE_LOCAL_STATE_DIR"); dir != "" {
		settings.StateDir = dir
	}
	if port := os.Getenv("CLINE_LOCAL_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil && n > 0 {
			settings.Server.Port = n
		}
	}

	settings.LMStudioBaseURL = os.Getenv("LMSTUDIO_BASE_URL")
	settings.OllamaBaseURL = os.Getenv("OLLAMA_BASE_URL")
	settings.OllamaAPIKey = os.Getenv("OLLAMA_API_KEY")
}

// RetryOptions returns the retry policy of these settings.
func (s *Settings) RetryOptions() retry.Options {
	return retry.Options{
		MaxRetries: s.Retry.MaxRetries,
		BaseDelay:  time.Duration(s.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(s.Retry.MaxDelayMs) * time.Millisecond,
	}
}

// DebounceDelay returns the state cache flush delay.
func (s *Settings) DebounceDelay() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// ApplyModelOverrides registers every model override in catalog, on top of
// the provider defaults and whatever the catalog already knows.
func (s *Settings) ApplyModelOverrides(catalog *provider.ModelCatalog) {
	for key, o := range s.Models {
		providerID, modelID, ok := strings.Cut(key, "/")
		if !ok || modelID == "" {
			continue
		}
		p := types.APIProvider(providerID)

		info, found := catalog.Lookup(p, modelID)
		if !found {
			switch p {
			case types.ProviderLMStudio:
				info = provider.LMStudioModelInfo(modelID)
			case types.ProviderOllama:
				info = types.LocalModelDefaults
			default:
				continue
			}
		}
		if o.MaxTokens != nil {
			info.MaxTokens = *o.MaxTokens
		}
		if o.ContextWindow != nil {
			info.ContextWindow = *o.ContextWindow
		}
		if o.SupportsImages != nil {
			info.SupportsImages = *o.SupportsImages
		}
		catalog.Register(p, modelID, info)
	}
}

// Save saves the settings to a file.
func Save(settings *Settings, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
