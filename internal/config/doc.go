// Package config provides settings loading and path management for
// cline-local.
//
// Settings are the bootstrap configuration of the process: log level, where
// state is stored, the HTTP bridge, the state cache debounce, the retry
// policy and per-model capability overrides. Provider selection, model ids
// and sampling values are not settings; they live in the state cache.
//
// # Loading
//
// Load merges settings from several sources in priority order:
//
//  1. Global settings in the XDG config directory
//     (settings.json, settings.jsonc, settings.yaml)
//  2. Project settings in <directory>/.cline-local/
//  3. The file named by CLINE_LOCAL_CONFIG
//  4. Environment variables
//
// Each file is decoded onto the settings accumulated so far, so a file only
// overrides the fields it mentions. .env files are read with godotenv before
// anything else.
//
// # Formats
//
//   - settings.json / settings.jsonc: JSON, comments stripped with tidwall/jsonc
//   - settings.yaml: YAML via gopkg.in/yaml.v3
//
// # Variable Interpolation
//
//   - {env:VAR_NAME} expands to an environment variable
//   - {file:path} expands to the trimmed contents of a file, relative to the
//     settings file or ~/
//
// # Environment Variables
//
//   - CLINE_LOCAL_LOG_LEVEL, CLINE_LOCAL_STATE_DIR, CLINE_LOCAL_PORT override
//     the matching settings
//   - LMSTUDIO_BASE_URL, OLLAMA_BASE_URL, OLLAMA_API_KEY seed the state cache
//     when it has no value of its own
//
// # Paths
//
// GetPaths follows the XDG base directory layout with the app name
// cline-local. Persisted state defaults to Paths.StoragePath; workspace state
// defaults to <directory>/.cline-local.
package config
