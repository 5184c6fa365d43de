package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nobody-qwert/cline-local/internal/cache"
	"github.com/nobody-qwert/cline-local/internal/config"
	"github.com/nobody-qwert/cline-local/internal/event"
	"github.com/nobody-qwert/cline-local/internal/logging"
	"github.com/nobody-qwert/cline-local/internal/provider"
	"github.com/nobody-qwert/cline-local/internal/session"
	"github.com/nobody-qwert/cline-local/internal/storage"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

// maxFlushFailures is the number of consecutive failed flushes after which
// the state cache is reloaded from disk.
const maxFlushFailures = 5

// app is the wired pipeline shared by the commands.
type app struct {
	workDir  string
	settings *config.Settings
	bus      *event.Bus
	cache    *cache.Service
	sessions *session.Service
	client   *http.Client
}

// newApp loads settings, initializes logging and opens the state cache.
// The caller must call close.
func newApp(ctx context.Context) (*app, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}

	settings, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}

	logging.Init(logging.Config{
		Level:      logging.ParseLevel(settings.LogLevel),
		Output:     os.Stderr,
		Pretty:     printLogs,
		TimeFormat: time.RFC3339,
		LogToFile:  settings.LogToFile,
		LogDir:     paths.LogPath(),
	})
	log := logging.Component("cli")

	store := storage.NewStateStore(
		storage.New(nil, settings.StateDir),
		storage.WithWorkspace(storage.New(nil, settings.WorkspaceDir)),
	)

	a := &app{
		workDir:  dir,
		settings: settings,
		bus:      event.Default(),
		client:   &http.Client{},
	}

	a.cache = cache.New(store,
		cache.WithDelay(settings.DebounceDelay()),
		cache.WithBus(a.bus),
		cache.WithErrorObserver(a.onFlushError),
	)
	if err := a.cache.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize state: %w", err)
	}
	if err := a.seedFromEnv(); err != nil {
		return nil, err
	}

	catalog := provider.NewModelCatalog()
	settings.ApplyModelOverrides(catalog)

	a.sessions = session.NewService(a.cache, session.Options{
		Bus:        a.bus,
		Catalog:    catalog,
		HTTPClient: a.client,
		Retry:      settings.RetryOptions(),
	})

	log.Debug().
		Str("directory", dir).
		Str("stateDir", settings.StateDir).
		Str("workspaceDir", settings.WorkspaceDir).
		Msg("pipeline ready")
	return a, nil
}

// onFlushError reloads state from disk once persistence looks structurally
// broken. Plain write failures are left to the cache's own retry.
func (a *app) onFlushError(err error) {
	log := logging.Component("cli")
	failures := a.cache.FlushFailures()
	if !errors.Is(err, storage.ErrCorrupt) && failures < maxFlushFailures {
		log.Warn().Err(err).Int("failures", failures).Msg("state flush failed, will retry")
		return
	}

	log.Error().Err(err).Int("failures", failures).Msg("state flush failed, reloading state")
	go func() {
		if err := a.cache.Reinitialize(context.Background()); err != nil {
			log.Error().Err(err).Msg("state reload failed")
		}
	}()
}

// seedFromEnv stores server URLs and the Ollama key from the environment
// when the state has none yet.
func (a *app) seedFromEnv() error {
	cfg := a.cache.APIConfiguration()
	var seed types.APIConfiguration
	if cfg.LMStudioBaseURL == "" {
		seed.LMStudioBaseURL = a.settings.LMStudioBaseURL
	}
	if cfg.OllamaBaseURL == "" {
		seed.OllamaBaseURL = a.settings.OllamaBaseURL
	}
	if cfg.OllamaAPIKey == "" {
		seed.OllamaAPIKey = a.settings.OllamaAPIKey
	}
	return a.cache.SetAPIConfiguration(seed)
}

// close flushes pending state and closes the log file.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.cache.Close(ctx); err != nil {
		logging.Component("cli").Error().Err(err).Msg("final state flush failed")
	}
	logging.Close()
}
