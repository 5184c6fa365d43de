package config

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nobody-qwert/cline-local/internal/event"
	"github.com/nobody-qwert/cline-local/internal/logging"
)

// Watcher reloads settings when a settings file in the global or project
// config directory changes.
type Watcher struct {
	watcher   *fsnotify.Watcher
	directory string
	onChange  func(*Settings)
	bus       *event.Bus
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	mu        sync.Mutex
}

// NewWatcher watches the settings directories of directory. Directories that
// do not exist are skipped; if none exist a nil watcher is returned.
// onChange receives the freshly loaded settings after each change.
func NewWatcher(directory string, bus *event.Bus, onChange func(*Settings)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dirs := []string{GetPaths().Config}
	if directory != "" {
		dirs = append(dirs, filepath.Join(directory, ProjectDirName))
	}
	watched := 0
	for _, dir := range dirs {
		if err := w.Add(dir); err == nil {
			watched++
		}
	}
	if watched == 0 {
		w.Close()
		logging.Component("config").Debug().Msg("no settings directory to watch")
		return nil, nil
	}

	if bus == nil {
		bus = event.Default()
	}
	return &Watcher{
		watcher:   w,
		directory: directory,
		onChange:  onChange,
		bus:       bus,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	log := logging.Component("config")

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && isSettingsFile(ev.Name) {
				w.reload(ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("settings watcher error")
		}
	}
}

func (w *Watcher) reload(path string) {
	log := logging.Component("config")

	settings, err := Load(w.directory)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("settings reload failed")
		w.bus.PublishSync(event.Event{
			Type: event.ConfigReloaded,
			Data: event.ConfigReloadedData{Path: path, Error: err.Error()},
		})
		return
	}

	log.Info().Str("path", path).Msg("settings reloaded")
	if w.onChange != nil {
		w.onChange(settings)
	}
	w.bus.PublishSync(event.Event{
		Type: event.ConfigReloaded,
		Data: event.ConfigReloadedData{Path: path},
	})
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}

	return w.watcher.Close()
}

func isSettingsFile(path string) bool {
	switch strings.ToLower(filepath.Base(path)) {
	case "settings.json", "settings.jsonc", "settings.yaml":
		return true
	}
	return false
}
