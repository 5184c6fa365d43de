package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nobody-qwert/cline-local/internal/logging"
)

// Namespace names one persisted key/value map.
type Namespace string

const (
	NamespaceGlobal    Namespace = "global"
	NamespaceSecret    Namespace = "secrets"
	NamespaceWorkspace Namespace = "workspace"
)

// Namespaces lists every namespace in flush order.
var Namespaces = []Namespace{NamespaceGlobal, NamespaceSecret, NamespaceWorkspace}

// Store is the persistence boundary of the state cache.
type Store interface {
	// Load returns every key persisted in ns. A namespace that was never
	// written loads as an empty map.
	Load(ctx context.Context, ns Namespace) (map[string]json.RawMessage, error)

	// UpdateBatch applies updates to ns in one write. A nil value removes
	// the key.
	UpdateBatch(ctx context.Context, ns Namespace, updates map[string]json.RawMessage) error
}

// StateStore keeps each namespace in <base>/state/<namespace>.json. The
// secrets file is readable by the owner only.
type StateStore struct {
	storage   *Storage
	workspace *Storage
}

// StateOption configures a StateStore.
type StateOption func(*StateStore)

// WithWorkspace keeps the workspace namespace in its own storage, usually
// rooted in the project directory.
func WithWorkspace(s *Storage) StateOption {
	return func(st *StateStore) { st.workspace = s }
}

// NewStateStore creates a StateStore on top of s.
func NewStateStore(s *Storage, opts ...StateOption) *StateStore {
	st := &StateStore{storage: s, workspace: s}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

func (st *StateStore) backend(ns Namespace) *Storage {
	if ns == NamespaceWorkspace {
		return st.workspace
	}
	return st.storage
}

func (st *StateStore) path(ns Namespace) []string {
	return []string{"state", string(ns)}
}

// Load implements Store. A namespace file that no longer decodes is moved
// aside to <file>.corrupt-<unix> and loads as empty.
func (st *StateStore) Load(ctx context.Context, ns Namespace) (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage)
	backend := st.backend(ns)
	err := backend.Get(ctx, st.path(ns), &values)
	if errors.Is(err, ErrNotFound) {
		return map[string]json.RawMessage{}, nil
	}
	if errors.Is(err, ErrCorrupt) {
		return st.quarantine(backend, ns, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s state: %w", ns, err)
	}
	return values, nil
}

func (st *StateStore) quarantine(backend *Storage, ns Namespace, cause error) (map[string]json.RawMessage, error) {
	filePath := backend.pathToFile(st.path(ns))
	lock, err := backend.lockFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("load %s state: %w", ns, err)
	}
	defer lock.Unlock()

	aside := fmt.Sprintf("%s.corrupt-%d", filePath, time.Now().Unix())
	if err := backend.fs.Rename(filePath, aside); err != nil {
		return nil, fmt.Errorf("load %s state: %w", ns, cause)
	}
	logging.Component("storage").Warn().
		Err(cause).
		Str("namespace", string(ns)).
		Str("movedTo", aside).
		Msg("state file could not be decoded, starting empty")
	return map[string]json.RawMessage{}, nil
}

// UpdateBatch implements Store.
func (st *StateStore) UpdateBatch(ctx context.Context, ns Namespace, updates map[string]json.RawMessage) error {
	if len(updates) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	backend := st.backend(ns)
	filePath := backend.pathToFile(st.path(ns))
	lock, err := backend.lockFile(filePath)
	if err != nil {
		return fmt.Errorf("persist %s state: %w", ns, err)
	}
	defer lock.Unlock()

	current := make(map[string]json.RawMessage)
	if err := backend.Get(ctx, st.path(ns), &current); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load %s state: %w", ns, err)
	}

	for key, value := range updates {
		if value == nil {
			delete(current, key)
			continue
		}
		current[key] = value
	}

	perm := filePerm
	if ns == NamespaceSecret {
		perm = secretPerm
	}
	if err := backend.writeLocked(filePath, current, perm); err != nil {
		return fmt.Errorf("write %s state: %w", ns, err)
	}
	return nil
}
