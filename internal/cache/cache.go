// Package cache keeps persisted state in memory and writes it back in
// debounced batches.
//
// Reads never touch disk: a value passed to Set is visible to the next Get
// at once. Dirty keys are flushed together after a quiet period, one
// UpdateBatch per namespace, run concurrently. A failed flush leaves every
// key dirty and schedules a retry with exponential backoff.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/nobody-qwert/cline-local/internal/event"
	"github.com/nobody-qwert/cline-local/internal/logging"
	"github.com/nobody-qwert/cline-local/internal/storage"
)

// ErrNotInitialized is the panic value of any accessor called before
// Initialize has completed.
var ErrNotInitialized = errors.New("cache service not initialized")

// DefaultDelay is the quiet period before dirty keys are flushed.
const DefaultDelay = 500 * time.Millisecond

// maxRetryDelay caps the wait between retries of a failed flush.
const maxRetryDelay = 30 * time.Second

// Namespace aliases re-exported for callers that only deal with the cache.
const (
	Global    = storage.NamespaceGlobal
	Secret    = storage.NamespaceSecret
	Workspace = storage.NamespaceWorkspace
)

// Option configures a Service.
type Option func(*Service)

// WithDelay sets the debounce delay.
func WithDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithErrorObserver registers fn to be called after a failed flush.
func WithErrorObserver(fn func(error)) Option {
	return func(s *Service) { s.onError = fn }
}

// WithBus publishes state events on bus.
func WithBus(bus *event.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// Service is the in-memory state cache.
type Service struct {
	store   storage.Store
	delay   time.Duration
	onError func(error)
	bus     *event.Bus

	mu          sync.Mutex
	initialized bool
	values      map[storage.Namespace]map[string]json.RawMessage
	pending     map[storage.Namespace]map[string]uint64
	version     uint64
	timer       *time.Timer
	closed      bool
	failures    int
	retry       *backoff.ExponentialBackOff

	flushMu sync.Mutex
}

// New creates a Service backed by store. Initialize must be called before
// any accessor.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		delay: DefaultDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry = backoff.NewExponentialBackOff()
	s.retry.InitialInterval = s.delay
	s.retry.MaxInterval = maxRetryDelay
	s.retry.MaxElapsedTime = 0
	s.retry.Reset()
	s.reset()
	return s
}

func (s *Service) reset() {
	s.values = make(map[storage.Namespace]map[string]json.RawMessage, len(storage.Namespaces))
	s.pending = make(map[storage.Namespace]map[string]uint64, len(storage.Namespaces))
	for _, ns := range storage.Namespaces {
		s.values[ns] = make(map[string]json.RawMessage)
		s.pending[ns] = make(map[string]uint64)
	}
}

// Initialize loads every namespace from the store and fills in defaults for
// missing keys. Defaults are not marked dirty.
func (s *Service) Initialize(ctx context.Context) error {
	loaded := make(map[storage.Namespace]map[string]json.RawMessage, len(storage.Namespaces))
	var loadMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, ns := range storage.Namespaces {
		g.Go(func() error {
			values, err := s.store.Load(gctx, ns)
			if err != nil {
				return err
			}
			loadMu.Lock()
			loaded[ns] = values
			loadMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	for ns, values := range loaded {
		for k, v := range values {
			s.values[ns][k] = v
		}
	}
	applyDefaults(s.values[storage.NamespaceGlobal])
	s.initialized = true
	return nil
}

// Reinitialize discards all in-memory values and pending writes, then
// reloads from the store. It is the recovery path after a broken flush.
func (s *Service) Reinitialize(ctx context.Context) error {
	s.mu.Lock()
	s.stopTimerLocked()
	s.initialized = false
	s.failures = 0
	s.retry.Reset()
	s.reset()
	s.mu.Unlock()

	logging.Component("cache").Info().Msg("reinitializing state cache from storage")
	return s.Initialize(ctx)
}

// Initialized reports whether Initialize has completed.
func (s *Service) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Service) mustInit() {
	if !s.initialized {
		panic(ErrNotInitialized)
	}
}

// Get returns the raw value of key in ns.
func (s *Service) Get(ns storage.Namespace, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustInit()
	v, ok := s.values[ns][key]
	return v, ok
}

// Keys returns the keys present in ns, sorted.
func (s *Service) Keys(ns storage.Namespace) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustInit()
	keys := make([]string, 0, len(s.values[ns]))
	for k := range s.values[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores value under key and schedules a flush.
func (s *Service) Set(ns storage.Namespace, key string, value any) error {
	return s.SetBatch(ns, map[string]any{key: value})
}

// SetBatch stores every update and schedules a single flush. A nil value
// removes the key. Nothing is stored if any value fails to encode.
func (s *Service) SetBatch(ns storage.Namespace, updates map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(updates))
	for k, v := range updates {
		raw, err := encode(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		encoded[k] = raw
	}
	s.apply(ns, encoded)
	return nil
}

// Delete removes keys from ns and schedules a flush.
func (s *Service) Delete(ns storage.Namespace, keys ...string) {
	updates := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		updates[k] = nil
	}
	s.apply(ns, updates)
}

func (s *Service) apply(ns storage.Namespace, updates map[string]json.RawMessage) {
	if len(updates) == 0 {
		return
	}

	s.mu.Lock()
	s.mustInit()
	keys := make([]string, 0, len(updates))
	for k, v := range updates {
		if v == nil {
			delete(s.values[ns], k)
		} else {
			s.values[ns][k] = v
		}
		s.version++
		s.pending[ns][k] = s.version
		keys = append(keys, k)
	}
	s.scheduleLocked()
	s.mu.Unlock()

	sort.Strings(keys)
	s.publish(event.StateChanged, event.StateChangedData{Namespace: string(ns), Keys: keys})
}

// encode marshals v. Raw JSON passes through and nil or JSON null means
// removal.
func encode(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if x == nil || string(x) == "null" {
			return nil, nil
		}
		return x, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

// scheduleLocked replaces any armed timer with a new one.
func (s *Service) scheduleLocked() {
	s.armLocked(s.delay)
}

func (s *Service) armLocked(d time.Duration) {
	s.stopTimerLocked()
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.timer == t {
			s.timer = nil
		}
		s.mu.Unlock()
		_ = s.Flush(context.Background())
	})
	s.timer = t
}

func (s *Service) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Pending returns the dirty keys of ns, sorted.
func (s *Service) Pending(ns storage.Namespace) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.pending[ns]))
	for k := range s.pending[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type flushBatch struct {
	updates  map[string]json.RawMessage
	versions map[string]uint64
}

// Flush persists every dirty key with its current value. On success the
// flushed keys are cleared unless they were written again meanwhile. On
// failure nothing is cleared and the error observer is notified.
func (s *Service) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batches := make(map[storage.Namespace]flushBatch)
	for ns, dirty := range s.pending {
		if len(dirty) == 0 {
			continue
		}
		b := flushBatch{
			updates:  make(map[string]json.RawMessage, len(dirty)),
			versions: make(map[string]uint64, len(dirty)),
		}
		for k, ver := range dirty {
			b.updates[k] = s.values[ns][k]
			b.versions[k] = ver
		}
		batches[ns] = b
	}
	s.mu.Unlock()

	if len(batches) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for ns, b := range batches {
		g.Go(func() error {
			if err := s.store.UpdateBatch(gctx, ns, b.updates); err != nil {
				return fmt.Errorf("persist %s: %w", ns, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.mu.Lock()
		s.failures++
		failures := s.failures
		var next time.Duration
		// A Set during the flush has armed its own timer already.
		if s.timer == nil && s.initialized && !s.closed {
			next = s.retry.NextBackOff()
			s.armLocked(next)
		}
		s.mu.Unlock()

		logging.Component("cache").Error().
			Err(err).
			Int("failures", failures).
			Dur("retryIn", next).
			Msg("failed to persist pending changes")
		for ns, b := range batches {
			s.publish(event.StatePersistErr, event.StatePersistData{
				Namespace: string(ns),
				Keys:      sortedKeys(b.versions),
				Error:     err.Error(),
			})
		}
		if s.onError != nil {
			s.onError(err)
		}
		return err
	}

	s.mu.Lock()
	s.failures = 0
	s.retry.Reset()
	for ns, b := range batches {
		for k, ver := range b.versions {
			if s.pending[ns][k] == ver {
				delete(s.pending[ns], k)
			}
		}
	}
	s.mu.Unlock()

	for ns, b := range batches {
		s.publish(event.StatePersisted, event.StatePersistData{Namespace: string(ns), Keys: sortedKeys(b.versions)})
	}
	return nil
}

// FlushFailures returns the number of consecutive failed flushes.
func (s *Service) FlushFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Close cancels the debounce timer and flushes pending keys. A failure of
// this last flush is not retried.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()
	return s.Flush(ctx)
}

func (s *Service) publish(t event.EventType, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{Type: t, Data: data})
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
