package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nobody-qwert/cline-local/internal/cache"
	"github.com/nobody-qwert/cline-local/internal/event"
	"github.com/nobody-qwert/cline-local/internal/logging"
	"github.com/nobody-qwert/cline-local/internal/provider"
	"github.com/nobody-qwert/cline-local/internal/retry"
	"github.com/nobody-qwert/cline-local/internal/telemetry"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

// ErrNotFound is returned for a session id that is not known.
var ErrNotFound = errors.New("session not found")

// maxFinished bounds how many ended sessions keep their usage.
const maxFinished = 256

// Options carries the collaborators of a Service. Every field is optional.
type Options struct {
	Bus        *event.Bus
	Catalog    *provider.ModelCatalog
	HTTPClient *http.Client
	Retry      retry.Options
	Telemetry  telemetry.Recorder
}

// Request is one chat completion.
type Request struct {
	SystemPrompt string
	Messages     []types.ChatMessage
	// Mode overrides the mode stored in the state cache.
	Mode types.Mode
}

// Info describes a session.
type Info struct {
	ID        string            `json:"id"`
	Provider  types.APIProvider `json:"provider"`
	ModelID   string            `json:"modelID"`
	Mode      types.Mode        `json:"mode"`
	StartTime time.Time         `json:"startTime"`
	Done      bool              `json:"done"`
}

// activeSession tracks an open stream. canceller is nil for handlers that
// cannot abort a request themselves.
type activeSession struct {
	info      Info
	handler   provider.Handler
	canceller provider.Canceller
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
}

// Service manages chat sessions.
type Service struct {
	cache *cache.Service
	opts  Options

	mu       sync.RWMutex
	active   map[string]*activeSession
	finished map[string]finishedSession
}

type finishedSession struct {
	info  Info
	usage *types.UsageChunk
}

// NewService creates a new session service.
func NewService(c *cache.Service, opts Options) *Service {
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop{}
	}
	if opts.Catalog == nil {
		opts.Catalog = provider.NewModelCatalog()
	}
	return &Service{
		cache:    c,
		opts:     opts,
		active:   make(map[string]*activeSession),
		finished: make(map[string]finishedSession),
	}
}

// Catalog returns the model catalog handlers are built with.
func (s *Service) Catalog() *provider.ModelCatalog {
	return s.opts.Catalog
}

// Start builds a handler for the configured provider and opens a stream.
// The returned stream must be closed.
func (s *Service) Start(ctx context.Context, req Request) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = s.cache.Mode()
	}
	cfg := s.cache.APIConfiguration()

	id := generateID()
	buildOpts := provider.BuildOptions{
		Catalog:    s.opts.Catalog,
		HTTPClient: s.opts.HTTPClient,
		Retry:      s.opts.Retry,
	}
	userObserver := s.opts.Retry.OnRetry
	buildOpts.Retry.OnRetry = func(attempt, maxRetries int, delay time.Duration, err error) {
		s.publish(event.RetryScheduled, event.RetryScheduledData{
			SessionID:  id,
			Attempt:    attempt,
			MaxRetries: maxRetries,
			DelayMs:    delay.Milliseconds(),
			Error:      err.Error(),
		})
		if userObserver != nil {
			userObserver(attempt, maxRetries, delay, err)
		}
	}

	handler := provider.BuildHandler(cfg, mode, buildOpts)
	model := handler.Model()
	info := Info{
		ID:        id,
		Provider:  provider.ProviderOf(handler),
		ModelID:   model.ID,
		Mode:      mode,
		StartTime: time.Now(),
	}

	ctx, cancel := context.WithCancel(ctx)
	as := &activeSession{info: info, handler: handler, ctx: ctx, cancel: cancel}
	if c, ok := handler.(provider.Canceller); ok {
		as.canceller = c
	}

	s.mu.Lock()
	s.active[id] = as
	s.mu.Unlock()

	logging.Component("session").Debug().
		Str("session", id).
		Str("provider", string(info.Provider)).
		Str("model", info.ModelID).
		Str("mode", string(mode)).
		Msg("starting stream")
	s.opts.Telemetry.StreamStarted(info.Provider, info.ModelID, mode)
	s.publish(event.StreamStarted, event.StreamStartedData{
		SessionID: id,
		Provider:  string(info.Provider),
		ModelID:   info.ModelID,
		Mode:      string(mode),
	})

	return &Stream{
		ID:      id,
		Model:   model,
		svc:     s,
		session: as,
		inner:   handler.CreateMessage(ctx, req.SystemPrompt, req.Messages),
	}, nil
}

// Cancel aborts the in-flight request of a session.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	as, ok := s.active[id]
	if ok {
		as.cancelled = true
	}
	s.mu.Unlock()
	if !ok {
		if s.isFinished(id) {
			return nil
		}
		return ErrNotFound
	}

	if as.canceller != nil {
		as.canceller.CancelActiveRequest()
	}
	as.cancel()
	logging.Component("session").Debug().Str("session", id).Msg("cancel requested")
	return nil
}

// LastUsage returns the most recent usage reported for a session.
func (s *Service) LastUsage(id string) (types.UsageChunk, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if as, ok := s.active[id]; ok {
		u, has := as.handler.LastUsage()
		return u, has, nil
	}
	if f, ok := s.finished[id]; ok {
		if f.usage == nil {
			return types.UsageChunk{}, false, nil
		}
		return *f.usage, true, nil
	}
	return types.UsageChunk{}, false, ErrNotFound
}

// Get returns the info of a session.
func (s *Service) Get(id string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if as, ok := s.active[id]; ok {
		return as.info, nil
	}
	if f, ok := s.finished[id]; ok {
		return f.info, nil
	}
	return Info{}, ErrNotFound
}

// Active lists the open sessions, oldest first.
func (s *Service) Active() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.active))
	for _, as := range s.active {
		out = append(out, as.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) isFinished(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.finished[id]
	return ok
}

// finish moves a session from active to finished and reports how it ended.
// A stream whose context was done before it ended counts as cancelled, which
// covers a caller that went away.
func (s *Service) finish(as *activeSession, err error) {
	aborted := as.ctx.Err() != nil
	as.cancel()

	s.mu.Lock()
	if _, ok := s.active[as.info.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, as.info.ID)
	cancelled := as.cancelled || aborted
	info := as.info
	info.Done = true
	f := finishedSession{info: info}
	if u, ok := as.handler.LastUsage(); ok {
		f.usage = &u
	}
	s.finished[info.ID] = f
	s.evictLocked()
	s.mu.Unlock()

	log := logging.Component("session")
	switch {
	case err != nil:
		log.Error().Err(err).Str("session", info.ID).Msg("stream failed")
		s.opts.Telemetry.StreamFailed(info.Provider, info.ModelID, err)
		s.publish(event.StreamFailed, event.StreamEndedData{SessionID: info.ID, Error: err.Error()})
	case cancelled:
		log.Debug().Str("session", info.ID).Msg("stream cancelled")
		s.publish(event.StreamCancelled, event.StreamEndedData{SessionID: info.ID})
	default:
		s.publish(event.StreamCompleted, event.StreamEndedData{SessionID: info.ID})
	}
}

// evictLocked drops the oldest finished sessions. ulids sort by time.
func (s *Service) evictLocked() {
	if len(s.finished) <= maxFinished {
		return
	}
	ids := make([]string, 0, len(s.finished))
	for id := range s.finished {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids[:len(ids)-maxFinished] {
		delete(s.finished, id)
	}
}

func (s *Service) publish(t event.EventType, data any) {
	if s.opts.Bus == nil {
		return
	}
	s.opts.Bus.Publish(event.Event{Type: t, Data: data})
}

// Stream is an open session stream. It publishes every chunk it returns.
type Stream struct {
	ID    string
	Model types.Model

	svc     *Service
	session *activeSession
	inner   provider.Stream
	once    sync.Once
}

// Recv returns the next chunk, or io.EOF once the stream has ended
// normally or was cancelled.
func (st *Stream) Recv() (types.StreamChunk, error) {
	chunk, err := st.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			st.end(nil)
		} else {
			st.end(err)
		}
		return nil, err
	}

	switch c := chunk.(type) {
	case types.TextChunk:
		st.svc.publish(event.StreamDelta, event.StreamDeltaData{SessionID: st.ID, Kind: "text", Delta: c.Text})
	case types.ReasoningChunk:
		st.svc.publish(event.StreamDelta, event.StreamDeltaData{SessionID: st.ID, Kind: "reasoning", Delta: c.Text})
	case types.UsageChunk:
		st.svc.opts.Telemetry.Usage(st.session.info.Provider, st.session.info.ModelID, c)
		st.svc.publish(event.StreamUsage, event.StreamUsageData{
			SessionID:        st.ID,
			InputTokens:      c.InputTokens,
			OutputTokens:     c.OutputTokens,
			CacheReadTokens:  c.CacheReadTokens,
			CacheWriteTokens: c.CacheWriteTokens,
		})
	}
	return chunk, nil
}

// Close releases the stream. Closing before the end counts as a
// cancellation.
func (st *Stream) Close() error {
	err := st.inner.Close()
	st.svc.mu.Lock()
	if _, ok := st.svc.active[st.ID]; ok {
		st.session.cancelled = true
	}
	st.svc.mu.Unlock()
	st.end(nil)
	return err
}

func (st *Stream) end(err error) {
	st.once.Do(func() { st.svc.finish(st.session, err) })
}

// Run streams a request to completion, calling fn for every chunk. It
// returns the final usage, if any was reported.
func (s *Service) Run(ctx context.Context, req Request, fn func(types.StreamChunk) error) (string, *types.UsageChunk, error) {
	stream, err := s.Start(ctx, req)
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	var usage *types.UsageChunk
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.ID, usage, nil
		}
		if err != nil {
			return stream.ID, usage, err
		}
		if u, ok := chunk.(types.UsageChunk); ok {
			usage = &u
		}
		if err := fn(chunk); err != nil {
			return stream.ID, usage, err
		}
	}
}

// generateID generates a new ulid.
func generateID() string {
	return ulid.Make().String()
}
