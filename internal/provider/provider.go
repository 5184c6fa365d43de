package provider

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/nobody-qwert/cline-local/internal/retry"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

// Stream is a lazy, pull-based sequence of chunks.
type Stream = retry.Stream

// Handler produces completion streams against one model server.
//
// A handler may issue requests serially. A single in-flight request must not
// be consumed by more than one goroutine.
type Handler interface {
	// CreateMessage returns a stream for the given prompt and history.
	// Each call opens a new network stream.
	CreateMessage(ctx context.Context, systemPrompt string, messages []types.ChatMessage) Stream

	// Model returns the configured model and its declared capabilities.
	Model() types.Model

	// LastUsage returns the most recent usage reported by the server.
	LastUsage() (types.UsageChunk, bool)
}

// Canceller is implemented by handlers that can abort their in-flight
// request from outside the consuming goroutine.
type Canceller interface {
	CancelActiveRequest()
}

// ErrUnknownProvider is reported when a provider tag is not recognised.
var ErrUnknownProvider = errors.New("unknown api provider")

// requestState holds the transient per-request fields shared by handlers:
// the cancel function of the most recent request and the last usage seen.
type requestState struct {
	mu        sync.Mutex
	seq       uint64
	cancel    context.CancelFunc
	lastUsage *types.UsageChunk
}

// begin derives the request context and makes it the active request.
func (s *requestState) begin(ctx context.Context) (context.Context, uint64, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.cancel = cancel
	s.mu.Unlock()
	return ctx, id, cancel
}

// end releases the request context. The active handle is cleared only if
// no newer request replaced it.
func (s *requestState) end(id uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	if s.seq == id {
		s.cancel = nil
	}
	s.mu.Unlock()
}

// CancelActiveRequest aborts the in-flight request, if any.
func (s *requestState) CancelActiveRequest() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *requestState) setUsage(u types.UsageChunk) {
	s.mu.Lock()
	s.lastUsage = &u
	s.mu.Unlock()
}

// LastUsage returns the most recent usage chunk.
func (s *requestState) LastUsage() (types.UsageChunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUsage == nil {
		return types.UsageChunk{}, false
	}
	return *s.lastUsage, true
}

// trackedStream records usage chunks and releases the request context once
// the stream ends.
type trackedStream struct {
	inner  Stream
	state  *requestState
	id     uint64
	cancel context.CancelFunc
	once   sync.Once
}

func newTrackedStream(inner Stream, state *requestState, id uint64, cancel context.CancelFunc) *trackedStream {
	return &trackedStream{inner: inner, state: state, id: id, cancel: cancel}
}

func (s *trackedStream) Recv() (types.StreamChunk, error) {
	chunk, err := s.inner.Recv()
	if err != nil {
		s.release()
		return nil, err
	}
	if u, ok := chunk.(types.UsageChunk); ok {
		s.state.setUsage(u)
	}
	return chunk, nil
}

func (s *trackedStream) Close() error {
	err := s.inner.Close()
	s.release()
	return err
}

func (s *trackedStream) release() {
	s.once.Do(func() { s.state.end(s.id, s.cancel) })
}

// chunkQueue buffers the chunks decoded from a single frame so that Recv
// can return them one at a time.
type chunkQueue []types.StreamChunk

func (q *chunkQueue) push(c ...types.StreamChunk) { *q = append(*q, c...) }

func (q *chunkQueue) pop() (types.StreamChunk, bool) {
	if len(*q) == 0 {
		return nil, false
	}
	c := (*q)[0]
	*q = (*q)[1:]
	return c, true
}

// isCancellation reports whether err is the result of an aborted request.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// endOfStream maps cancellation to io.EOF and wraps any other failure.
func endOfStream(ctx context.Context, err error, wrap func(error) error) error {
	if errors.Is(err, io.EOF) || isCancellation(ctx, err) {
		return io.EOF
	}
	return wrap(err)
}
