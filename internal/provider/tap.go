package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/nobody-qwert/cline-local/pkg/types"
)

type frameSinkKey struct{}

// frameSink collects the chunks parsed from one streamed response, in wire
// order.
type frameSink struct {
	mu    sync.Mutex
	queue chunkQueue
}

// withFrameSink returns a context whose requests through a frameTap report
// their frames to the returned sink.
func withFrameSink(ctx context.Context) (context.Context, *frameSink) {
	sink := &frameSink{}
	return context.WithValue(ctx, frameSinkKey{}, sink), sink
}

func (s *frameSink) push(c ...types.StreamChunk) {
	if len(c) == 0 {
		return
	}
	s.mu.Lock()
	s.queue.push(c...)
	s.mu.Unlock()
}

func (s *frameSink) pop() (types.StreamChunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.pop()
}

// frameTap is a RoundTripper that parses the chat-completion frames of
// successful responses as the client reads them. Requests without a sink in
// their context pass through untouched.
type frameTap struct {
	base http.RoundTripper
}

// tappedClient returns a copy of c whose transport is wrapped in a frameTap.
func tappedClient(c *http.Client) *http.Client {
	if c == nil {
		c = http.DefaultClient
	}
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	tapped := *c
	tapped.Transport = &frameTap{base: base}
	return &tapped
}

func (t *frameTap) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	sink, ok := req.Context().Value(frameSinkKey{}).(*frameSink)
	if !ok || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}
	resp.Body = &tappedBody{ReadCloser: resp.Body, sink: sink}
	return resp, nil
}

// tappedBody splits what the client reads into lines and hands every data
// frame to parseCompletionFrame.
type tappedBody struct {
	io.ReadCloser
	sink *frameSink
	line []byte
	done bool
}

func (b *tappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.line = append(b.line, p[:n]...)
	for {
		i := bytes.IndexByte(b.line, '\n')
		if i < 0 {
			break
		}
		b.frame(b.line[:i])
		b.line = b.line[i+1:]
	}
	if err == io.EOF && len(b.line) > 0 {
		b.frame(b.line)
		b.line = nil
	}
	return n, err
}

func (b *tappedBody) frame(line []byte) {
	if b.done {
		return
	}
	data, ok := cutData(strings.TrimSpace(string(line)))
	if !ok {
		return
	}
	if data == sseDone {
		b.done = true
		return
	}
	b.sink.push(parseCompletionFrame(data)...)
}
