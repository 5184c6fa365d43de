// Package retry wraps the opening of a completion stream with exponential
// backoff.
//
// A failure is retried only while nothing has been handed to the caller.
// Once the first chunk has been returned from Recv, later failures are
// returned as-is, since replaying the request would duplicate output the
// caller already consumed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nobody-qwert/cline-local/internal/logging"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

const (
	// DefaultMaxRetries is the default number of attempts, the first included.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the exponential delay.
	DefaultMaxDelay = 10 * time.Second
)

// Stream is a pull-based sequence of chunks. Recv returns io.EOF once the
// sequence is exhausted.
type Stream interface {
	Recv() (types.StreamChunk, error)
	Close() error
}

// Factory opens a new stream. Each call issues a new request.
type Factory func(ctx context.Context) (Stream, error)

// Observer is notified before each retry with the 1-based number of the
// attempt that failed, the attempt ceiling, the delay before the next
// attempt and the failure.
type Observer func(attempt, maxRetries int, delay time.Duration, err error)

// Options configures the retry policy.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RetryAllErrors retries every failure. Otherwise only rate limiting
	// (HTTP 429) is retried.
	RetryAllErrors bool
	OnRetry        Observer
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	return o
}

// HTTPStatusError is returned by providers for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	// RetryAfter is the raw Retry-After (or rate-limit reset) header value.
	RetryAfter string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("http status %d", e.StatusCode)
	if e.Status != "" {
		msg = "http status " + e.Status
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// NewHTTPStatusError builds an HTTPStatusError from a response. The body is
// read up to a small limit and not closed.
func NewHTTPStatusError(resp *http.Response) *HTTPStatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		retryAfter = resp.Header.Get("X-Ratelimit-Reset")
	}
	if retryAfter == "" {
		retryAfter = resp.Header.Get("Ratelimit-Reset")
	}
	return &HTTPStatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RetryAfter: retryAfter,
		Body:       strings.TrimSpace(string(body)),
	}
}

// ParseRetryAfter interprets a Retry-After value. It accepts delta seconds,
// a unix timestamp in seconds, or an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n > now.Unix() {
			return time.Unix(n, 0).Sub(now), true
		}
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Wrap returns a stream that opens its underlying stream lazily on the
// first Recv and retries failures that occur before any chunk was yielded.
// Cancellation of ctx ends the stream with io.EOF.
func Wrap(ctx context.Context, open Factory, opts Options) Stream {
	opts = opts.withDefaults()
	return &retryStream{
		ctx:     ctx,
		open:    open,
		opts:    opts,
		backoff: newRetryBackoff(ctx, opts),
	}
}

// newRetryBackoff mirrors delay = min(maxDelay, baseDelay * 2^attempt)
// with no jitter.
func newRetryBackoff(ctx context.Context, opts Options) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseDelay
	b.MaxInterval = opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.MaxRetries-1)), ctx)
}

type retryStream struct {
	ctx     context.Context
	open    Factory
	opts    Options
	backoff backoff.BackOff

	cur     Stream
	attempt int
	yielded bool
	done    bool
}

func (s *retryStream) Recv() (types.StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		if s.ctx.Err() != nil {
			s.finish()
			return nil, io.EOF
		}

		if s.cur == nil {
			s.attempt++
			st, err := s.open(s.ctx)
			if err != nil {
				if retryErr := s.wait(err); retryErr != nil {
					return nil, s.fail(retryErr)
				}
				continue
			}
			s.cur = st
		}

		chunk, err := s.cur.Recv()
		if err == nil {
			s.yielded = true
			return chunk, nil
		}
		if errors.Is(err, io.EOF) {
			s.finish()
			return nil, io.EOF
		}
		if s.yielded {
			return nil, s.fail(err)
		}

		_ = s.cur.Close()
		s.cur = nil
		if retryErr := s.wait(err); retryErr != nil {
			return nil, s.fail(retryErr)
		}
	}
}

// wait sleeps before the next attempt. It returns a non-nil error when the
// failure must not be retried.
func (s *retryStream) wait(err error) error {
	if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return io.EOF
	}
	if s.attempt >= s.opts.MaxRetries || !s.retryable(err) {
		return err
	}

	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		if s.ctx.Err() != nil {
			return io.EOF
		}
		return err
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if d, ok := ParseRetryAfter(statusErr.RetryAfter, time.Now()); ok {
			delay = d
		}
	}

	log := logging.Component("retry")
	log.Warn().
		Err(err).
		Int("attempt", s.attempt).
		Int("maxRetries", s.opts.MaxRetries).
		Dur("delay", delay).
		Msg("request failed, retrying")
	if s.opts.OnRetry != nil {
		s.opts.OnRetry(s.attempt, s.opts.MaxRetries, delay, err)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return io.EOF
	case <-timer.C:
		return nil
	}
}

func (s *retryStream) retryable(err error) bool {
	if s.opts.RetryAllErrors {
		return true
	}
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests
}

func (s *retryStream) fail(err error) error {
	s.finish()
	if errors.Is(err, io.EOF) || (s.ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		return io.EOF
	}
	return err
}

func (s *retryStream) finish() {
	s.done = true
	if s.cur != nil {
		_ = s.cur.Close()
		s.cur = nil
	}
}

func (s *retryStream) Close() error {
	s.finish()
	return nil
}
