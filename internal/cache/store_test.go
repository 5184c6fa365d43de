package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nobody-qwert/cline-local/internal/storage"
)

var errDiskFull = errors.New("disk full")

type batchCall struct {
	ns      storage.Namespace
	updates map[string]json.RawMessage
}

// recordingStore is an in-memory Store that records every batch and can be
// told to fail.
type recordingStore struct {
	mu    sync.Mutex
	data  map[storage.Namespace]map[string]json.RawMessage
	calls []batchCall
	fail  bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{data: make(map[storage.Namespace]map[string]json.RawMessage)}
}

func (s *recordingStore) seed(ns storage.Namespace, key, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[ns] == nil {
		s.data[ns] = make(map[string]json.RawMessage)
	}
	s.data[ns][key] = json.RawMessage(raw)
}

func (s *recordingStore) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *recordingStore) Load(ctx context.Context, ns storage.Namespace) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.data[ns]))
	for k, v := range s.data[ns] {
		out[k] = v
	}
	return out, nil
}

func (s *recordingStore) UpdateBatch(ctx context.Context, ns storage.Namespace, updates map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]json.RawMessage, len(updates))
	for k, v := range updates {
		copied[k] = v
	}
	s.calls = append(s.calls, batchCall{ns: ns, updates: copied})
	if s.fail {
		return errDiskFull
	}
	if s.data[ns] == nil {
		s.data[ns] = make(map[string]json.RawMessage)
	}
	for k, v := range updates {
		if v == nil {
			delete(s.data[ns], k)
		} else {
			s.data[ns][k] = v
		}
	}
	return nil
}

func (s *recordingStore) callsFor(ns storage.Namespace) []batchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []batchCall
	for _, c := range s.calls {
		if c.ns == ns {
			out = append(out, c)
		}
	}
	return out
}

func (s *recordingStore) stored(ns storage.Namespace, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[ns][key]
	return string(v), ok
}
