// Package inmem provides an in-memory session store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sync"

	"goa.design/maestro/model"
	"goa.design/maestro/session"
)

// Store is a map-backed session.Store. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	history  map[string][]*model.Message
	metadata map[string]map[string]string
}

var _ session.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		history:  make(map[string][]*model.Message),
		metadata: make(map[string]map[string]string),
	}
}

// History implements session.Store.
func (s *Store) History(_ context.Context, sessionID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.history[sessionID]
	out := make([]*model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Append implements session.Store.
func (s *Store) Append(_ context.Context, sessionID string, msgs []*model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[sessionID] = append(s.history[sessionID], msgs...)
	return nil
}

// Clear implements session.Store.
func (s *Store) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, sessionID)
	delete(s.metadata, sessionID)
	return nil
}

// Metadata implements session.Store.
func (s *Store) Metadata(_ context.Context, sessionID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.metadata[sessionID]))
	for k, v := range s.metadata[sessionID] {
		out[k] = v
	}
	return out, nil
}

// UpdateMetadata implements session.Store.
func (s *Store) UpdateMetadata(_ context.Context, sessionID string, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metadata[sessionID]
	if m == nil {
		m = make(map[string]string, len(entries))
		s.metadata[sessionID] = m
	}
	for k, v := range entries {
		if v == "" {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	return nil
}
