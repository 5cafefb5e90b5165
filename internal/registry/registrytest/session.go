// Package registrytest provides an in-memory Session for tests.
package registrytest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatd/internal/crypto"
	"github.com/eldtechnologies/chatd/internal/models"
	"github.com/eldtechnologies/chatd/internal/registry"
)

// Session records every event sent to it.
type Session struct {
	id      string
	account uuid.UUID

	mu     sync.Mutex
	events []models.Event
	closed bool
}

// NewSession creates an open session for account.
func NewSession(account uuid.UUID) *Session {
	return &Session{id: crypto.NewULID(), account: account}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) AccountID() uuid.UUID { return s.account }

// Send records the event, or fails with registry.ErrSessionClosed after Close.
func (s *Session) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return registry.ErrSessionClosed
	}
	s.events = append(s.events, ev)
	return nil
}

// Close makes further sends fail.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (s *Session) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

// Named returns the recorded events with the given name.
func (s *Session) Named(name string) []models.Event {
	var out []models.Event
	for _, ev := range s.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Names returns the names of the recorded events in order.
func (s *Session) Names() []string {
	events := s.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

// Reset drops the recorded events.
func (s *Session) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}
