// Package registry tracks the live push sessions of each account in this process.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatd/internal/metrics"
	"github.com/eldtechnologies/chatd/internal/models"
)

// ErrSessionClosed is returned by Session.Send when the session can no longer accept events.
var ErrSessionClosed = errors.New("session closed")

// Session is a live push connection owned by one account.
type Session interface {
	ID() string
	AccountID() uuid.UUID
	// Send enqueues an event without blocking.
	Send(event models.Event) error
}

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]map[string]Session
}

// Registry maps account IDs to their live sessions. An account may hold several sessions.
type Registry struct {
	shards [shardCount]*shard
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{accounts: make(map[uuid.UUID]map[string]Session)}
	}
	return r
}

func (r *Registry) shardFor(accountID uuid.UUID) *shard {
	h := fnv.New32a()
	h.Write(accountID[:])
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a session. first is true when the account had no live session before.
func (r *Registry) Register(s Session) (first bool) {
	sh := r.shardFor(s.AccountID())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sessions, ok := sh.accounts[s.AccountID()]
	if !ok {
		sessions = make(map[string]Session)
		sh.accounts[s.AccountID()] = sessions
	}
	if _, dup := sessions[s.ID()]; !dup {
		metrics.ActiveSessions.Inc()
	}
	sessions[s.ID()] = s
	return !ok
}

// Unregister removes a session. last is true when it was the account's final session.
// Removing an unknown session is a no-op that reports false.
func (r *Registry) Unregister(s Session) (last bool) {
	sh := r.shardFor(s.AccountID())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sessions, ok := sh.accounts[s.AccountID()]
	if !ok {
		return false
	}
	if _, ok := sessions[s.ID()]; !ok {
		return false
	}
	delete(sessions, s.ID())
	metrics.ActiveSessions.Dec()

	if len(sessions) == 0 {
		delete(sh.accounts, s.AccountID())
		return true
	}
	return false
}

// Lookup returns a snapshot of the account's sessions.
func (r *Registry) Lookup(accountID uuid.UUID) []Session {
	sh := r.shardFor(accountID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sessions := sh.accounts[accountID]
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the account has at least one live session.
func (r *Registry) IsOnline(accountID uuid.UUID) bool {
	sh := r.shardFor(accountID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.accounts[accountID]) > 0
}

// HasSession reports whether sessionID is a live session of accountID.
func (r *Registry) HasSession(accountID uuid.UUID, sessionID string) bool {
	sh := r.shardFor(accountID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.accounts[accountID][sessionID]
	return ok
}

// Snapshot returns every live session.
func (r *Registry) Snapshot() []Session {
	var out []Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, sessions := range sh.accounts {
			for _, s := range sessions {
				out = append(out, s)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Stats returns the number of online accounts and live sessions.
func (r *Registry) Stats() (accounts, sessions int) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		accounts += len(sh.accounts)
		for _, s := range sh.accounts {
			sessions += len(s)
		}
		sh.mu.RUnlock()
	}
	return accounts, sessions
}

// SendTo pushes an event to every session of the account and returns how many accepted it.
func (r *Registry) SendTo(accountID uuid.UUID, event models.Event) int {
	return sendAll(r.Lookup(accountID), event)
}

// SendToOthers pushes an event to every session not owned by accountID.
func (r *Registry) SendToOthers(accountID uuid.UUID, event models.Event) int {
	var targets []Session
	for _, s := range r.Snapshot() {
		if s.AccountID() != accountID {
			targets = append(targets, s)
		}
	}
	return sendAll(targets, event)
}

func sendAll(sessions []Session, event models.Event) int {
	accepted := 0
	for _, s := range sessions {
		if err := s.Send(event); err != nil {
			metrics.DroppedEvents.WithLabelValues(event.Name).Inc()
			continue
		}
		accepted++
	}
	return accepted
}
