package models

import (
	"time"

	"github.com/google/uuid"
)

// Pair is an unordered pair of account IDs stored in canonical order (A < B).
type Pair struct {
	A uuid.UUID
	B uuid.UUID
}

// NewPair builds the canonical pair for x and y.
func NewPair(x, y uuid.UUID) Pair {
	if x.String() > y.String() {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

// Contains reports whether id is one of the two participants.
func (p Pair) Contains(id uuid.UUID) bool {
	return p.A == id || p.B == id
}

// Other returns the participant that is not id.
func (p Pair) Other(id uuid.UUID) uuid.UUID {
	if p.A == id {
		return p.B
	}
	return p.A
}

// Conversation aggregates a direct-message thread between two accounts.
type Conversation struct {
	ID            uuid.UUID
	Participants  Pair
	LastMessageID string
	LastMessageAt *time.Time
	Unread        map[uuid.UUID]int
	CreatedAt     time.Time
}

// UnreadFor returns the unread count for a participant (0 for outsiders).
func (c *Conversation) UnreadFor(id uuid.UUID) int {
	if c.Unread == nil {
		return 0
	}
	return c.Unread[id]
}
