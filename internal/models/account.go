package models

import (
	"time"

	"github.com/google/uuid"
)

// PresenceStatus is an account's reachability classification.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
)

// Valid reports whether s is one of the known presence values.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceOffline, PresenceAway:
		return true
	}
	return false
}

// Account is the projection of a user account consumed by the messaging core.
type Account struct {
	ID           uuid.UUID      `json:"id"`
	DisplayName  string         `json:"displayName"`
	AvatarURL    string         `json:"avatar,omitempty"`
	OnlineStatus PresenceStatus `json:"onlineStatus"`
	LastSeen     *time.Time     `json:"lastSeen"`
	CreatedAt    time.Time      `json:"createdAt"`
}
