// Package presence persists account presence and fans changes out to connected sessions.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatd/internal/metrics"
	"github.com/eldtechnologies/chatd/internal/models"
	"github.com/eldtechnologies/chatd/internal/registry"
)

// Store persists presence.
type Store interface {
	UpdatePresence(ctx context.Context, id uuid.UUID, status models.PresenceStatus, lastSeen *time.Time) error
}

// Broadcaster serializes presence changes per account and broadcasts them.
type Broadcaster struct {
	store    Store
	registry *registry.Registry
	logger   zerolog.Logger
	locks    *keyedMutex
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(store Store, reg *registry.Registry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		store:    store,
		registry: reg,
		logger:   logger.With().Str("component", "presence").Logger(),
		locks:    newKeyedMutex(),
	}
}

// WentOnline records that the account gained its first session.
// It does nothing if the account has no session by the time the lock is held.
func (b *Broadcaster) WentOnline(ctx context.Context, accountID uuid.UUID) error {
	unlock := b.locks.Lock(accountID)
	defer unlock()

	if !b.registry.IsOnline(accountID) {
		return nil
	}
	if err := b.store.UpdatePresence(ctx, accountID, models.PresenceOnline, nil); err != nil {
		return err
	}

	b.broadcast(models.EventUserOnline, models.PresencePayload{
		UserID:       accountID,
		OnlineStatus: models.PresenceOnline,
	})
	return nil
}

// WentOffline records that the account lost its last session at the given time.
// It does nothing if the account reconnected before the lock was acquired.
func (b *Broadcaster) WentOffline(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	unlock := b.locks.Lock(accountID)
	defer unlock()

	if b.registry.IsOnline(accountID) {
		return nil
	}
	at = at.UTC().Truncate(time.Millisecond)
	if err := b.store.UpdatePresence(ctx, accountID, models.PresenceOffline, &at); err != nil {
		return err
	}

	b.broadcast(models.EventUserOffline, models.PresencePayload{
		UserID:       accountID,
		OnlineStatus: models.PresenceOffline,
		LastSeen:     &at,
	})
	return nil
}

// UpdateStatus applies an explicit status chosen from one of the account's sessions.
// applied is false when sessionID is not a live session of the account.
func (b *Broadcaster) UpdateStatus(ctx context.Context, accountID uuid.UUID, sessionID string, status models.PresenceStatus) (applied bool, err error) {
	unlock := b.locks.Lock(accountID)
	defer unlock()

	if !b.registry.HasSession(accountID, sessionID) {
		return false, nil
	}

	var lastSeen *time.Time
	if status == models.PresenceOffline {
		now := time.Now().UTC().Truncate(time.Millisecond)
		lastSeen = &now
	}
	if err := b.store.UpdatePresence(ctx, accountID, status, lastSeen); err != nil {
		return true, err
	}

	b.broadcast(models.EventUserStatusChanged, models.PresencePayload{
		UserID:       accountID,
		OnlineStatus: status,
		LastSeen:     lastSeen,
	})
	return true, nil
}

func (b *Broadcaster) broadcast(name string, payload models.PresencePayload) {
	n := b.registry.SendToOthers(payload.UserID, models.Event{Name: name, Data: payload})
	metrics.PresenceEvents.WithLabelValues(name).Inc()
	b.logger.Debug().
		Str("event", name).
		Str("account", payload.UserID.String()).
		Int("recipients", n).
		Msg("presence broadcast")
}
