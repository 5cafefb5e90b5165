// Package delivery drives messages through sent, delivered and read and notifies both parties.
package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatd/internal/metrics"
	"github.com/eldtechnologies/chatd/internal/models"
	"github.com/eldtechnologies/chatd/internal/registry"
)

// Transition triggers, used as metric labels.
const (
	TriggerRoute = "route"
	TriggerAck   = "ack"
	TriggerBulk  = "bulk"
)

// Store is the part of the message ledger the coordinator writes to.
type Store interface {
	AdvanceMessage(ctx context.Context, id string, target models.Status, at time.Time) (*models.Message, bool, error)
	AdvanceMessages(ctx context.Context, sender, receiver uuid.UUID, target models.Status, at time.Time) ([]models.Message, error)
}

// Coordinator applies status transitions and pushes the matching events.
type Coordinator struct {
	store    Store
	registry *registry.Registry
	logger   zerolog.Logger
	now      func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store Store, reg *registry.Registry, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: reg,
		logger:   logger.With().Str("component", "delivery").Logger(),
		now:      time.Now,
	}
}

// Route publishes a newly stored message: messageSent to the sender's sessions and
// messageReceived to the receiver's. If any receiver session accepts the push the
// message is promoted to delivered and the sender is told.
//
// A failed promotion is logged and the message is returned as sent. The next
// conversation fetch by the receiver promotes it.
func (c *Coordinator) Route(ctx context.Context, msg *models.Message) *models.Message {
	c.registry.SendTo(msg.SenderID, models.Event{
		Name: models.EventMessageSent,
		Data: models.MessagePayload{Message: msg},
	})

	accepted := c.registry.SendTo(msg.ReceiverID, models.Event{
		Name: models.EventMessageReceived,
		Data: models.MessagePayload{Message: msg},
	})
	if accepted == 0 {
		return msg
	}

	updated, changed, err := c.store.AdvanceMessage(ctx, msg.ID, models.StatusDelivered, c.now())
	if err != nil {
		c.logger.Error().Err(err).Str("message_id", msg.ID).Msg("auto-promotion to delivered failed")
		return msg
	}
	if updated == nil {
		return msg
	}
	if changed {
		c.record(updated, TriggerRoute)
	}
	return updated
}

// Advance moves one message towards target. The sender is notified only when state changed.
func (c *Coordinator) Advance(ctx context.Context, messageID string, target models.Status) (*models.Message, bool, error) {
	msg, changed, err := c.store.AdvanceMessage(ctx, messageID, target, c.now())
	if err != nil {
		return nil, false, err
	}
	if changed {
		c.record(msg, TriggerAck)
	}
	return msg, changed, nil
}

// PromoteFrom moves every message from sender to receiver below target up to target and
// notifies the sender once per changed message.
func (c *Coordinator) PromoteFrom(ctx context.Context, receiver, sender uuid.UUID, target models.Status) ([]models.Message, error) {
	changed, err := c.store.AdvanceMessages(ctx, sender, receiver, target, c.now())
	if err != nil {
		return nil, err
	}
	for i := range changed {
		c.record(&changed[i], TriggerBulk)
	}
	if len(changed) > 0 {
		c.logger.Debug().
			Str("sender", sender.String()).
			Str("receiver", receiver.String()).
			Str("target", string(target)).
			Int("count", len(changed)).
			Msg("bulk status transition")
	}
	return changed, nil
}

// record counts a transition and tells the sender about it.
func (c *Coordinator) record(msg *models.Message, trigger string) {
	metrics.StatusTransitions.WithLabelValues(string(msg.Status), trigger).Inc()

	var ev models.Event
	switch msg.Status {
	case models.StatusDelivered:
		ev = models.Event{
			Name: models.EventMessageDelivered,
			Data: models.DeliveredPayload{MessageID: msg.ID, DeliveredAt: *msg.DeliveredAt},
		}
	case models.StatusRead:
		ev = models.Event{
			Name: models.EventMessageRead,
			Data: models.ReadPayload{MessageID: msg.ID, ReadAt: *msg.ReadAt},
		}
	default:
		return
	}
	c.registry.SendTo(msg.SenderID, ev)
}
