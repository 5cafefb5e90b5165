package models

import (
	"time"

	"github.com/google/uuid"
)

// Client to server push events.
const (
	EventSendMessage  = "sendMessage"
	EventTyping       = "typing"
	EventUpdateStatus = "updateStatus"
)

// Server to client push events. messageDelivered and messageRead flow in both directions.
const (
	EventMessageSent       = "messageSent"
	EventMessageReceived   = "messageReceived"
	EventMessageDelivered  = "messageDelivered"
	EventMessageRead       = "messageRead"
	EventUserTyping        = "userTyping"
	EventUserStatusChanged = "userStatusChanged"
	EventUserOnline        = "userOnline"
	EventUserOffline       = "userOffline"
	EventError             = "error"
)

// Event is the envelope written to push sessions.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// MessagePayload carries a full message (messageSent, messageReceived).
type MessagePayload struct {
	Message *Message `json:"message"`
}

// DeliveredPayload notifies a sender that a message reached the receiver.
type DeliveredPayload struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// ReadPayload notifies a sender that a message was read.
type ReadPayload struct {
	MessageID string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

// TypingPayload is relayed to the receiver of a typing indicator.
type TypingPayload struct {
	UserID   uuid.UUID `json:"userId"`
	IsTyping bool      `json:"isTyping"`
}

// PresencePayload is used for userOnline, userOffline and userStatusChanged.
type PresencePayload struct {
	UserID       uuid.UUID      `json:"userId"`
	OnlineStatus PresenceStatus `json:"onlineStatus"`
	LastSeen     *time.Time     `json:"lastSeen"`
}

// ErrorPayload reports a failed client event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
