// Package chat is the single entry point for messaging operations, shared by the HTTP API
// and the push transport.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatd/internal/delivery"
	"github.com/eldtechnologies/chatd/internal/metrics"
	"github.com/eldtechnologies/chatd/internal/models"
	"github.com/eldtechnologies/chatd/internal/presence"
	"github.com/eldtechnologies/chatd/internal/registry"
	"github.com/eldtechnologies/chatd/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	MaxSearchResult = 50

	typingWindow = 2 * time.Second
)

// Message sources, used as metric labels.
const (
	SourceHTTP = "http"
	SourcePush = "ws"
)

// TypingLimiter throttles typing indicators per directed pair.
type TypingLimiter interface {
	AllowTyping(ctx context.Context, sender, receiver uuid.UUID, window time.Duration) (bool, error)
	ClearTyping(ctx context.Context, sender, receiver uuid.UUID) error
}

// Service implements the messaging operations.
type Service struct {
	store       store.DataStore
	registry    *registry.Registry
	coordinator *delivery.Coordinator
	presence    *presence.Broadcaster
	typing      TypingLimiter
	logger      zerolog.Logger
}

// Options configures a Service.
type Options struct {
	Store    store.DataStore
	Registry *registry.Registry
	// Typing is optional; without it every typing indicator is relayed.
	Typing TypingLimiter
	Logger zerolog.Logger
}

// NewService wires the coordinator and presence broadcaster around the store and registry.
func NewService(opts Options) *Service {
	return &Service{
		store:       opts.Store,
		registry:    opts.Registry,
		coordinator: delivery.NewCoordinator(opts.Store, opts.Registry, opts.Logger),
		presence:    presence.NewBroadcaster(opts.Store, opts.Registry, opts.Logger),
		typing:      opts.Typing,
		logger:      opts.Logger.With().Str("component", "chat").Logger(),
	}
}

// Registry returns the connection registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// FileRef describes an uploaded file by reference.
type FileRef struct {
	URL      string
	Name     string
	Size     int64
	MimeType string
}

// SendRequest is a new message from the caller.
type SendRequest struct {
	ReceiverID uuid.UUID
	// Kind is optional for files; it is derived from MimeType when empty.
	Kind    models.Kind
	Content string
	File    *FileRef
	// Source labels the ingestion path for metrics.
	Source string
}

func (r SendRequest) payload() (models.Payload, error) {
	if r.File == nil {
		if r.Kind != "" && r.Kind != models.KindText {
			return nil, models.ErrInvalidFileRef
		}
		return models.NewTextPayload(r.Content)
	}

	if r.Content != "" {
		return nil, models.ErrTextFileMismatch
	}
	kind := r.Kind
	if kind == "" {
		kind = models.KindFromMIME(r.File.MimeType)
	}
	return models.NewFilePayload(kind, r.File.URL, r.File.Name, r.File.Size)
}

// Send validates, stores and routes a new message. HTTP and push ingestion both end here.
func (s *Service) Send(ctx context.Context, senderID uuid.UUID, req SendRequest) (*models.Message, error) {
	if req.ReceiverID == uuid.Nil {
		return nil, fmt.Errorf("%w: receiverId is required", ErrInvalidPayload)
	}
	if req.ReceiverID == senderID {
		return nil, fmt.Errorf("%w: cannot message yourself", ErrInvalidPayload)
	}
	payload, err := req.payload()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	receiver, err := s.store.GetAccount(ctx, req.ReceiverID)
	if err != nil {
		return nil, storageError("get receiver", err)
	}
	if receiver == nil {
		return nil, fmt.Errorf("%w: receiver %s", ErrNotFound, req.ReceiverID)
	}

	msg := &models.Message{
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Payload:    payload,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, storageError("create message", err)
	}

	if _, err := s.store.UpsertConversationOnSend(ctx, msg.Pair(), msg.ReceiverID, msg.ID, msg.CreatedAt); err != nil {
		s.logger.Error().
			Err(err).
			Str("message_id", msg.ID).
			Str("sender", senderID.String()).
			Str("receiver", req.ReceiverID.String()).
			Msg("message stored but conversation update failed; run repair")
		return nil, storageError("update conversation", err)
	}

	source := req.Source
	if source == "" {
		source = SourceHTTP
	}
	metrics.MessagesSent.WithLabelValues(source, string(payload.Kind())).Inc()

	return s.coordinator.Route(ctx, msg), nil
}

// ConversationView is a conversation projected for one participant.
type ConversationView struct {
	ID          uuid.UUID       `json:"id"`
	Peer        *models.Account `json:"participant"`
	LastMessage *models.Message `json:"lastMessage"`
	UnreadCount int             `json:"unreadCount"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ListConversations returns the caller's conversations by recency.
func (s *Service) ListConversations(ctx context.Context, accountID uuid.UUID) ([]ConversationView, error) {
	convs, err := s.store.ListConversations(ctx, accountID)
	if err != nil {
		return nil, storageError("list conversations", err)
	}

	peerIDs := make([]uuid.UUID, 0, len(convs))
	for _, c := range convs {
		peerIDs = append(peerIDs, c.Participants.Other(accountID))
	}
	peers, err := s.store.GetAccounts(ctx, peerIDs)
	if err != nil {
		return nil, storageError("load participants", err)
	}

	views := make([]ConversationView, 0, len(convs))
	for i := range convs {
		c := &convs[i]
		view := ConversationView{
			ID:          c.ID,
			Peer:        peers[c.Participants.Other(accountID)],
			UnreadCount: c.UnreadFor(accountID),
			UpdatedAt:   c.CreatedAt,
		}
		if c.LastMessageAt != nil {
			view.UpdatedAt = *c.LastMessageAt
		}
		if c.LastMessageID != "" {
			last, err := s.store.GetMessage(ctx, c.LastMessageID)
			if err != nil {
				return nil, storageError("load last message", err)
			}
			view.LastMessage = last
		}
		views = append(views, view)
	}
	return views, nil
}

// MessagePage is one page of a conversation, oldest first.
type MessagePage struct {
	ConversationID uuid.UUID        `json:"conversationId"`
	Messages       []models.Message `json:"messages"`
	Page           int              `json:"page"`
	Limit          int              `json:"limit"`
}

// ListMessages returns a page of the conversation with peer, creating the conversation if
// needed. Messages from peer still marked sent are promoted to delivered first.
// Page is 1-based; page 1 holds the newest messages.
func (s *Service) ListMessages(ctx context.Context, viewer, peer uuid.UUID, page, limit int) (*MessagePage, error) {
	if peer == viewer {
		return nil, fmt.Errorf("%w: cannot open a conversation with yourself", ErrInvalidPayload)
	}
	if err := s.requireAccount(ctx, peer); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	pair := models.NewPair(viewer, peer)
	conv, err := s.store.EnsureConversation(ctx, pair)
	if err != nil {
		return nil, storageError("ensure conversation", err)
	}

	if _, err := s.coordinator.PromoteFrom(ctx, viewer, peer, models.StatusDelivered); err != nil {
		return nil, storageError("promote delivered", err)
	}

	messages, err := s.store.ListMessages(ctx, pair, limit, (page-1)*limit)
	if err != nil {
		return nil, storageError("list messages", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return &MessagePage{ConversationID: conv.ID, Messages: messages, Page: page, Limit: limit}, nil
}

// MarkRead marks every message from peer to viewer as read and resets the viewer's unread
// counter. It returns the number of messages that changed.
func (s *Service) MarkRead(ctx context.Context, viewer, peer uuid.UUID) (int, error) {
	if peer == viewer {
		return 0, fmt.Errorf("%w: cannot mark your own messages", ErrInvalidPayload)
	}
	if err := s.requireAccount(ctx, peer); err != nil {
		return 0, err
	}

	changed, err := s.coordinator.PromoteFrom(ctx, viewer, peer, models.StatusRead)
	if err != nil {
		return 0, storageError("promote read", err)
	}

	conv, err := s.store.GetConversationByPair(ctx, models.NewPair(viewer, peer))
	if err != nil {
		return len(changed), storageError("load conversation", err)
	}
	if conv != nil {
		if err := s.store.ResetUnread(ctx, conv.ID, viewer); err != nil {
			return len(changed), storageError("reset unread", err)
		}
	}
	return len(changed), nil
}

// AcknowledgeDelivered applies a delivered receipt from the receiver.
func (s *Service) AcknowledgeDelivered(ctx context.Context, actor uuid.UUID, messageID string) (*models.Message, error) {
	return s.acknowledge(ctx, actor, messageID, models.StatusDelivered)
}

// AcknowledgeRead applies a read receipt from the receiver.
func (s *Service) AcknowledgeRead(ctx context.Context, actor uuid.UUID, messageID string) (*models.Message, error) {
	return s.acknowledge(ctx, actor, messageID, models.StatusRead)
}

func (s *Service) acknowledge(ctx context.Context, actor uuid.UUID, messageID string, target models.Status) (*models.Message, error) {
	if messageID == "" {
		return nil, fmt.Errorf("%w: messageId is required", ErrInvalidPayload)
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storageError("get message", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if msg.ReceiverID != actor {
		return nil, fmt.Errorf("%w: only the receiver can acknowledge a message", ErrUnauthorized)
	}

	updated, _, err := s.coordinator.Advance(ctx, msg.ID, target)
	if err != nil {
		return nil, storageError("advance message", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	return updated, nil
}

// Typing relays a typing indicator to the receiver's sessions. Nothing is stored.
func (s *Service) Typing(ctx context.Context, sender, receiver uuid.UUID, isTyping bool) error {
	if receiver == uuid.Nil || receiver == sender {
		return fmt.Errorf("%w: invalid receiverId", ErrInvalidPayload)
	}

	if s.typing != nil {
		if isTyping {
			ok, err := s.typing.AllowTyping(ctx, sender, receiver, typingWindow)
			if err != nil {
				s.logger.Warn().Err(err).Msg("typing throttle unavailable")
			} else if !ok {
				metrics.TypingThrottled.Inc()
				return nil
			}
		} else if err := s.typing.ClearTyping(ctx, sender, receiver); err != nil {
			s.logger.Warn().Err(err).Msg("typing throttle unavailable")
		}
	}

	s.registry.SendTo(receiver, models.Event{
		Name: models.EventUserTyping,
		Data: models.TypingPayload{UserID: sender, IsTyping: isTyping},
	})
	return nil
}

// UpdateStatus applies an explicit presence status from one of the account's live sessions.
func (s *Service) UpdateStatus(ctx context.Context, accountID uuid.UUID, sessionID string, status models.PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status must be online, away or offline", ErrInvalidPayload)
	}
	applied, err := s.presence.UpdateStatus(ctx, accountID, sessionID, status)
	if err != nil {
		return storageError("update presence", err)
	}
	if !applied {
		return fmt.Errorf("%w: status can only be set from a live session", ErrUnauthorized)
	}
	return nil
}

// Connect registers a session and announces the account if it just came online.
func (s *Service) Connect(ctx context.Context, session registry.Session) {
	if !s.registry.Register(session) {
		return
	}
	if err := s.presence.WentOnline(ctx, session.AccountID()); err != nil {
		s.logger.Error().Err(err).Str("account", session.AccountID().String()).Msg("failed to record online presence")
	}
}

// Disconnect removes a session and announces the account if it was the last one.
// Calling it twice for the same session is harmless.
func (s *Service) Disconnect(ctx context.Context, session registry.Session) {
	if !s.registry.Unregister(session) {
		return
	}
	if err := s.presence.WentOffline(ctx, session.AccountID(), time.Now()); err != nil {
		s.logger.Error().Err(err).Str("account", session.AccountID().String()).Msg("failed to record offline presence")
	}
}

// Repair recomputes every conversation from the message ledger and returns how many were rebuilt.
func (s *Service) Repair(ctx context.Context) (int, error) {
	pairs, err := s.store.MessagePairs(ctx)
	if err != nil {
		return 0, storageError("list pairs", err)
	}

	var errs []error
	rebuilt := 0
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return rebuilt, err
		}
		if _, err := s.store.RebuildConversation(ctx, pair); err != nil {
			s.logger.Error().Err(err).Str("a", pair.A.String()).Str("b", pair.B.String()).Msg("rebuild failed")
			errs = append(errs, err)
			continue
		}
		rebuilt++
	}
	if len(errs) > 0 {
		return rebuilt, storageError("rebuild conversations", errors.Join(errs...))
	}
	return rebuilt, nil
}

// SearchAccounts lists accounts whose display name contains query, excluding the caller.
func (s *Service) SearchAccounts(ctx context.Context, viewer uuid.UUID, query string, limit int) ([]models.Account, error) {
	if limit <= 0 || limit > MaxSearchResult {
		limit = MaxSearchResult
	}
	accounts, err := s.store.SearchAccounts(ctx, query, viewer, limit)
	if err != nil {
		return nil, storageError("search accounts", err)
	}
	return accounts, nil
}

// Profile returns the public projection of an account.
func (s *Service) Profile(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, storageError("get account", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return account, nil
}

func (s *Service) requireAccount(ctx context.Context, id uuid.UUID) error {
	_, err := s.Profile(ctx, id)
	return err
}
