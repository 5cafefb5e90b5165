package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatd/internal/crypto"
	"github.com/eldtechnologies/chatd/internal/models"
)

// DataStore defines the interface for persistent storage of accounts, messages and conversations.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Account operations
	CreateAccount(ctx context.Context, displayName, avatarURL string) (*models.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetAccounts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Account, error)
	SearchAccounts(ctx context.Context, query string, exclude uuid.UUID, limit int) ([]models.Account, error)
	// UpdatePresence stores the status. A nil lastSeen keeps the stored value.
	UpdatePresence(ctx context.Context, id uuid.UUID, status models.PresenceStatus, lastSeen *time.Time) error

	// Message ledger operations
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages returns non-deleted messages of the pair, newest first.
	ListMessages(ctx context.Context, pair models.Pair, limit, offset int) ([]models.Message, error)
	// AdvanceMessage moves a message to target if its status is lower. changed is false
	// when the status was already at or past target; msg is nil if the message does not exist.
	AdvanceMessage(ctx context.Context, id string, target models.Status, at time.Time) (msg *models.Message, changed bool, err error)
	// AdvanceMessages moves every non-deleted message from sender to receiver with a lower
	// status to target and returns the messages that changed.
	AdvanceMessages(ctx context.Context, sender, receiver uuid.UUID, target models.Status, at time.Time) ([]models.Message, error)
	MessagePairs(ctx context.Context) ([]models.Pair, error)

	// Conversation operations
	UpsertConversationOnSend(ctx context.Context, pair models.Pair, receiver uuid.UUID, messageID string, at time.Time) (*models.Conversation, error)
	EnsureConversation(ctx context.Context, pair models.Pair) (*models.Conversation, error)
	GetConversationByPair(ctx context.Context, pair models.Pair) (*models.Conversation, error)
	// ListConversations returns the account's conversations, most recent activity first.
	ListConversations(ctx context.Context, accountID uuid.UUID) ([]models.Conversation, error)
	ResetUnread(ctx context.Context, conversationID, owner uuid.UUID) error
	RebuildConversation(ctx context.Context, pair models.Pair) (*models.Conversation, error)
}

// messageRecord is the flat column layout of the messages table.
type messageRecord struct {
	ID          string
	SenderID    uuid.UUID
	ReceiverID  uuid.UUID
	Kind        string
	Content     *string
	FileURL     *string
	FileName    *string
	FileSize    *int64
	Status      string
	DeliveredAt *time.Time
	ReadAt      *time.Time
	Deleted     bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

func recordFromMessage(m *models.Message) messageRecord {
	rec := messageRecord{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Kind:        string(m.Payload.Kind()),
		Status:      string(m.Status),
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
		Deleted:     m.Deleted,
		DeletedAt:   m.DeletedAt,
		CreatedAt:   m.CreatedAt,
	}
	switch p := m.Payload.(type) {
	case models.Text:
		rec.Content = &p.Content
	case models.File:
		rec.FileURL = &p.URL
		rec.FileName = &p.Name
		rec.FileSize = &p.Size
	}
	return rec
}

func (r messageRecord) toModel() (*models.Message, error) {
	msg := &models.Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		ReceiverID:  r.ReceiverID,
		Status:      models.Status(r.Status),
		DeliveredAt: r.DeliveredAt,
		ReadAt:      r.ReadAt,
		Deleted:     r.Deleted,
		DeletedAt:   r.DeletedAt,
		CreatedAt:   r.CreatedAt,
	}

	kind := models.Kind(r.Kind)
	if kind == models.KindText {
		msg.Payload = models.Text{Content: deref(r.Content)}
	} else {
		if !kind.Valid() {
			return nil, fmt.Errorf("message %s: stored kind %q", r.ID, r.Kind)
		}
		var size int64
		if r.FileSize != nil {
			size = *r.FileSize
		}
		msg.Payload = models.File{FileKind: kind, URL: deref(r.FileURL), Name: deref(r.FileName), Size: size}
	}
	return msg, nil
}

// conversationRecord is the flat column layout of the conversations table.
type conversationRecord struct {
	ID            uuid.UUID
	A             uuid.UUID
	B             uuid.UUID
	UnreadA       int
	UnreadB       int
	LastMessageID *string
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

func (r conversationRecord) toModel() *models.Conversation {
	return &models.Conversation{
		ID:            r.ID,
		Participants:  models.Pair{A: r.A, B: r.B},
		LastMessageID: deref(r.LastMessageID),
		LastMessageAt: r.LastMessageAt,
		Unread:        map[uuid.UUID]int{r.A: r.UnreadA, r.B: r.UnreadB},
		CreatedAt:     r.CreatedAt,
	}
}

// unreadIncrements returns the (a, b) counter increments for a message to receiver.
func unreadIncrements(pair models.Pair, receiver uuid.UUID) (int, int) {
	if receiver == pair.A {
		return 1, 0
	}
	return 0, 1
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// prepareMessage fills the ID, creation time and initial status of a new message.
// Times are kept at millisecond precision so both drivers round-trip them identically.
func prepareMessage(msg *models.Message) {
	if msg.ID == "" {
		msg.ID = crypto.NewULID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Millisecond)
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}
}

func sortMessagesAsc(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

// pairSet deduplicates directed sender/receiver rows into canonical pairs.
type pairSet struct {
	seen  map[models.Pair]bool
	pairs []models.Pair
}

func newPairSet() *pairSet {
	return &pairSet{seen: make(map[models.Pair]bool)}
}

func (p *pairSet) add(pair models.Pair) {
	if p.seen[pair] {
		return
	}
	p.seen[pair] = true
	p.pairs = append(p.pairs, pair)
}

func (p *pairSet) list() []models.Pair {
	return p.pairs
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike escapes LIKE wildcards; queries use ESCAPE '\'.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
