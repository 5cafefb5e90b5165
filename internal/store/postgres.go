package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/chatd/internal/crypto"
	"github.com/eldtechnologies/chatd/internal/metrics"
	"github.com/eldtechnologies/chatd/internal/models"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id UUID PRIMARY KEY,
	display_name TEXT NOT NULL,
	avatar_url TEXT NOT NULL DEFAULT '',
	online_status TEXT NOT NULL DEFAULT 'offline',
	last_seen TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	sender_id UUID NOT NULL REFERENCES accounts(id),
	receiver_id UUID NOT NULL REFERENCES accounts(id),
	message_type TEXT NOT NULL,
	content TEXT,
	file_url TEXT,
	file_name TEXT,
	file_size BIGINT,
	status TEXT NOT NULL DEFAULT 'sent',
	delivered_at TIMESTAMPTZ,
	read_at TIMESTAMPTZ,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id UUID PRIMARY KEY,
	participant_a UUID NOT NULL REFERENCES accounts(id),
	participant_b UUID NOT NULL REFERENCES accounts(id),
	unread_a INTEGER NOT NULL DEFAULT 0 CHECK (unread_a >= 0),
	unread_b INTEGER NOT NULL DEFAULT 0 CHECK (unread_b >= 0),
	last_message_id TEXT,
	last_message_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (participant_a, participant_b)
);

CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);
CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a);
CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b);
CREATE INDEX IF NOT EXISTS idx_accounts_display_name ON accounts(lower(display_name));
`

const (
	pgAccountColumns      = `id, display_name, avatar_url, online_status, last_seen, created_at`
	pgMessageColumns      = `id, sender_id, receiver_id, message_type, content, file_url, file_name, file_size, status, delivered_at, read_at, deleted, deleted_at, created_at`
	pgConversationColumns = `id, participant_a, participant_b, unread_a, unread_b, last_message_id, last_message_at, created_at`
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPgAccount(row pgScanner) (*models.Account, error) {
	account := &models.Account{}
	var status string
	err := row.Scan(
		&account.ID,
		&account.DisplayName,
		&account.AvatarURL,
		&status,
		&account.LastSeen,
		&account.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	account.OnlineStatus = models.PresenceStatus(status)
	return account, nil
}

func scanPgMessage(row pgScanner) (*models.Message, error) {
	var rec messageRecord
	err := row.Scan(
		&rec.ID,
		&rec.SenderID,
		&rec.ReceiverID,
		&rec.Kind,
		&rec.Content,
		&rec.FileURL,
		&rec.FileName,
		&rec.FileSize,
		&rec.Status,
		&rec.DeliveredAt,
		&rec.ReadAt,
		&rec.Deleted,
		&rec.DeletedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec.toModel()
}

func scanPgConversation(row pgScanner) (*models.Conversation, error) {
	var rec conversationRecord
	err := row.Scan(
		&rec.ID,
		&rec.A,
		&rec.B,
		&rec.UnreadA,
		&rec.UnreadB,
		&rec.LastMessageID,
		&rec.LastMessageAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec.toModel(), nil
}

// CreateAccount creates a new account record.
func (s *PostgresStore) CreateAccount(ctx context.Context, displayName, avatarURL string) (*models.Account, error) {
	defer metrics.ObserveStore("postgres", "create_account", time.Now())

	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, display_name, avatar_url)
		VALUES ($1, $2, $3)
		RETURNING `+pgAccountColumns,
		crypto.NewUUIDv7(), displayName, avatarURL)
	return scanPgAccount(row)
}

// GetAccount retrieves an account by ID.
func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	defer metrics.ObserveStore("postgres", "get_account", time.Now())

	account, err := scanPgAccount(s.pool.QueryRow(ctx, `
		SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

// GetAccounts retrieves several accounts keyed by ID. Unknown IDs are absent from the map.
func (s *PostgresStore) GetAccounts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Account, error) {
	out := make(map[uuid.UUID]*models.Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgAccountColumns+` FROM accounts WHERE id = ANY($1::uuid[])
	`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		account, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		out[account.ID] = account
	}
	return out, rows.Err()
}

// SearchAccounts matches display names case-insensitively, excluding one account.
func (s *PostgresStore) SearchAccounts(ctx context.Context, query string, exclude uuid.UUID, limit int) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgAccountColumns+`
		FROM accounts
		WHERE id <> $1 AND display_name ILIKE '%' || $2 || '%' ESCAPE '\'
		ORDER BY lower(display_name), id
		LIMIT $3
	`, exclude, escapeLike(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		account, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// UpdatePresence stores the online status and optionally the last-seen time.
func (s *PostgresStore) UpdatePresence(ctx context.Context, id uuid.UUID, status models.PresenceStatus, lastSeen *time.Time) error {
	defer metrics.ObserveStore("postgres", "update_presence", time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET online_status = $2, last_seen = COALESCE($3, last_seen)
		WHERE id = $1
	`, id, string(status), lastSeen)
	return err
}

// CreateMessage appends a message to the ledger. A missing ID is filled with a ULID.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer metrics.ObserveStore("postgres", "create_message", time.Now())

	prepareMessage(msg)
	rec := recordFromMessage(msg)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (`+pgMessageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		rec.ID, rec.SenderID, rec.ReceiverID, rec.Kind,
		rec.Content, rec.FileURL, rec.FileName, rec.FileSize,
		rec.Status, rec.DeliveredAt, rec.ReadAt, rec.Deleted, rec.DeletedAt, rec.CreatedAt,
	)
	return err
}

// GetMessage retrieves a non-deleted message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `
		SELECT `+pgMessageColumns+` FROM messages WHERE id = $1 AND NOT deleted
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a page of the pair's messages, newest first.
func (s *PostgresStore) ListMessages(ctx context.Context, pair models.Pair, limit, offset int) ([]models.Message, error) {
	defer metrics.ObserveStore("postgres", "list_messages", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages
		WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
			AND NOT deleted
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, pair.A, pair.B, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// AdvanceMessage conditionally moves one message forward.
func (s *PostgresStore) AdvanceMessage(ctx context.Context, id string, target models.Status, at time.Time) (*models.Message, bool, error) {
	defer metrics.ObserveStore("postgres", "advance_message", time.Now())

	lower := target.Lower()
	if len(lower) == 0 {
		msg, err := s.GetMessage(ctx, id)
		return msg, false, err
	}

	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `
		UPDATE messages SET
			status = $2,
			delivered_at = COALESCE(delivered_at, $3),
			read_at = CASE WHEN $2 = 'read' THEN COALESCE(read_at, $3) ELSE read_at END
		WHERE id = $1 AND NOT deleted AND status = ANY($4)
		RETURNING `+pgMessageColumns,
		id, string(target), at, statusStrings(lower)))
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	// Nothing changed: either already at or past target, or no such message.
	msg, err = s.GetMessage(ctx, id)
	return msg, false, err
}

// AdvanceMessages conditionally moves every message from sender to receiver forward.
func (s *PostgresStore) AdvanceMessages(ctx context.Context, sender, receiver uuid.UUID, target models.Status, at time.Time) ([]models.Message, error) {
	defer metrics.ObserveStore("postgres", "advance_messages", time.Now())

	lower := target.Lower()
	if len(lower) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE messages SET
			status = $3,
			delivered_at = COALESCE(delivered_at, $4),
			read_at = CASE WHEN $3 = 'read' THEN COALESCE(read_at, $4) ELSE read_at END
		WHERE sender_id = $1 AND receiver_id = $2 AND NOT deleted AND status = ANY($5)
		RETURNING `+pgMessageColumns,
		sender, receiver, string(target), at, statusStrings(lower))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changed []models.Message
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		changed = append(changed, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortMessagesAsc(changed)
	return changed, nil
}

// MessagePairs returns every pair that has exchanged at least one message.
func (s *PostgresStore) MessagePairs(ctx context.Context) ([]models.Pair, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT sender_id, receiver_id FROM messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pairs := newPairSet()
	for rows.Next() {
		var sender, receiver uuid.UUID
		if err := rows.Scan(&sender, &receiver); err != nil {
			return nil, err
		}
		pairs.add(models.NewPair(sender, receiver))
	}
	return pairs.list(), rows.Err()
}

// UpsertConversationOnSend records a new message on the pair's conversation, creating it if needed.
// The receiver's counter is incremented inside the statement.
func (s *PostgresStore) UpsertConversationOnSend(ctx context.Context, pair models.Pair, receiver uuid.UUID, messageID string, at time.Time) (*models.Conversation, error) {
	defer metrics.ObserveStore("postgres", "upsert_conversation", time.Now())

	incA, incB := unreadIncrements(pair, receiver)
	return scanPgConversation(s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, unread_a, unread_b, last_message_id, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (participant_a, participant_b) DO UPDATE SET
			unread_a = conversations.unread_a + EXCLUDED.unread_a,
			unread_b = conversations.unread_b + EXCLUDED.unread_b,
			last_message_id = EXCLUDED.last_message_id,
			last_message_at = EXCLUDED.last_message_at
		RETURNING `+pgConversationColumns,
		crypto.NewUUIDv7(), pair.A, pair.B, incA, incB, messageID, at))
}

// EnsureConversation finds or creates the pair's conversation.
func (s *PostgresStore) EnsureConversation(ctx context.Context, pair models.Pair) (*models.Conversation, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_a, participant_b) DO NOTHING
	`, crypto.NewUUIDv7(), pair.A, pair.B)
	if err != nil {
		return nil, err
	}

	conv, err := s.GetConversationByPair(ctx, pair)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s/%s missing after insert", pair.A, pair.B)
	}
	return conv, nil
}

// GetConversationByPair retrieves the pair's conversation.
func (s *PostgresStore) GetConversationByPair(ctx context.Context, pair models.Pair) (*models.Conversation, error) {
	conv, err := scanPgConversation(s.pool.QueryRow(ctx, `
		SELECT `+pgConversationColumns+`
		FROM conversations WHERE participant_a = $1 AND participant_b = $2
	`, pair.A, pair.B))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

// ListConversations returns the account's conversations by recency.
func (s *PostgresStore) ListConversations(ctx context.Context, accountID uuid.UUID) ([]models.Conversation, error) {
	defer metrics.ObserveStore("postgres", "list_conversations", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgConversationColumns+`
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []models.Conversation{}
	for rows.Next() {
		conv, err := scanPgConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

// ResetUnread zeroes the owner's counter only.
func (s *PostgresStore) ResetUnread(ctx context.Context, conversationID, owner uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
			unread_a = CASE WHEN participant_a = $2 THEN 0 ELSE unread_a END,
			unread_b = CASE WHEN participant_b = $2 THEN 0 ELSE unread_b END
		WHERE id = $1
	`, conversationID, owner)
	return err
}

// RebuildConversation recomputes the last message and unread counters from the ledger.
func (s *PostgresStore) RebuildConversation(ctx context.Context, pair models.Pair) (*models.Conversation, error) {
	return scanPgConversation(s.pool.QueryRow(ctx, `
		WITH latest AS (
			SELECT id, created_at FROM messages
			WHERE ((sender_id = $2 AND receiver_id = $3) OR (sender_id = $3 AND receiver_id = $2))
				AND NOT deleted
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		)
		INSERT INTO conversations (id, participant_a, participant_b, unread_a, unread_b, last_message_id, last_message_at)
		SELECT $1, $2, $3,
			(SELECT COUNT(*) FROM messages WHERE sender_id = $3 AND receiver_id = $2 AND status <> 'read' AND NOT deleted),
			(SELECT COUNT(*) FROM messages WHERE sender_id = $2 AND receiver_id = $3 AND status <> 'read' AND NOT deleted),
			(SELECT id FROM latest),
			(SELECT created_at FROM latest)
		ON CONFLICT (participant_a, participant_b) DO UPDATE SET
			unread_a = EXCLUDED.unread_a,
			unread_b = EXCLUDED.unread_b,
			last_message_id = EXCLUDED.last_message_id,
			last_message_at = EXCLUDED.last_message_at
		RETURNING `+pgConversationColumns,
		crypto.NewUUIDv7(), pair.A, pair.B))
}
