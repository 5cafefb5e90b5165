package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/chatd/internal/crypto"
	"github.com/eldtechnologies/chatd/internal/metrics"
	"github.com/eldtechnologies/chatd/internal/models"
)

const (
	sqliteAccountColumns      = `id, display_name, avatar_url, online_status, last_seen, created_at`
	sqliteMessageColumns      = `id, sender_id, receiver_id, message_type, content, file_url, file_name, file_size, status, delivered_at, read_at, deleted, deleted_at, created_at`
	sqliteConversationColumns = `id, participant_a, participant_b, unread_a, unread_b, last_message_id, last_message_at, created_at`
)

// SQLiteStore handles SQLite database operations.
// Timestamps are stored as Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatd.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatd.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single writer connection serializes statements; each statement is atomic on its own.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		online_status TEXT NOT NULL DEFAULT 'offline',
		last_seen INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL REFERENCES accounts(id),
		receiver_id TEXT NOT NULL REFERENCES accounts(id),
		message_type TEXT NOT NULL,
		content TEXT,
		file_url TEXT,
		file_name TEXT,
		file_size INTEGER,
		status TEXT NOT NULL DEFAULT 'sent',
		delivered_at INTEGER,
		read_at INTEGER,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		participant_a TEXT NOT NULL REFERENCES accounts(id),
		participant_b TEXT NOT NULL REFERENCES accounts(id),
		unread_a INTEGER NOT NULL DEFAULT 0 CHECK (unread_a >= 0),
		unread_b INTEGER NOT NULL DEFAULT 0 CHECK (unread_b >= 0),
		last_message_id TEXT,
		last_message_at INTEGER,
		created_at INTEGER NOT NULL,
		UNIQUE (participant_a, participant_b)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a);
	CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row sqlScanner) (*models.Account, error) {
	account := &models.Account{}
	var (
		status    string
		lastSeen  sql.NullInt64
		createdAt int64
	)
	err := row.Scan(
		&account.ID,
		&account.DisplayName,
		&account.AvatarURL,
		&status,
		&lastSeen,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	account.OnlineStatus = models.PresenceStatus(status)
	account.LastSeen = fromMillis(lastSeen)
	account.CreatedAt = time.UnixMilli(createdAt).UTC()
	return account, nil
}

func scanSQLiteMessage(row sqlScanner) (*models.Message, error) {
	var (
		rec                            messageRecord
		deliveredAt, readAt, deletedAt sql.NullInt64
		createdAt                      int64
	)
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
		&deliveredAt,
		&readAt,
		&rec.Deleted,
		&deletedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	rec.DeliveredAt = fromMillis(deliveredAt)
	rec.ReadAt = fromMillis(readAt)
	rec.DeletedAt = fromMillis(deletedAt)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec.toModel()
}

func scanSQLiteConversation(row sqlScanner) (*models.Conversation, error) {
	var (
		rec           conversationRecord
		lastMessageAt sql.NullInt64
		createdAt     int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.A,
		&rec.B,
		&rec.UnreadA,
		&rec.UnreadB,
		&rec.LastMessageID,
		&lastMessageAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	rec.LastMessageAt = fromMillis(lastMessageAt)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec.toModel(), nil
}

// CreateAccount creates a new account record.
func (s *SQLiteStore) CreateAccount(ctx context.Context, displayName, avatarURL string) (*models.Account, error) {
	defer metrics.ObserveStore("sqlite", "create_account", time.Now())

	return scanSQLiteAccount(s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, display_name, avatar_url, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING `+sqliteAccountColumns,
		crypto.NewUUIDv7(), displayName, avatarURL, toMillis(time.Now())))
}

// GetAccount retrieves an account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	defer metrics.ObserveStore("sqlite", "get_account", time.Now())

	account, err := scanSQLiteAccount(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

// GetAccounts retrieves several accounts keyed by ID. Unknown IDs are absent from the map.
func (s *SQLiteStore) GetAccounts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Account, error) {
	out := make(map[uuid.UUID]*models.Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteAccountColumns+` FROM accounts WHERE id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		account, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, err
		}
		out[account.ID] = account
	}
	return out, rows.Err()
}

// SearchAccounts matches display names case-insensitively, excluding one account.
func (s *SQLiteStore) SearchAccounts(ctx context.Context, query string, exclude uuid.UUID, limit int) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteAccountColumns+`
		FROM accounts
		WHERE id <> ? AND display_name LIKE '%' || ? || '%' ESCAPE '\'
		ORDER BY lower(display_name), id
		LIMIT ?
	`, exclude, escapeLike(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		account, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// UpdatePresence stores the online status and optionally the last-seen time.
func (s *SQLiteStore) UpdatePresence(ctx context.Context, id uuid.UUID, status models.PresenceStatus, lastSeen *time.Time) error {
	defer metrics.ObserveStore("sqlite", "update_presence", time.Now())

	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET online_status = ?, last_seen = COALESCE(?, last_seen)
		WHERE id = ?
	`, string(status), millisOrNil(lastSeen), id)
	return err
}

// CreateMessage appends a message to the ledger. A missing ID is filled with a ULID.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer metrics.ObserveStore("sqlite", "create_message", time.Now())

	prepareMessage(msg)
	rec := recordFromMessage(msg)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+sqliteMessageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.SenderID, rec.ReceiverID, rec.Kind,
		rec.Content, rec.FileURL, rec.FileName, rec.FileSize,
		rec.Status, millisOrNil(rec.DeliveredAt), millisOrNil(rec.ReadAt),
		rec.Deleted, millisOrNil(rec.DeletedAt), toMillis(rec.CreatedAt),
	)
	return err
}

// GetMessage retrieves a non-deleted message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ? AND deleted = 0
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a page of the pair's messages, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, pair models.Pair, limit, offset int) ([]models.Message, error) {
	defer metrics.ObserveStore("sqlite", "list_messages", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages
		WHERE ((sender_id = ?1 AND receiver_id = ?2) OR (sender_id = ?2 AND receiver_id = ?1))
			AND deleted = 0
		ORDER BY created_at DESC, id DESC
		LIMIT ?3 OFFSET ?4
	`, pair.A, pair.B, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// advanceSet is the SET clause shared by the single and bulk transitions.
// ?1 is the target status and ?2 the transition time.
const sqliteAdvanceSet = `
	status = ?1,
	delivered_at = COALESCE(delivered_at, ?2),
	read_at = CASE WHEN ?1 = 'read' THEN COALESCE(read_at, ?2) ELSE read_at END`

// AdvanceMessage conditionally moves one message forward.
func (s *SQLiteStore) AdvanceMessage(ctx context.Context, id string, target models.Status, at time.Time) (*models.Message, bool, error) {
	defer metrics.ObserveStore("sqlite", "advance_message", time.Now())

	lower := target.Lower()
	if len(lower) == 0 {
		msg, err := s.GetMessage(ctx, id)
		return msg, false, err
	}

	args := []any{string(target), toMillis(at), id}
	for _, st := range lower {
		args = append(args, string(st))
	}

	msg, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, `
		UPDATE messages SET`+sqliteAdvanceSet+`
		WHERE id = ?3 AND deleted = 0 AND status IN (`+numberedPlaceholders(4, len(lower))+`)
		RETURNING `+sqliteMessageColumns,
		args...))
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	msg, err = s.GetMessage(ctx, id)
	return msg, false, err
}

// AdvanceMessages conditionally moves every message from sender to receiver forward.
func (s *SQLiteStore) AdvanceMessages(ctx context.Context, sender, receiver uuid.UUID, target models.Status, at time.Time) ([]models.Message, error) {
	defer metrics.ObserveStore("sqlite", "advance_messages", time.Now())

	lower := target.Lower()
	if len(lower) == 0 {
		return nil, nil
	}

	args := []any{string(target), toMillis(at), sender, receiver}
	for _, st := range lower {
		args = append(args, string(st))
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages SET`+sqliteAdvanceSet+`
		WHERE sender_id = ?3 AND receiver_id = ?4 AND deleted = 0
			AND status IN (`+numberedPlaceholders(5, len(lower))+`)
		RETURNING `+sqliteMessageColumns,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changed []models.Message
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
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

func numberedPlaceholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("?%d", start+i)
	}
	return strings.Join(parts, ",")
}

// MessagePairs returns every pair that has exchanged at least one message.
func (s *SQLiteStore) MessagePairs(ctx context.Context) ([]models.Pair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT sender_id, receiver_id FROM messages`)
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
func (s *SQLiteStore) UpsertConversationOnSend(ctx context.Context, pair models.Pair, receiver uuid.UUID, messageID string, at time.Time) (*models.Conversation, error) {
	defer metrics.ObserveStore("sqlite", "upsert_conversation", time.Now())

	incA, incB := unreadIncrements(pair, receiver)
	return scanSQLiteConversation(s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, unread_a, unread_b, last_message_id, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_a, participant_b) DO UPDATE SET
			unread_a = conversations.unread_a + excluded.unread_a,
			unread_b = conversations.unread_b + excluded.unread_b,
			last_message_id = excluded.last_message_id,
			last_message_at = excluded.last_message_at
		RETURNING `+sqliteConversationColumns,
		crypto.NewUUIDv7(), pair.A, pair.B, incA, incB, messageID, toMillis(at), toMillis(time.Now())))
}

// EnsureConversation finds or creates the pair's conversation.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, pair models.Pair) (*models.Conversation, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (participant_a, participant_b) DO NOTHING
	`, crypto.NewUUIDv7(), pair.A, pair.B, toMillis(time.Now()))
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
func (s *SQLiteStore) GetConversationByPair(ctx context.Context, pair models.Pair) (*models.Conversation, error) {
	conv, err := scanSQLiteConversation(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteConversationColumns+`
		FROM conversations WHERE participant_a = ? AND participant_b = ?
	`, pair.A, pair.B))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

// ListConversations returns the account's conversations by recency.
func (s *SQLiteStore) ListConversations(ctx context.Context, accountID uuid.UUID) ([]models.Conversation, error) {
	defer metrics.ObserveStore("sqlite", "list_conversations", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteConversationColumns+`
		FROM conversations
		WHERE participant_a = ?1 OR participant_b = ?1
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []models.Conversation{}
	for rows.Next() {
		conv, err := scanSQLiteConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

// ResetUnread zeroes the owner's counter only.
func (s *SQLiteStore) ResetUnread(ctx context.Context, conversationID, owner uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			unread_a = CASE WHEN participant_a = ?2 THEN 0 ELSE unread_a END,
			unread_b = CASE WHEN participant_b = ?2 THEN 0 ELSE unread_b END
		WHERE id = ?1
	`, conversationID, owner)
	return err
}

// RebuildConversation recomputes the last message and unread counters from the ledger.
func (s *SQLiteStore) RebuildConversation(ctx context.Context, pair models.Pair) (*models.Conversation, error) {
	return scanSQLiteConversation(s.db.QueryRowContext(ctx, `
		WITH latest AS (
			SELECT id, created_at FROM messages
			WHERE ((sender_id = ?2 AND receiver_id = ?3) OR (sender_id = ?3 AND receiver_id = ?2))
				AND deleted = 0
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		)
		INSERT INTO conversations (id, participant_a, participant_b, unread_a, unread_b, last_message_id, last_message_at, created_at)
		SELECT ?1, ?2, ?3,
			(SELECT COUNT(*) FROM messages WHERE sender_id = ?3 AND receiver_id = ?2 AND status <> 'read' AND deleted = 0),
			(SELECT COUNT(*) FROM messages WHERE sender_id = ?2 AND receiver_id = ?3 AND status <> 'read' AND deleted = 0),
			(SELECT id FROM latest),
			(SELECT created_at FROM latest),
			?4
		WHERE true
		ON CONFLICT (participant_a, participant_b) DO UPDATE SET
			unread_a = excluded.unread_a,
			unread_b = excluded.unread_b,
			last_message_id = excluded.last_message_id,
			last_message_at = excluded.last_message_at
		RETURNING `+sqliteConversationColumns,
		crypto.NewUUIDv7(), pair.A, pair.B, toMillis(time.Now())))
}
