package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatd/internal/models"
)

func newTestSQLite(t *testing.T) DataStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chatd.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newTestPostgres(t *testing.T) DataStore {
	t.Helper()
	url := os.Getenv("CHATD_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHATD_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `TRUNCATE conversations, messages, accounts`)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSQLiteStore(t *testing.T) {
	runDataStoreTests(t, newTestSQLite)
}

func TestPostgresStore(t *testing.T) {
	runDataStoreTests(t, newTestPostgres)
}

func runDataStoreTests(t *testing.T, open func(t *testing.T) DataStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s DataStore)
	}{
		{"Accounts", testAccounts},
		{"MessageRoundTrip", testMessageRoundTrip},
		{"AdvanceIsMonotonic", testAdvanceIsMonotonic},
		{"AdvanceMessagesBulk", testAdvanceMessagesBulk},
		{"ListMessagesPaging", testListMessagesPaging},
		{"UpsertCountsUnread", testUpsertCountsUnread},
		{"ConcurrentUpserts", testConcurrentUpserts},
		{"EnsureConversationRace", testEnsureConversationRace},
		{"RebuildConversation", testRebuildConversation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func createAccount(t *testing.T, s DataStore, name string) *models.Account {
	t.Helper()
	a, err := s.CreateAccount(context.Background(), name, "")
	require.NoError(t, err)
	return a
}

func createText(t *testing.T, s DataStore, from, to uuid.UUID, body string) *models.Message {
	t.Helper()
	msg := &models.Message{SenderID: from, ReceiverID: to, Payload: models.Text{Content: body}}
	require.NoError(t, s.CreateMessage(context.Background(), msg))
	return msg
}

func testAccounts(t *testing.T, s DataStore) {
	ctx := context.Background()
	alice := createAccount(t, s, "Alice")
	bob := createAccount(t, s, "Bob")
	createAccount(t, s, "Alicia_")

	got, err := s.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.Equal(t, models.PresenceOffline, got.OnlineStatus)
	assert.Nil(t, got.LastSeen)

	missing, err := s.GetAccount(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	found, err := s.SearchAccounts(ctx, "ali", bob.ID, 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = s.SearchAccounts(ctx, "ali", alice.ID, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Alicia_", found[0].DisplayName)

	// wildcard characters match literally
	found, err = s.SearchAccounts(ctx, "_", uuid.Nil, 10)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	seen := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdatePresence(ctx, alice.ID, models.PresenceOffline, &seen))
	require.NoError(t, s.UpdatePresence(ctx, alice.ID, models.PresenceOnline, nil))
	got, err = s.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, got.OnlineStatus)
	require.NotNil(t, got.LastSeen)
	assert.True(t, seen.Equal(*got.LastSeen))

	byID, err := s.GetAccounts(ctx, []uuid.UUID{alice.ID, bob.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, byID, 2)
	assert.Equal(t, "Bob", byID[bob.ID].DisplayName)
}

func testMessageRoundTrip(t *testing.T, s DataStore) {
	ctx := context.Background()
	alice := createAccount(t, s, "Alice")
	bob := createAccount(t, s, "Bob")

	text := createText(t, s, alice.ID, bob.ID, "hello")
	assert.NotEmpty(t, text.ID)
	assert.Equal(t, models.StatusSent, text.Status)

	file := &models.Message{
		SenderID:   bob.ID,
		ReceiverID: alice.ID,
		Payload:    models.File{FileKind: models.KindImage, URL: "https://cdn.example/cat.png", Name: "cat.png", Size: 2048},
	}
	require.NoError(t, s.CreateMessage(ctx, file))

	got, err := s.GetMessage(ctx, text.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.Text{Content: "hello"}, got.Payload)
	assert.True(t, text.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.DeliveredAt)

	got, err = s.GetMessage(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, file.Payload, got.Payload)

	missing, err := s.GetMessage(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testAdvanceIsMonotonic(t *testing.T, s DataStore) {
	ctx := context.Background()
	alice := createAccount(t, s, "Alice")
	bob := createAccount(t, s, "Bob")
	msg := createText(t, s, alice.ID, bob.ID, "hi")

	t1 := time.Now().UTC().Truncate(time.Millisecond)
	got, changed, err := s.AdvanceMessage(ctx, msg.ID, models.StatusRead, t1)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusRead, got.Status)
	require.NotNil(t, got.ReadAt)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, t1.Equal(*got.DeliveredAt))

	// a late delivered ack must not move the message backwards
	got, changed, err = s.AdvanceMessage(ctx, msg.ID, models.StatusDelivered, t1.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusRead, got.Status)
	assert.True(t, t1.Equal(*got.ReadAt))

	got, changed, err = s.AdvanceMessage(ctx, msg.ID, models.StatusRead, t1.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, t1.Equal(*got.ReadAt))

	got, changed, err = s.AdvanceMessage(ctx, "missing", models.StatusRead, t1)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, got)
}

func testAdvanceMessagesBulk(t *testing.T, s DataStore) {
	ctx := context.Background()
	alice := createAccount(t, s, "Alice")
	bob := createAccount(t, s, "Bob")

	m1 := createText(t, s, alice.ID, bob.ID, "one")
	m2 := createText(t, s, alice.ID, bob.ID, "two")
	createText(t, s, bob.ID, alice.ID, "reply")

	now := time.Now()
	_, _, err := s.AdvanceMessage(ctx, m1.ID, models.StatusDelivered, now)
	require.NoError(t, err)

	delivered, err := s.AdvanceMessages(ctx, alice.ID, bob.ID, models.StatusDelivered, now)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, m2.ID, delivered[0].ID)

	read, err := s.AdvanceMessages(ctx, alice.ID, bob.ID, models.StatusRead, now)
	require.NoError(t, err)
	assert.Len(t, read, 2)

	read, err = s.AdvanceMessages(ctx, alice.ID, bob.ID, models.StatusRead, now)
	require.NoError(t, err)
	assert.Empty(t, read)

	// the reverse direction is untouched
	pair := models.NewPair(alice.ID, bob.ID)
	page, err := s.ListMessages(ctx, pair, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "reply", page[0].Payload.(models.Text).Content)
	assert.Equal(t, models.StatusSent, page[0].Status)
}

func testListMessagesPaging(t *testing.T, s DataStore) {
	ctx := context.Background()
	alice := createAccount(t, s, "Alice")
	bob := createAccount(t, s, "Bob")
	carol := createAccount(t, s, "Carol")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		msg := &models.Message{
			SenderID:   alice.ID,
			ReceiverID: bob.ID,
			Payload:    models.Text{Content: fmt.Sprintf("m%d", i)},
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateMessage(ctx, msg))
	}
	createText(t, s, alice.ID, carol.ID, "elsewhere")

	pair := models.NewPair(bob.ID, alice.ID)
	page, err := s.ListMessages(ctx, pair, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m4", page[0].Payload.(models.Text).Content)
	assert.Equal(t, "m3", page[1].Payload.(models.Text).Content)

	page, err = s.ListMessages(ctx, pair, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m0", page[0].Payload.(models.Text).Content)
}

func testUpsertCountsUnread(t *testing.T, s DataStore) {
	ctx := context.Background()
	alice := createAccount(t, s, "Alice")
	bob := createAccount(t, s, "Bob")
	pair := models.NewPair(alice.ID, bob.ID)

	now := time.Now().UTC().Truncate(time.Millisecond)
	conv, err := s.UpsertConversationOnSend(ctx, pair, bob.ID, "m1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadFor(bob.ID))
	assert.Equal(t, 0, conv.UnreadFor(alice.ID))

	conv2, err := s.UpsertConversationOnSend(ctx, pair, alice.ID, "m2", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, conv.ID, conv2.ID)
	assert.Equal(t, 1, conv2.UnreadFor(bob.ID))
	assert.Equal(t, 1, conv2.UnreadFor(alice.ID))
	assert.Equal(t, "m2", conv2.LastMessageID)

	require.NoError(t, s.ResetUnread(ctx, conv.ID, bob.ID))
	got, err := s.GetConversationByPair(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadFor(bob.ID))
	assert.Equal(t, 1, got.UnreadFor(alice.ID))

	list, err := s.ListConversations(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].ID)
}

func testConcurrentUpserts(t *testing.T, s DataStore) {
	ctx := context.Background()
	alice := createAccount(t, s, "Alice")
	bob := createAccount(t, s, "Bob")
	pair := models.NewPair(alice.ID, bob.ID)

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertConversationOnSend(ctx, pair, bob.ID, fmt.Sprintf("m%d", i), time.Now())
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	conv, err := s.GetConversationByPair(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, n, conv.UnreadFor(bob.ID))
}

func testEnsureConversationRace(t *testing.T, s DataStore) {
	ctx := context.Background()
	alice := createAccount(t, s, "Alice")
	bob := createAccount(t, s, "Bob")

	const n = 10
	ids := make(chan uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// alternate argument order; the pair is canonical either way
			pair := models.NewPair(alice.ID, bob.ID)
			if i%2 == 1 {
				pair = models.NewPair(bob.ID, alice.ID)
			}
			conv, err := s.EnsureConversation(ctx, pair)
			if assert.NoError(t, err) {
				ids <- conv.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	var first uuid.UUID
	for id := range ids {
		if first == uuid.Nil {
			first = id
		}
		assert.Equal(t, first, id)
	}

	list, err := s.ListConversations(ctx, bob.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testRebuildConversation(t *testing.T, s DataStore) {
	ctx := context.Background()
	alice := createAccount(t, s, "Alice")
	bob := createAccount(t, s, "Bob")

	createText(t, s, alice.ID, bob.ID, "one")
	createText(t, s, alice.ID, bob.ID, "two")
	last := createText(t, s, bob.ID, alice.ID, "three")
	_, err := s.AdvanceMessages(ctx, alice.ID, bob.ID, models.StatusRead, time.Now())
	require.NoError(t, err)

	pairs, err := s.MessagePairs(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	conv, err := s.RebuildConversation(ctx, pairs[0])
	require.NoError(t, err)
	assert.Equal(t, last.ID, conv.LastMessageID)
	assert.Equal(t, 0, conv.UnreadFor(bob.ID))
	assert.Equal(t, 1, conv.UnreadFor(alice.ID))

	// rebuilding again overwrites rather than accumulates
	conv, err = s.RebuildConversation(ctx, pairs[0])
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadFor(alice.ID))
}
