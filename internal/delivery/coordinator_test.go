package delivery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatd/internal/models"
	"github.com/eldtechnologies/chatd/internal/registry"
	"github.com/eldtechnologies/chatd/internal/registry/registrytest"
	"github.com/eldtechnologies/chatd/internal/store"
)

type fixture struct {
	store *store.SQLiteStore
	reg   *registry.Registry
	coord *Coordinator
	alice *models.Account
	bob   *models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "chatd.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	alice, err := s.CreateAccount(ctx, "Alice", "")
	require.NoError(t, err)
	bob, err := s.CreateAccount(ctx, "Bob", "")
	require.NoError(t, err)

	reg := registry.New()
	return &fixture{store: s, reg: reg, coord: NewCoordinator(s, reg, zerolog.Nop()), alice: alice, bob: bob}
}

func (f *fixture) send(t *testing.T, body string) *models.Message {
	t.Helper()
	msg := &models.Message{SenderID: f.alice.ID, ReceiverID: f.bob.ID, Payload: models.Text{Content: body}}
	require.NoError(t, f.store.CreateMessage(context.Background(), msg))
	return msg
}

func TestRouteOfflineReceiverStaysSent(t *testing.T) {
	f := newFixture(t)
	sender := registrytest.NewSession(f.alice.ID)
	f.reg.Register(sender)

	msg := f.coord.Route(context.Background(), f.send(t, "hi"))
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, []string{models.EventMessageSent}, sender.Names())
}

func TestRoutePromotesWhenReceiverOnline(t *testing.T) {
	f := newFixture(t)
	sender := registrytest.NewSession(f.alice.ID)
	phone := registrytest.NewSession(f.bob.ID)
	laptop := registrytest.NewSession(f.bob.ID)
	f.reg.Register(sender)
	f.reg.Register(phone)
	f.reg.Register(laptop)

	msg := f.coord.Route(context.Background(), f.send(t, "hi"))
	assert.Equal(t, models.StatusDelivered, msg.Status)
	require.NotNil(t, msg.DeliveredAt)

	assert.Equal(t, []string{models.EventMessageSent, models.EventMessageDelivered}, sender.Names())
	assert.Len(t, phone.Named(models.EventMessageReceived), 1)
	assert.Len(t, laptop.Named(models.EventMessageReceived), 1)

	delivered := sender.Named(models.EventMessageDelivered)[0].Data.(models.DeliveredPayload)
	assert.Equal(t, msg.ID, delivered.MessageID)
}

func TestRouteClosedSessionIsUnreachable(t *testing.T) {
	f := newFixture(t)
	gone := registrytest.NewSession(f.bob.ID)
	f.reg.Register(gone)
	gone.Close()

	msg := f.coord.Route(context.Background(), f.send(t, "hi"))
	assert.Equal(t, models.StatusSent, msg.Status)
}

func TestRouteManyWhileOnline(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(registrytest.NewSession(f.bob.ID))

	for i := 0; i < 10; i++ {
		msg := f.coord.Route(context.Background(), f.send(t, "hi"))
		assert.Equal(t, models.StatusDelivered, msg.Status)
	}
}

func TestAdvanceNotifiesOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	sender := registrytest.NewSession(f.alice.ID)
	f.reg.Register(sender)
	msg := f.send(t, "hi")
	ctx := context.Background()

	got, changed, err := f.coord.Advance(ctx, msg.ID, models.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusRead, got.Status)

	got, changed, err = f.coord.Advance(ctx, msg.ID, models.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusRead, got.Status)

	assert.Equal(t, []string{models.EventMessageRead}, sender.Names())
}

func TestPromoteFromNotifiesPerMessage(t *testing.T) {
	f := newFixture(t)
	sender := registrytest.NewSession(f.alice.ID)
	f.reg.Register(sender)
	f.send(t, "one")
	f.send(t, "two")
	ctx := context.Background()

	changed, err := f.coord.PromoteFrom(ctx, f.bob.ID, f.alice.ID, models.StatusDelivered)
	require.NoError(t, err)
	assert.Len(t, changed, 2)
	assert.Len(t, sender.Named(models.EventMessageDelivered), 2)

	changed, err = f.coord.PromoteFrom(ctx, f.bob.ID, f.alice.ID, models.StatusDelivered)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Len(t, sender.Named(models.EventMessageDelivered), 2)
}
