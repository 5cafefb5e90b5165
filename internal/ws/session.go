package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatd/internal/crypto"
	"github.com/eldtechnologies/chatd/internal/models"
	"github.com/eldtechnologies/chatd/internal/registry"
)

// session is one websocket connection. Events are queued by Send and written by writeLoop.
type session struct {
	id        string
	account   uuid.UUID
	conn      *websocket.Conn
	queue     chan models.Event
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger

	// set once before done is closed
	closeCode   websocket.StatusCode
	closeReason string
}

func newSession(conn *websocket.Conn, account uuid.UUID, queueSize int, logger zerolog.Logger) *session {
	id := crypto.NewULID()
	return &session{
		id:      id,
		account: account,
		conn:    conn,
		queue:   make(chan models.Event, queueSize),
		done:    make(chan struct{}),
		logger:  logger.With().Str("session", id).Str("account", account.String()).Logger(),
	}
}

func (s *session) ID() string           { return s.id }
func (s *session) AccountID() uuid.UUID { return s.account }

// Send enqueues an event. A full queue marks the session as a slow consumer and closes it.
func (s *session) Send(ev models.Event) error {
	select {
	case <-s.done:
		return registry.ErrSessionClosed
	default:
	}

	select {
	case s.queue <- ev:
		return nil
	default:
		s.logger.Warn().Str("event", ev.Name).Msg("send queue full, dropping slow consumer")
		s.shutdown(websocket.StatusPolicyViolation, "slow consumer")
		return registry.ErrSessionClosed
	}
}

// shutdown marks the session closed. The writer performs the close handshake.
func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

func (s *session) sendError(code, message string) {
	_ = s.Send(models.Event{
		Name: models.EventError,
		Data: models.ErrorPayload{Code: code, Message: message},
	})
}

// writeLoop drains the queue and pings the peer until the session or ctx ends.
// cancel is called on exit so the reader stops too.
func (s *session) writeLoop(ctx context.Context, cancel context.CancelFunc, writeTimeout, pingInterval time.Duration) {
	defer cancel()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.queue:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, s.conn, ev)
			wcancel()
			if err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				s.shutdown(websocket.StatusGoingAway, "write failed")
				return
			}

		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Ping(pctx)
			pcancel()
			if err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				s.shutdown(websocket.StatusGoingAway, "ping timeout")
				return
			}

		case <-s.done:
			s.conn.Close(s.closeCode, s.closeReason)
			return

		case <-ctx.Done():
			return
		}
	}
}
