// Package ws is the websocket push transport.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatd/internal/chat"
	"github.com/eldtechnologies/chatd/internal/identity"
)

const readLimit = 64 << 10

// Config tunes websocket sessions.
type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// OriginPatterns are host patterns allowed to open cross-origin connections.
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// Handler upgrades authenticated requests to websocket sessions.
type Handler struct {
	svc      *chat.Service
	resolver identity.Resolver
	cfg      Config
	logger   zerolog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(svc *chat.Service, resolver identity.Resolver, cfg Config, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "ws").Logger(),
	}
}

// tokenFromRequest prefers the Authorization header; browsers cannot set it on upgrades,
// so the token query parameter is accepted too.
func tokenFromRequest(r *http.Request) string {
	if token := identity.BearerToken(r); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP authenticates, upgrades and runs the session until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, err := h.resolver.Resolve(r.Context(), tokenFromRequest(r))
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket authentication failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthenticated"}`))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := newSession(conn, ident.AccountID, h.cfg.QueueSize, h.logger)
	go sess.writeLoop(ctx, cancel, h.cfg.WriteTimeout, h.cfg.PingInterval)

	h.svc.Connect(ctx, sess)
	sess.logger.Info().Msg("session connected")
	defer func() {
		sess.shutdown(websocket.StatusNormalClosure, "")
		h.svc.Disconnect(context.WithoutCancel(ctx), sess)
		sess.logger.Info().Msg("session disconnected")
	}()

	h.readLoop(ctx, sess)
}

func (h *Handler) readLoop(ctx context.Context, sess *session) {
	for {
		typ, data, err := sess.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				sess.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if typ != websocket.MessageText {
			sess.sendError("invalid_payload", "binary frames are not supported")
			continue
		}
		h.dispatch(ctx, sess, data)
	}
}
