package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatd/internal/api/middleware"
	"github.com/eldtechnologies/chatd/internal/chat"
	"github.com/eldtechnologies/chatd/internal/identity"
	"github.com/eldtechnologies/chatd/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	svc    *chat.Service
	store  store.DataStore
	redis  *store.RedisStore
	logger zerolog.Logger
}

// NewHandler creates a new Handler. redis may be nil.
func NewHandler(svc *chat.Service, ds store.DataStore, redis *store.RedisStore, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		store:  ds,
		redis:  redis,
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ServiceError maps a chat error to its HTTP status and writes it.
func (h *Handler) ServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Str("code", chat.ErrorCode(err)).
			Msg("request failed")
	}
	h.Error(w, status, chat.PublicMessage(err))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// caller returns the authenticated identity or writes a 401.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	ident := middleware.GetIdentityFromContext(r.Context())
	if ident == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return ident, true
}

// sanitizeQuery trims and limits a search query to 100 characters, removing control characters.
func sanitizeQuery(q string) string {
	q = strings.TrimSpace(q)

	q = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, q)

	if runes := []rune(q); len(runes) > 100 {
		q = string(runes[:100])
	}

	return q
}
