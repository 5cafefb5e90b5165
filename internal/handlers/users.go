package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/chatd/internal/chat"
	"github.com/eldtechnologies/chatd/internal/models"
)

// UsersResponse is the result of a user search.
type UsersResponse struct {
	Users []models.Account `json:"users"`
	Query string           `json:"query,omitempty"`
}

// SearchUsers handles GET /api/users?search=. An empty query lists accounts.
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.caller(w, r)
	if !ok {
		return
	}

	query := sanitizeQuery(r.URL.Query().Get("search"))
	limit, ok := h.queryInt(w, r, "limit", chat.MaxSearchResult)
	if !ok {
		return
	}

	users, err := h.svc.SearchAccounts(r.Context(), ident.AccountID, query, limit)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []models.Account{}
	}

	h.JSON(w, http.StatusOK, UsersResponse{Users: users, Query: query})
}

// GetUser handles GET /api/users/{id}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid user ID format")
		return
	}

	account, err := h.svc.Profile(r.Context(), id)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, account)
}
