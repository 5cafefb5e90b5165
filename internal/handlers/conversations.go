package handlers

import (
	"net/http"

	"github.com/eldtechnologies/chatd/internal/chat"
)

// ConversationsResponse lists the caller's conversations.
type ConversationsResponse struct {
	Conversations []chat.ConversationView `json:"conversations"`
}

// ListConversations handles GET /api/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.caller(w, r)
	if !ok {
		return
	}

	views, err := h.svc.ListConversations(r.Context(), ident.AccountID)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, ConversationsResponse{Conversations: views})
}
