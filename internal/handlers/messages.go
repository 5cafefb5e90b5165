package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/chatd/internal/chat"
	"github.com/eldtechnologies/chatd/internal/models"
)

// FileRequest references an already uploaded file.
type FileRequest struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// SendMessageRequest represents the request body for sending a message.
type SendMessageRequest struct {
	ReceiverID  string       `json:"receiverId"`
	MessageType string       `json:"messageType"`
	Content     string       `json:"content"`
	File        *FileRequest `json:"file,omitempty"`
}

// MarkReadResponse reports how many messages a bulk read changed.
type MarkReadResponse struct {
	Updated int `json:"updated"`
}

// SendMessage handles POST /api/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid receiverId format")
		return
	}

	sendReq := chat.SendRequest{
		ReceiverID: receiverID,
		Kind:       models.Kind(req.MessageType),
		Content:    req.Content,
		Source:     chat.SourceHTTP,
	}
	if req.File != nil {
		sendReq.File = &chat.FileRef{
			URL:      req.File.URL,
			Name:     req.File.Name,
			Size:     req.File.Size,
			MimeType: req.File.MimeType,
		}
	}

	msg, err := h.svc.Send(r.Context(), ident.AccountID, sendReq)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}

	h.JSON(w, http.StatusCreated, msg)
}

// ListMessages handles GET /api/messages/{id}, where id is the peer account.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.caller(w, r)
	if !ok {
		return
	}

	peerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid peer ID format")
		return
	}

	page, ok := h.queryInt(w, r, "page", 1)
	if !ok {
		return
	}
	limit, ok := h.queryInt(w, r, "limit", chat.DefaultPageSize)
	if !ok {
		return
	}

	result, err := h.svc.ListMessages(r.Context(), ident.AccountID, peerID, page, limit)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	if result.Messages == nil {
		result.Messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, result)
}

// MarkRead handles PUT /api/messages/{id}/read, where id is the peer account.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.caller(w, r)
	if !ok {
		return
	}

	peerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid peer ID format")
		return
	}

	updated, err := h.svc.MarkRead(r.Context(), ident.AccountID, peerID)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, MarkReadResponse{Updated: updated})
}

// AckDelivered handles POST /api/messages/{id}/delivered, where id is the message.
func (h *Handler) AckDelivered(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, h.svc.AcknowledgeDelivered)
}

// AckRead handles POST /api/messages/{id}/read-receipt, where id is the message.
func (h *Handler) AckRead(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, h.svc.AcknowledgeRead)
}

type ackFunc func(ctx context.Context, actor uuid.UUID, messageID string) (*models.Message, error)

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request, ack ackFunc) {
	ident, ok := h.caller(w, r)
	if !ok {
		return
	}

	messageID := chi.URLParam(r, "id")
	if messageID == "" {
		h.Error(w, http.StatusBadRequest, "message ID required")
		return
	}

	msg, err := ack(r.Context(), ident.AccountID, messageID)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, msg)
}

// queryInt parses an optional positive integer query parameter.
func (h *Handler) queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		h.Error(w, http.StatusBadRequest, "invalid "+name+" parameter")
		return 0, false
	}
	return v, true
}
