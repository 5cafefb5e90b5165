package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatd/internal/chat"
	"github.com/eldtechnologies/chatd/internal/models"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type fileData struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type sendMessageData struct {
	ReceiverID  uuid.UUID   `json:"receiverId"`
	Content     string      `json:"content"`
	MessageType models.Kind `json:"messageType"`
	File        *fileData   `json:"file"`
}

type ackData struct {
	MessageID string `json:"messageId"`
}

type typingData struct {
	ReceiverID uuid.UUID `json:"receiverId"`
	IsTyping   bool      `json:"isTyping"`
}

type updateStatusData struct {
	Status models.PresenceStatus `json:"status"`
}

// dispatch handles one client event. Failures are reported to this session as error
// events and the connection stays open.
func (h *Handler) dispatch(ctx context.Context, sess *session, raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		sess.sendError("invalid_payload", "malformed event envelope")
		return
	}

	err := h.handleEvent(ctx, sess, in)
	if err == nil {
		return
	}
	code := chat.ErrorCode(err)
	if code == "storage_unavailable" || code == "internal" {
		sess.logger.Error().Err(err).Str("event", in.Event).Msg("event failed")
	}
	sess.sendError(code, chat.PublicMessage(err))
}

func (h *Handler) handleEvent(ctx context.Context, sess *session, in inbound) error {
	switch in.Event {
	case models.EventSendMessage:
		var d sendMessageData
		if err := decode(in.Data, &d); err != nil {
			return err
		}
		req := chat.SendRequest{
			ReceiverID: d.ReceiverID,
			Kind:       d.MessageType,
			Content:    d.Content,
			Source:     chat.SourcePush,
		}
		if d.File != nil {
			req.File = &chat.FileRef{URL: d.File.URL, Name: d.File.Name, Size: d.File.Size, MimeType: d.File.MimeType}
		}
		_, err := h.svc.Send(ctx, sess.account, req)
		return err

	case models.EventMessageDelivered:
		var d ackData
		if err := decode(in.Data, &d); err != nil {
			return err
		}
		_, err := h.svc.AcknowledgeDelivered(ctx, sess.account, d.MessageID)
		return err

	case models.EventMessageRead:
		var d ackData
		if err := decode(in.Data, &d); err != nil {
			return err
		}
		_, err := h.svc.AcknowledgeRead(ctx, sess.account, d.MessageID)
		return err

	case models.EventTyping:
		var d typingData
		if err := decode(in.Data, &d); err != nil {
			return err
		}
		return h.svc.Typing(ctx, sess.account, d.ReceiverID, d.IsTyping)

	case models.EventUpdateStatus:
		var d updateStatusData
		if err := decode(in.Data, &d); err != nil {
			return err
		}
		return h.svc.UpdateStatus(ctx, sess.account, sess.id, d.Status)
	}

	return fmt.Errorf("%w: unknown event %q", chat.ErrInvalidPayload, in.Event)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", chat.ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidPayload, err)
	}
	return nil
}
