package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Kind identifies the shape of a message payload.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindDocument, KindAudio, KindVideo:
		return true
	}
	return false
}

// KindFromMIME maps a declared MIME type to a file kind.
// Unknown or unparseable types fall back to KindDocument.
func KindFromMIME(mime string) Kind {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if m := mimetype.Lookup(mime); m != nil {
		mime = m.String()
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	}
	return KindDocument
}

// Status is the delivery state of a message. It only moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is a known delivery status.
func (s Status) Valid() bool {
	return s.rank() > 0
}

// Before reports whether s precedes other in the delivery order.
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}

// Lower returns the statuses that precede s, i.e. those a transition to s may start from.
func (s Status) Lower() []Status {
	var out []Status
	for _, st := range []Status{StatusSent, StatusDelivered, StatusRead} {
		if st.Before(s) {
			out = append(out, st)
		}
	}
	return out
}

var (
	ErrEmptyText        = errors.New("text content is required")
	ErrInvalidKind      = errors.New("invalid message kind")
	ErrInvalidFileRef   = errors.New("file reference requires url and name")
	ErrTextFileMismatch = errors.New("text messages cannot carry a file reference")
)

// Payload is the content of a message: either Text or File, never both.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Text is a plain text payload.
type Text struct {
	Content string
}

func (Text) Kind() Kind { return KindText }
func (Text) isPayload() {}

// File is a reference to an uploaded file. The binary itself lives elsewhere.
type File struct {
	FileKind Kind
	URL      string
	Name     string
	Size     int64
}

func (f File) Kind() Kind { return f.FileKind }
func (File) isPayload() {}

// NewTextPayload validates and builds a text payload.
func NewTextPayload(content string) (Payload, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyText
	}
	return Text{Content: content}, nil
}

// NewFilePayload validates and builds a file payload of the given kind.
func NewFilePayload(kind Kind, url, name string, size int64) (Payload, error) {
	if kind == KindText {
		return nil, ErrTextFileMismatch
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if strings.TrimSpace(url) == "" || strings.TrimSpace(name) == "" || size < 0 {
		return nil, ErrInvalidFileRef
	}
	return File{FileKind: kind, URL: url, Name: name, Size: size}, nil
}

// Message is a single direct message in the ledger.
type Message struct {
	ID          string
	SenderID    uuid.UUID
	ReceiverID  uuid.UUID
	Payload     Payload
	Status      Status
	DeliveredAt *time.Time
	ReadAt      *time.Time
	Deleted     bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

// Pair returns the conversation key the message belongs to.
func (m *Message) Pair() Pair {
	return NewPair(m.SenderID, m.ReceiverID)
}

// messageJSON is the wire shape shared by the HTTP API and the push transport.
type messageJSON struct {
	ID          string     `json:"id"`
	SenderID    uuid.UUID  `json:"senderId"`
	ReceiverID  uuid.UUID  `json:"receiverId"`
	MessageType Kind       `json:"messageType"`
	Content     string     `json:"content,omitempty"`
	FileURL     string     `json:"fileUrl,omitempty"`
	FileName    string     `json:"fileName,omitempty"`
	FileSize    *int64     `json:"fileSize,omitempty"`
	Status      Status     `json:"status"`
	DeliveredAt *time.Time `json:"deliveredAt"`
	ReadAt      *time.Time `json:"readAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// MarshalJSON flattens the payload variant into the wire representation.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Status:      m.Status,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
		CreatedAt:   m.CreatedAt,
	}
	switch p := m.Payload.(type) {
	case Text:
		out.MessageType = KindText
		out.Content = p.Content
	case File:
		size := p.Size
		out.MessageType = p.FileKind
		out.FileURL = p.URL
		out.FileName = p.Name
		out.FileSize = &size
	}
	return json.Marshal(out)
}
