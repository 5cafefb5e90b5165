package chat

import (
	"errors"

	"github.com/eldtechnologies/chatd/internal/identity"
)

var (
	ErrUnauthenticated    = identity.ErrUnauthenticated
	ErrNotFound           = errors.New("not found")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ErrorCode maps an error to the stable code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	}
	return "internal"
}

// PublicMessage returns the text shown to clients. Storage and internal details stay in the logs.
func PublicMessage(err error) string {
	switch ErrorCode(err) {
	case "storage_unavailable":
		return "storage unavailable"
	case "internal":
		return "internal error"
	}
	return err.Error()
}
