package chat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "not_found", ErrorCode(fmt.Errorf("%w: message x", ErrNotFound)))
	assert.Equal(t, "unauthorized", ErrorCode(ErrUnauthorized))
	assert.Equal(t, "unauthenticated", ErrorCode(ErrUnauthenticated))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))

	assert.Equal(t, "storage unavailable", PublicMessage(storageError("create message", errors.New("disk full"))))
	assert.Equal(t, "invalid payload: bad", PublicMessage(fmt.Errorf("%w: bad", ErrInvalidPayload)))
}
