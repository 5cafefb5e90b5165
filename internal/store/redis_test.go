package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("CHATD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CHATD_TEST_REDIS_URL not set")
	}
	s, err := NewRedisStore(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisTypingThrottle(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()

	alice, bob := uuid.New(), uuid.New()

	ok, err := s.AllowTyping(ctx, alice, bob, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AllowTyping(ctx, alice, bob, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// the other direction has its own window
	ok, err = s.AllowTyping(ctx, bob, alice, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ClearTyping(ctx, alice, bob))
	ok, err = s.AllowTyping(ctx, alice, bob, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisHitWindow(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()

	now := time.Now()
	for i := 1; i <= 3; i++ {
		n, err := s.HitWindow(ctx, key, time.Minute, now)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n, "hits at the same instant are counted separately")
	}

	// older hits slide out of the window
	n, err := s.HitWindow(ctx, key, time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisBlocking(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()
	ip := "198.51.100." + uuid.NewString()[:3]

	reason, err := s.BlockReason(ctx, ip)
	require.NoError(t, err)
	assert.Empty(t, reason)

	count, err := s.CountViolation(ctx, ip, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, s.BlockIP(ctx, ip, time.Minute, "testing"))
	reason, err = s.BlockReason(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, "testing", reason)

	require.NoError(t, s.UnblockIP(ctx, ip))
	reason, err = s.BlockReason(ctx, ip)
	require.NoError(t, err)
	assert.Empty(t, reason)
}
