package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/chatd/internal/metrics"
)

// RedisStore handles Redis operations for throttling and rate limiting.
type RedisStore struct {
	client *redis.Client
	seq    atomic.Int64
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.client.Ping(ctx).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	return err
}

// typingKey returns the throttle key for typing indicators from sender to receiver.
func typingKey(sender, receiver uuid.UUID) string {
	return fmt.Sprintf("typing:%s:%s", sender, receiver)
}

// AllowTyping reports whether a typing indicator from sender to receiver may be relayed.
// At most one passes per window for each directed pair.
func (s *RedisStore) AllowTyping(ctx context.Context, sender, receiver uuid.UUID, window time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.client.SetNX(ctx, typingKey(sender, receiver), "1", window).Result()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ClearTyping drops the throttle so the next indicator passes immediately.
func (s *RedisStore) ClearTyping(ctx context.Context, sender, receiver uuid.UUID) error {
	return s.client.Del(ctx, typingKey(sender, receiver)).Err()
}

// HitWindow records one hit on key and returns how many hits fall inside the
// sliding window ending now, this one included.
func (s *RedisStore) HitWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	member := strconv.FormatInt(now.UnixNano(), 36) + ":" + strconv.FormatInt(s.seq.Add(1), 36)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	count := pipe.ZCard(ctx, key)
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

// CountViolation increments the violation counter for ip. The counter expires ttl
// after the first violation.
func (s *RedisStore) CountViolation(ctx context.Context, ip string, ttl time.Duration) (int64, error) {
	key := "violations:ip:" + ip
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// BlockIP blocks ip for d, storing the reason.
func (s *RedisStore) BlockIP(ctx context.Context, ip string, d time.Duration, reason string) error {
	return s.client.Set(ctx, "blocked:ip:"+ip, reason, d).Err()
}

// BlockReason returns why ip is blocked, or "" if it is not.
func (s *RedisStore) BlockReason(ctx context.Context, ip string) (string, error) {
	reason, err := s.client.Get(ctx, "blocked:ip:"+ip).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return reason, err
}

// UnblockIP removes a block.
func (s *RedisStore) UnblockIP(ctx context.Context, ip string) error {
	return s.client.Del(ctx, "blocked:ip:"+ip).Err()
}
