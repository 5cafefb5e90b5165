package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatd/internal/identity"
	"github.com/eldtechnologies/chatd/internal/metrics"
)

// Limiter is the counter backend of the rate limiter. store.RedisStore implements it.
type Limiter interface {
	HitWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)
	CountViolation(ctx context.Context, ip string, ttl time.Duration) (int64, error)
	BlockIP(ctx context.Context, ip string, d time.Duration, reason string) error
	BlockReason(ctx context.Context, ip string) (string, error)
}

// RateLimit defines the limit for requests whose "METHOD path" starts with Prefix.
type RateLimit struct {
	Prefix   string
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// DefaultLimits are checked in order; the first matching prefix wins.
var DefaultLimits = []RateLimit{
	{"POST /api/messages/", 240, time.Minute, accountKey}, // receipts
	{"POST /api/messages", 120, time.Minute, accountKey},
	{"PUT /api/messages/", 60, time.Minute, accountKey},
	{"GET /api/messages/", 120, time.Minute, accountKey},
	{"GET /api/conversations", 60, time.Minute, accountKey},
	{"GET /api/users", 60, time.Minute, accountKey},
	{"GET /ws", 30, time.Minute, ipKey},
}

const (
	violationThreshold = 10
	violationTTL       = time.Hour
	autoBlockDuration  = 24 * time.Hour
)

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
	Limits           []RateLimit
}

// RateLimiter implements sliding window rate limiting. It fails open when the
// backend is unavailable.
type RateLimiter struct {
	backend          Limiter
	limits           []RateLimit
	logger           zerolog.Logger
	whitelist        []netip.Prefix
	autoBlockEnabled bool
	now              func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(backend Limiter, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		backend:          backend,
		limits:           cfg.Limits,
		logger:           logger.With().Str("component", "ratelimit").Logger(),
		autoBlockEnabled: cfg.AutoBlockEnabled,
		now:              time.Now,
	}
	if rl.limits == nil {
		rl.limits = DefaultLimits
	}

	for _, entry := range cfg.Whitelist {
		prefix, err := parseWhitelistEntry(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid whitelist entry")
			continue
		}
		rl.whitelist = append(rl.whitelist, prefix)
	}
	if len(rl.whitelist) > 0 {
		logger.Info().Int("entries", len(rl.whitelist)).Msg("rate limit whitelist configured")
	}

	return rl
}

// parseWhitelistEntry accepts a single address or a CIDR range.
func parseWhitelistEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		return prefix.Masked(), err
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (rl *RateLimiter) isWhitelisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range rl.whitelist {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ipKey returns rate limit key based on client IP.
func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// tokenFingerprint identifies a caller by a hash of its bearer token. Limits run
// before authentication, so the token stands in for the account.
func tokenFingerprint(r *http.Request) string {
	token := identity.BearerToken(r)
	if token == "" {
		return ""
	}
	return sha256Hex([]byte(token))[:32]
}

// accountKey returns rate limit key based on the caller's token, falling back to IP.
func accountKey(r *http.Request) string {
	if fp := tokenFingerprint(r); fp != "" {
		return "ratelimit:account:" + fp
	}
	return ipKey(r)
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	key := r.Method + " " + r.URL.Path
	for i := range rl.limits {
		if strings.HasPrefix(key, rl.limits[i].Prefix) {
			return &rl.limits[i]
		}
	}
	return nil
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		reason, err := rl.backend.BlockReason(ctx, ip)
		if err != nil {
			rl.logger.Error().Err(err).Msg("block lookup failed")
		} else if reason != "" {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("reason", reason).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now()
		key := limit.KeyFunc(r) + ":" + limit.Prefix
		count, err := rl.backend.HitWindow(ctx, key, limit.Window, now)
		if err != nil {
			rl.logger.Error().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		remaining := limit.Requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		resetAt := now.Add(limit.Window)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > int64(limit.Requests) {
			w.Header().Set("Retry-After", strconv.Itoa(int(limit.Window.Seconds())))
			metrics.RateLimitHits.WithLabelValues(strings.TrimSpace(limit.Prefix)).Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")
			rl.trackViolation(ctx, ip)
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// trackViolation auto-blocks IPs that keep hitting limits.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	count, err := rl.backend.CountViolation(ctx, ip, violationTTL)
	if err != nil {
		rl.logger.Error().Err(err).Msg("violation tracking failed")
		return
	}
	if count < violationThreshold {
		return
	}

	if err := rl.backend.BlockIP(ctx, ip, autoBlockDuration, "repeated rate limit violations"); err != nil {
		rl.logger.Error().Err(err).Msg("auto-block failed")
		return
	}
	rl.logger.Warn().
		Str("type", "security").
		Str("event", "ip_auto_blocked").
		Str("ip", ip).
		Int64("violations", count).
		Msg("IP auto-blocked for repeated violations")
}
