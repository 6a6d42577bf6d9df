package chat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Default submission rate: 100 messages per author per minute
const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Minute
)

// Limiter decides whether key may submit another message
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimiter implements per-author fixed-window limiting in process memory
// ARCHITECTURAL DISCOVERY: Per-client state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]*clientLimit
}

// clientLimit tracks rate limiting for a single author
type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter creates an in-memory limiter allowing limit messages per window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientLimit),
	}
}

// Allow checks whether key can send a message and counts it if so
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[key]
	if !exists || now.Sub(limit.windowStart) >= rl.window {
		rl.clients[key] = &clientLimit{messageCount: 1, windowStart: now}
		return true, nil
	}

	if limit.messageCount >= rl.limit {
		return false, nil
	}

	limit.messageCount++
	return true, nil
}

// Cleanup removes entries idle for more than five windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// slidingWindowScript trims the window, counts it and records the attempt only when it fits.
// Scores arrive as strings so microsecond timestamps keep full precision inside Lua.
// KEYS[1] window key; ARGV: cutoff, now, limit, member, ttl in milliseconds.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

// RedisRateLimiter is a sliding-window limiter shared by every instance using the same Redis
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisRateLimiter creates a limiter keyed under prefix
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RedisRateLimiter{client: client, limit: limit, window: window, prefix: "classchat:ratelimit:"}
}

// Allow records an attempt and reports whether it fits in the window.
// The check and the record run as one script, so concurrent callers never overshoot.
// Rejected attempts are not recorded.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	allowed, err := slidingWindowScript.Run(ctx, rl.client, []string{rl.prefix + key},
		strconv.FormatInt(now.Add(-rl.window).UnixMicro(), 10),
		strconv.FormatInt(now.UnixMicro(), 10),
		rl.limit,
		ulid.Make().String(),
		(rl.window * 2).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return allowed == 1, nil
}
