package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// tokenBucketScript refills and drains a per-client bucket atomically so
// every API replica sees the same budget.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local bucket = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or capacity
local last = tonumber(bucket[2]) or now
local refill = math.max(0, now - last) * refill_rate
tokens = math.min(capacity, tokens + refill)
local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end
redis.call('HMSET', key, 'tokens', tokens, 'last', now)
redis.call('EXPIRE', key, 60)
return allowed
`)

// RateLimiter throttles write endpoints with a Redis-backed token bucket
// keyed by client IP.
type RateLimiter struct {
	client     *redis.Client
	capacity   int
	refillRate float64
	log        *zap.Logger
}

// NewRateLimiter connects to Redis. capacity is the burst size, refillRate
// the sustained tokens per second.
func NewRateLimiter(addr, password string, db, capacity int, refillRate float64, log *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		capacity:   capacity,
		refillRate: refillRate,
		log:        log,
	}
}

// Middleware enforces the bucket. Redis trouble fails open: throttling is
// protective, not load-bearing.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ratelimit:" + c.ClientIP()
		now := time.Now().Unix()
		res, err := tokenBucketScript.Run(c.Request.Context(), rl.client, []string{key},
			rl.capacity, rl.refillRate, now).Int()
		if err != nil {
			rl.log.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if res == 0 {
			c.Header("Retry-After", "1")
			writeProblemStatus(c, http.StatusTooManyRequests, "rate-limited", "request rate exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Close releases the Redis connection.
func (rl *RateLimiter) Close() error { return rl.client.Close() }
