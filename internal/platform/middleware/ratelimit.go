package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) retryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refillRate <= 0 {
		return 1
	}
	return int((1-b.tokens)/b.refillRate) + 1
}

// Limiter holds one token bucket per key. The HTTP middleware keys it by
// caller; the socket router keys it by connection id.
type Limiter struct {
	buckets map[string]*tokenBucket
	mu      sync.RWMutex
	config  RateLimitConfig
}

func NewLimiter(cfg RateLimitConfig) *Limiter {
	return &Limiter{
		buckets: make(map[string]*tokenBucket),
		config:  cfg,
	}
}

// Allow takes a token from key's bucket. When none is available it returns
// false and the number of seconds until one will be.
func (l *Limiter) Allow(key string) (bool, int) {
	b := l.bucket(key)
	if b.allow() {
		return true, 0
	}
	return false, b.retryAfter()
}

// Forget drops key's bucket.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(key string) *tokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = newTokenBucket(l.config.RequestsPerSecond, l.config.BurstSize)
	l.buckets[key] = b
	return b
}

// RateLimit returns a rate limiting middleware keyed by the authenticated user
// when one is known and by client IP otherwise.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	limiter := NewLimiter(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid, ok := c.Get("user_id").(string); ok && uid != "" {
				key = "user:" + uid
			}

			ok, retryAfter := limiter.Allow(key)
			c.Response().Header().Set("X-RateLimit-Limit", limit)
			if !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
