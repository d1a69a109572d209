// Package ratelimit throttles API clients, either per process with a token
// bucket or across replicas with a Redis fixed window.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/riskgate/internal/metrics"
)

// Allower decides whether one more request for key fits the budget.
type Allower interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, err error)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained per-client budget
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
}

// DefaultConfig returns the budget used when RATE_LIMIT_RPM is unset.
func DefaultConfig() Config {
	return ConfigForRPM(600)
}

// ConfigForRPM derives a config with a burst of one sixth of a minute.
func ConfigForRPM(rpm int) Config {
	burst := rpm / 6
	if burst < 1 {
		burst = 1
	}
	return Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Minute}
}

// Limiter is an in-process token bucket per key.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	clients  map[string]*bucket
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

var _ Allower = (*Limiter)(nil)

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * time.Minute)
			for key, b := range l.clients {
				if b.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes one token for key.
func (l *Limiter) Allow(_ context.Context, key string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastCheck: now}
		l.clients[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), nil
	}
	return false, 0, nil
}

// RedisWindow counts requests per key in fixed one-minute windows shared by
// every replica.
type RedisWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

var _ Allower = (*RedisWindow)(nil)

// NewRedisWindow creates a shared limiter allowing rpm requests per minute.
func NewRedisWindow(client *redis.Client, rpm int) *RedisWindow {
	return &RedisWindow{client: client, limit: rpm, window: time.Minute, prefix: "riskgate:ratelimit:", now: time.Now}
}

// Allow increments the key's counter for the current window.
func (r *RedisWindow) Allow(ctx context.Context, key string) (bool, int, error) {
	start := r.now().Truncate(r.window).Unix()
	k := fmt.Sprintf("%s%s:%d", r.prefix, key, start)

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit counter: %w", err)
	}
	count := int(incr.Val())
	if count > r.limit {
		return false, 0, nil
	}
	return true, r.limit - count, nil
}

// Middleware rate limits by client IP. A backend error lets the request
// through: throttling must not take the decision endpoints down with Redis.
func Middleware(a Allower, limit int, backend string, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		key := c.ClientIP()
		allowed, remaining, err := a.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request", "backend", backend, "error", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues(backend).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}
