// Package ratelimit provides token bucket rate limiting middleware.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/finaiguard/internal/metrics"
)

// KeyFunc derives the bucket key for a request.
type KeyFunc func(c *gin.Context) string

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained rate per key
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
	// Key defaults to ByClientIP
	Key KeyFunc
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 1,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// FromRPS returns a config for rps requests per second with a burst of
// twice that. rps <= 0 yields the defaults.
func FromRPS(rps int) Config {
	cfg := DefaultConfig()
	if rps > 0 {
		cfg.RequestsPerSecond = float64(rps)
		cfg.BurstSize = 2 * rps
	}
	return cfg
}

// ByClientIP keys buckets by client address.
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByClientAndChain keys buckets by client address and chain, so one busy
// chain does not starve writes to another.
func ByClientAndChain(c *gin.Context) string {
	if chain := c.Param("chain"); chain != "" {
		return c.ClientIP() + "|" + chain
	}
	return c.ClientIP()
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Key == nil {
		cfg.Key = ByClientIP
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// cleanup removes idle entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
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
	l.once.Do(func() { close(l.stop) })
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return l.cfg.BurstSize > 0
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * l.cfg.RequestsPerSecond

	// Cap at burst size
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}

	return false
}

// retryAfter is the whole number of seconds until one token accrues.
func (l *Limiter) retryAfter() int {
	if l.cfg.RequestsPerSecond <= 0 {
		return 60
	}
	secs := int(1/l.cfg.RequestsPerSecond + 0.999)
	return max(secs, 1)
}

// Middleware returns a Gin middleware that rate limits by the configured key
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(l.cfg.Key(c)) {
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.RateLimitedTotal.WithLabelValues(route).Inc()

			retry := l.retryAfter()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}
