// Package ratelimit provides token-bucket rate limiting for the escrow API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
	// SkipPrefixes lists path prefixes that are never limited.
	SkipPrefixes []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		SkipPrefixes:      []string{"/health", "/metrics"},
	}
}

// KeyFunc picks the bucket for a request.
type KeyFunc func(c *gin.Context) string

// Limiter tracks one token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
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
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets that have refilled completely.
func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		if l.refill(b, now) >= float64(l.cfg.BurstSize) {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) rate() float64 {
	return float64(l.cfg.RequestsPerMinute) / 60.0
}

func (l *Limiter) refill(b *bucket, now time.Time) float64 {
	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.last).Seconds()*l.rate())
	b.last = now
	return b.tokens
}

// Allow takes a token for key. When none is available it returns false and
// how long until one is.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), last: now}
		l.buckets[key] = b
	}
	if l.refill(b, now) >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate() <= 0 {
		return false, time.Minute
	}
	wait := time.Duration((1 - b.tokens) / l.rate() * float64(time.Second))
	return false, wait
}

// Middleware limits requests per key. keyFn may be nil, in which case the
// client IP is used.
func (l *Limiter) Middleware(keyFn KeyFunc) gin.HandlerFunc {
	if keyFn == nil {
		keyFn = func(c *gin.Context) string { return "ip:" + c.ClientIP() }
	}
	return func(c *gin.Context) {
		for _, p := range l.cfg.SkipPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				c.Next()
				return
			}
		}

		ok, wait := l.Allow(keyFn(c))
		if !ok {
			retry := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limit_exceeded",
				"message":    "Too many requests. Please slow down.",
				"retryAfter": retry,
			})
			return
		}
		c.Next()
	}
}
