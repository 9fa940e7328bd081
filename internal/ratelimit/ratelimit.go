// Package ratelimit throttles the unauthenticated and operator surfaces of
// the metering API with per-client token buckets.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "shijo",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the rate limiter, by scope.",
	},
	[]string{"scope"},
)

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures a limiter.
type Config struct {
	// Scope labels the limiter in metrics and logs ("webhook", "admin").
	Scope string
	// RequestsPerMinute is the sustained rate per key.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns a limiter config for scope at rpm requests per
// minute with a burst of a tenth of that.
func DefaultConfig(scope string, rpm int) Config {
	return Config{
		Scope:             scope,
		RequestsPerMinute: rpm,
		BurstSize:         max(rpm/10, 1),
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc derives the bucket key for a request.
type KeyFunc func(c *gin.Context) string

// ClientIP keys buckets by the caller's address.
func ClientIP(c *gin.Context) string { return c.ClientIP() }

// Limiter tracks one token bucket per key.
type Limiter struct {
	cfg      Config
	now      func() time.Time
	mu       sync.Mutex
	buckets  map[string]*bucket
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.cleanup()
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		now:     now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
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

// evictIdle drops buckets that would have refilled completely.
func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.refillTime())
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) refillTime() time.Duration {
	if l.cfg.RequestsPerMinute <= 0 {
		return time.Minute
	}
	return time.Duration(float64(l.cfg.BurstSize) / float64(l.cfg.RequestsPerMinute) * float64(time.Minute))
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), seen: now}
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens = min(b.tokens+now.Sub(b.seen).Seconds()*perSecond, float64(l.cfg.BurstSize))
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware rejects requests whose bucket is empty with 429.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	retryAfter := strconv.Itoa(max(int(60/max(l.cfg.RequestsPerMinute, 1)), 1))
	return func(c *gin.Context) {
		if !l.Allow(l.cfg.Scope + ":" + key(c)) {
			rejectedTotal.WithLabelValues(l.cfg.Scope).Inc()
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
