package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rpm, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return newLimiter(Config{Scope: "test", RequestsPerMinute: rpm, BurstSize: burst}, clock.now), clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(60, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Errorf("request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("request after burst should be denied")
	}

	// 60/min refills one token per second.
	clock.advance(time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Error("request after refill should be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("only one token should have been refilled")
	}
}

func TestLimiterRefillIsCapped(t *testing.T) {
	limiter, clock := newTestLimiter(60, 2)
	limiter.Allow("k")
	limiter.Allow("k")

	clock.advance(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d after long idle, want burst size 2", allowed)
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(60, 3)

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("client B should not be affected by client A")
	}
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter, clock := newTestLimiter(60, 5)
	limiter.Allow("stale")
	clock.advance(10 * time.Second)
	limiter.Allow("fresh")

	limiter.evictIdle()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.buckets["stale"]; ok {
		t.Error("stale bucket should be evicted")
	}
	if _, ok := limiter.buckets["fresh"]; !ok {
		t.Error("fresh bucket should be kept")
	}
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	limiter := New(DefaultConfig("admin", 60))
	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(60, 2)

	r := gin.New()
	r.Use(limiter.Middleware(ClientIP))
	r.POST("/v1/webhooks/stripe", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", nil)
		req.RemoteAddr = "192.0.2.7:4242"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Error("429 must carry Retry-After")
		}
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("status codes = %v, want %v", codes, want)
		}
	}

	// Another client is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", nil)
	req.RemoteAddr = "192.0.2.8:4242"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("second client status = %d, want 200", w.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("webhook", 600)
	if cfg.BurstSize != 60 {
		t.Errorf("BurstSize = %d, want 60", cfg.BurstSize)
	}
	if DefaultConfig("admin", 5).BurstSize != 1 {
		t.Error("burst must be at least 1")
	}
}
