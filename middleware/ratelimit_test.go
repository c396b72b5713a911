package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, WithRateClock(clock.Now))
	handler := limiter.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/claim", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	clock.Advance(time.Second)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected refill after one second, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesIdentities(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, WithKeyFunc(func(r *http.Request) string {
		return r.Header.Get("X-Wallet")
	}))
	handler := limiter.Middleware(okHandler())

	for _, wallet := range []string{"0xaa", "0xbb"} {
		req := httptest.NewRequest(http.MethodPost, "/claim", nil)
		req.Header.Set("X-Wallet", wallet)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected %s to be admitted, got %d", wallet, res.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/claim", nil)
	req.Header.Set("X-Wallet", "0xaa")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected repeat from 0xaa to be limited, got %d", res.Code)
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, WithRateClock(clock.Now))
	limiter.Allow("a")
	limiter.Allow("b")
	clock.Advance(11 * time.Minute)
	limiter.Allow("c")
	limiter.mu.Lock()
	n := len(limiter.visitors)
	limiter.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected idle buckets evicted, %d remain", n)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{})
	for i := 0; i < 10; i++ {
		if !limiter.Allow("x") {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	if got := ClientIP(req); got != "10.0.0.9" {
		t.Fatalf("unexpected remote ip %s", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.7" {
		t.Fatalf("unexpected forwarded ip %s", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.2")
	if got := ClientIP(req); got != "198.51.100.2" {
		t.Fatalf("unexpected real ip %s", got)
	}
}
