package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit expresses a token bucket in requests per minute.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// KeyFunc extracts the identity a request is throttled under. An empty key
// falls back to the client IP.
type KeyFunc func(r *http.Request) string

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per identity with idle buckets evicted.
type RateLimiter struct {
	limit    RateLimit
	key      KeyFunc
	idle     time.Duration
	now      func() time.Time
	rejected func(w http.ResponseWriter, r *http.Request)

	mu        sync.Mutex
	visitors  map[string]*rateEntry
	lastSweep time.Time
}

// RateLimiterOption customises the limiter.
type RateLimiterOption func(*RateLimiter)

// WithKeyFunc throttles by a derived identity, such as a session address.
func WithKeyFunc(fn KeyFunc) RateLimiterOption {
	return func(r *RateLimiter) { r.key = fn }
}

// WithRateClock injects the clock used for bucket refill and eviction.
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiter) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRejectHandler overrides the 429 response.
func WithRejectHandler(fn func(w http.ResponseWriter, r *http.Request)) RateLimiterOption {
	return func(r *RateLimiter) { r.rejected = fn }
}

// NewRateLimiter builds a limiter. A non-positive rate disables throttling.
func NewRateLimiter(limit RateLimit, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		limit:    limit,
		idle:     10 * time.Minute,
		now:      time.Now,
		visitors: make(map[string]*rateEntry),
	}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.rejected == nil {
		rl.rejected = func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}
	return rl
}

// Allow reports whether identity may proceed now.
func (r *RateLimiter) Allow(identity string) bool {
	if r == nil || r.limit.RequestsPerMinute <= 0 {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	entry, ok := r.visitors[identity]
	if !ok {
		burst := r.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), burst)}
		r.visitors[identity] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.idle {
		return
	}
	r.lastSweep = now
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) >= r.idle {
			delete(r.visitors, id)
		}
	}
}

// Middleware wraps next with the limiter.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		identity := ""
		if r.key != nil {
			identity = r.key(req)
		}
		if identity == "" {
			identity = "ip:" + ClientIP(req)
		}
		if !r.Allow(identity) {
			w.Header().Set("Retry-After", "60")
			r.rejected(w, req)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// ClientIP returns the caller address, honouring X-Real-IP and the first
// X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
