package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nutwallet/observability"
)

// RateLimit bounds requests per client.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles admin requests per route and client address.
type RateLimiter struct {
	limit    RateLimit
	idle     time.Duration
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// NewRateLimiter builds a limiter applying limit to every route.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		idle:     5 * time.Minute,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Middleware rejects requests beyond the limit with 429.
func (r *RateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !r.obtain(route + "|" + clientID(req)).AllowN(r.now(), 1) {
				observability.ModuleMetrics().RecordThrottle(route, "rate_limited")
				writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtain(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idle {
			delete(r.visitors, id)
		}
	}
	if v, ok := r.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	perSecond := r.limit.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := r.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[key] = &visitor{limiter: limiter, lastSeen: now}
	return limiter
}

// clientID relies on chi's RealIP having rewritten RemoteAddr.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
