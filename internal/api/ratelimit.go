package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorTTL      = 3 * time.Minute
	visitorSweepGap = time.Minute
)

// DeleteRateLimiter limits destructive requests per client IP.
type DeleteRateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// visitor tracks the rate limiter and last seen time for an IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewDeleteRateLimiter allows perSecond sustained requests per client with
// bursts of up to burst.
func NewDeleteRateLimiter(perSecond float64, burst int) *DeleteRateLimiter {
	return &DeleteRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// limiterFor returns the limiter for ip, creating it if necessary. Idle
// visitors are swept at most once per visitorSweepGap.
func (rl *DeleteRateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= visitorSweepGap {
		for key, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(rl.visitors, key)
			}
		}
		rl.lastSweep = now
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// clientIP strips the port from RemoteAddr. RealIP middleware upstream has
// already substituted a proxied address when one is trusted.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// Middleware rejects requests over the limit with 429 and Retry-After.
func (rl *DeleteRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiterFor(clientIP(r)).AllowN(rl.now(), 1) {
			w.Header().Set("Retry-After", retryAfterSeconds)
			WriteProblem(w, r, http.StatusTooManyRequests, "Too many delete requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
