package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter tracks a client IP's last activity alongside its bucket so
// idle entries can be reaped.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter throttles the control-channel upgrade endpoint per
// remote IP, independent of the post-handshake qvlcache.Limiter that
// throttles quote verification calls.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

// NewIPRateLimiter builds a limiter allowing requestsPerMinute per IP,
// with a burst equal to that same count.
func NewIPRateLimiter(requestsPerMinute int) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    requestsPerMinute,
	}
	go l.reapLoop()
	return l
}

func (l *IPRateLimiter) reapLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		l.reap(24 * time.Hour)
	}
}

func (l *IPRateLimiter) reap(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, entry := range l.limiters {
		if time.Since(entry.lastSeen) > maxAge {
			delete(l.limiters, ip)
		}
	}
}

func (l *IPRateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow reports whether ip is still within its per-minute budget,
// consuming one token if so. Used directly by handlers (e.g. the
// WebSocket upgrade path) that can't run as a chi middleware because
// they terminate the request themselves.
func (l *IPRateLimiter) Allow(ip string) bool {
	return l.limiterFor(ip).Allow()
}

// RemoteIP extracts the client IP a rate limiter keys on, preferring
// X-Forwarded-For over RemoteAddr.
func RemoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

// Middleware rejects requests beyond the per-IP budget with 429.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(RemoteIP(r)) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
