package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery     = 5 * time.Minute
	limiterIdleEvictAfter = 10 * time.Minute
)

// rateLimiter hands out one token bucket per client IP, backed by
// golang.org/x/time/rate. Buckets idle past the eviction threshold are
// swept inline from allow, so the map cannot grow without bound and no
// background goroutine is needed.
type rateLimiter struct {
	mu        sync.Mutex
	perIP     map[string]*ipBucket
	limit     rate.Limit
	burst     int
	nextSweep time.Time
}

type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// newRateLimiter creates a limiter refilling r tokens per second with
// the given burst per IP.
func newRateLimiter(r float64, burst int) *rateLimiter {
	return &rateLimiter{
		perIP:     make(map[string]*ipBucket),
		limit:     rate.Limit(r),
		burst:     burst,
		nextSweep: time.Now().Add(limiterSweepEvery),
	}
}

// allow reports whether a request from ip may proceed, spending one
// token from its bucket.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.After(rl.nextSweep) {
		rl.sweepLocked(now)
	}

	b := rl.perIP[ip]
	if b == nil {
		b = &ipBucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.perIP[ip] = b
	}
	b.seen = now
	return b.lim.Allow()
}

func (rl *rateLimiter) sweepLocked(now time.Time) {
	for ip, b := range rl.perIP {
		if now.Sub(b.seen) > limiterIdleEvictAfter {
			delete(rl.perIP, ip)
		}
	}
	rl.nextSweep = now.Add(limiterSweepEvery)
}

// rateLimitMiddleware limits mutating requests per IP. Safe methods
// pass through untouched: the expensive routes are all POSTs (uploads,
// triggers, query proxy), while status polling is what well-behaved
// clients do in a loop.
func rateLimitMiddleware(rl *rateLimiter, trustProxy bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r, trustProxy)
			if !rl.allow(ip) {
				logger.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the address a request is limited under.
//
// Behind a reverse proxy (trustProxy) the X-Real-IP and X-Forwarded-For
// headers name the real client; values must parse as IPs so a forged
// header cannot plant arbitrary strings as limiter keys. Directly
// exposed, only RemoteAddr is trusted.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := headerIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		// First hop in X-Forwarded-For is the originating client.
		xff := r.Header.Get("X-Forwarded-For")
		if first, _, ok := strings.Cut(xff, ","); ok {
			xff = first
		}
		if ip := headerIP(xff); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// headerIP validates a proxy-supplied address, returning "" when it is
// absent or not an IP.
func headerIP(raw string) string {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return ""
	}
	return ip.String()
}
