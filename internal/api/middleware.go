package api

import (
	"net/http"
	"slices"
	"sync"

	"golang.org/x/time/rate"
)

// Browser-facing CORS surface. The method and header lists mirror the
// route table, so they are fixed strings rather than configuration;
// only the origin allowlist comes from config.
const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Accept, Authorization, Content-Type, X-API-Key"
	corsMaxAge  = "86400"
)

const (
	defaultRateLimitRPS   = 10
	defaultRateLimitBurst = 20
)

// corsMiddleware grants cross-origin access to the configured origins.
// An empty allowlist or a "*" entry admits any origin.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || (!allowAll && !slices.Contains(origins, origin)) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			if r.Method == http.MethodOptions {
				h := w.Header()
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// visitorLimiter keeps one token bucket per client IP.
type visitorLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newVisitorLimiter(rps float64, burst int) *visitorLimiter {
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	return &visitorLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

func (v *visitorLimiter) allow(ip string) bool {
	v.mu.Lock()
	b, ok := v.buckets[ip]
	if !ok {
		b = rate.NewLimiter(v.limit, v.burst)
		v.buckets[ip] = b
	}
	v.mu.Unlock()
	return b.Allow()
}

// middleware rejects clients that drain their bucket with a 429. The
// client IP comes from X-Real-IP when a proxy sets it.
func (v *visitorLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Real-IP")
		if ip == "" {
			ip = r.RemoteAddr
		}

		if !v.allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
