package middleware

import (
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/playloop/rendezvous/coordinator/observability"
)

// RateLimiter guards the API with a global storm limiter plus per-caller
// token buckets. The caller key is the authenticated user when present and
// the remote host otherwise, so login storms from one address are throttled
// without an account.
type RateLimiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	r       rate.Limit
	b       int
}

// NewRateLimiter uses the deployment defaults: 100 req/s (burst 200) across
// the process and 5 req/s (burst 10) per caller.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(rate.Limit(100), 200),
		buckets: make(map[string]*rate.Limiter),
		r:       rate.Limit(5),
		b:       10,
	}
}

// Limit wraps next with both checks. The endpoint name labels the rejection
// metric.
func (l *RateLimiter) Limit(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.global.Allow() {
			l.reject(w, endpoint)
			return
		}
		if !l.allowKey(callerKey(r)) {
			l.reject(w, endpoint)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allowKey(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.r, l.b)
		l.buckets[key] = bucket
	}
	return bucket.Allow()
}

// reject answers 429 with a jittered Retry-After so synchronized clients
// spread their retries.
func (l *RateLimiter) reject(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	w.Header().Set("Retry-After", strconv.Itoa(1+rand.Intn(2)))
	writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
}

func callerKey(r *http.Request) string {
	if id, ok := IdentityFromContext(r.Context()); ok {
		return id.UserID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
