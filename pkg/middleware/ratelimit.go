package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/velocart/checkout/pkg/httputil"
)

// caller tracks a rate limiter per caller identity.
type caller struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// callerStore manages per-caller rate limiters with automatic cleanup of
// stale entries.
type callerStore struct {
	mu      sync.Mutex
	callers map[string]*caller
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	nowFunc func() time.Time // injectable clock for testing
}

// newCallerStore creates a store with the given rate parameters and TTL.
// It starts a background cleanup goroutine that runs every ttl interval.
func newCallerStore(limit rate.Limit, burst int, ttl time.Duration) *callerStore {
	s := &callerStore{
		callers: make(map[string]*caller),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		nowFunc: time.Now,
	}
	go s.cleanupLoop()
	return s
}

// get returns (or creates) a rate limiter for the given key and updates
// lastSeen on every call.
func (s *callerStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.callers[key]
	if !exists {
		limiter := rate.NewLimiter(s.limit, s.burst)
		s.callers[key] = &caller{limiter: limiter, lastSeen: s.nowFunc()}
		return limiter
	}
	c.lastSeen = s.nowFunc()
	return c.limiter
}

// cleanupLoop runs a ticker that evicts callers not seen within the TTL.
func (s *callerStore) cleanupLoop() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for range ticker.C {
		s.cleanup()
	}
}

// cleanup evicts all callers whose lastSeen is older than the TTL.
func (s *callerStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for key, c := range s.callers {
		if now.Sub(c.lastSeen) > s.ttl {
			delete(s.callers, key)
		}
	}
}

// len returns the number of tracked callers (used in tests).
func (s *callerStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callers)
}

// RateLimitPerCaller returns middleware that enforces a token bucket limit of
// perMinute requests per minute (with the given burst) for each caller. The
// key is the authenticated caller identity when present, the client IP
// otherwise. Returns HTTP 429 when the limit is exceeded.
func RateLimitPerCaller(perMinute, burst int, logger *slog.Logger) func(http.Handler) http.Handler {
	const cleanupInterval = 3 * time.Minute
	store := newCallerStore(rate.Limit(float64(perMinute)/60.0), burst, cleanupInterval)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserIDFromContext(r.Context())
			if key == "" {
				key = r.Header.Get(HeaderUserID)
			}
			if key == "" {
				key = clientIP(r)
			}

			if !store.get(key).Allow() {
				logger.Warn("rate limit exceeded",
					slog.String("caller", key),
					slog.String("path", r.URL.Path),
				)
				httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.Response{
					Error: &httputil.ErrorResponse{
						Code:    "RATE_LIMITED",
						Message: "too many requests",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP address from the request. It checks
// X-Forwarded-For and X-Real-IP headers before falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip.String()
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
