package ratelimit

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// UserIDFunc extracts the rate limit key from a request. An empty return
// means the request is not limited.
type UserIDFunc func(*http.Request) string

// Middleware wraps an HTTP handler with per-user rate limiting.
type Middleware struct {
	limiter *Limiter
	enabled bool
	userID  UserIDFunc
	logger  *log.Logger
}

// NewMiddleware creates a rate limiting middleware. userID is required
// when enabled.
func NewMiddleware(limiter *Limiter, enabled bool, userID UserIDFunc, logger *log.Logger) *Middleware {
	return &Middleware{limiter: limiter, enabled: enabled, userID: userID, logger: logger}
}

// Wrap applies rate limiting to next. Disabled middleware passes the
// handler through untouched.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := m.userID(r)
		if !m.limiter.Allow(r.Context(), userID) {
			m.setHeaders(w, r, userID)
			if m.logger != nil {
				m.logger.Printf("rate limit exceeded user=%s path=%s", userID, r.URL.Path)
			}
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		m.setHeaders(w, r, userID)
		next.ServeHTTP(w, r)
	})
}

// setHeaders adds draft-polli-ratelimit-headers style response headers.
func (m *Middleware) setHeaders(w http.ResponseWriter, r *http.Request, userID string) {
	if userID == "" {
		return
	}
	limit := m.limiter.Capacity()
	remaining := m.limiter.Remaining(r.Context(), userID)
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))
	if remaining < limit {
		secondsToFull := (limit - remaining) / m.limiter.RefillRate()
		reset := time.Now().Add(time.Duration(secondsToFull * float64(time.Second)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}
