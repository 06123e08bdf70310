// Package ratelimit applies per-user request rate limits in front of
// the chat endpoints.
package ratelimit

import (
	"context"
)

// Store is the rate limit storage backend. The in-memory implementation
// suits a single instance; a distributed deployment would swap in a
// shared store.
type Store interface {
	// Allow checks and consumes one token for the user's bucket.
	Allow(ctx context.Context, userID string, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// Remaining reports the user's available tokens without consuming.
	Remaining(ctx context.Context, userID string, capacity, refillRate float64) (float64, error)

	// Reset refills the user's bucket.
	Reset(ctx context.Context, userID string) error

	// Close releases resources.
	Close() error
}

// Limiter enforces a per-user token bucket over a pluggable store.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
}

// Config holds limiter settings.
type Config struct {
	Store Store // defaults to MemoryStore

	RequestsPerSecond float64 // sustained rate per user
	BurstSize         float64 // burst capacity per user
}

// NewLimiter creates a limiter, applying defaults for unset fields
// (10 req/sec sustained, 20 burst).
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:      store,
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
	}
}

// Allow reports whether a request from the user should proceed. Unknown
// users and store errors fail open.
func (l *Limiter) Allow(ctx context.Context, userID string) bool {
	if userID == "" {
		return true
	}
	allowed, _, err := l.store.Allow(ctx, userID, l.capacity, l.refillRate)
	if err != nil {
		return true
	}
	return allowed
}

// Remaining returns the user's available tokens.
func (l *Limiter) Remaining(ctx context.Context, userID string) float64 {
	if userID == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(ctx, userID, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// Reset refills the user's bucket.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	return l.store.Reset(ctx, userID)
}

// Capacity returns the configured burst size.
func (l *Limiter) Capacity() float64 { return l.capacity }

// RefillRate returns the configured sustained rate.
func (l *Limiter) RefillRate() float64 { return l.refillRate }

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
