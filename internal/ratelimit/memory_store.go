package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps one token bucket per user in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// NewMemoryStore creates a store that prunes idle buckets every 5 minutes.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates a store with a custom prune interval.
// A non-positive interval disables pruning.
func NewMemoryStoreWithCleanup(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:         make(map[string]*TokenBucket),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Allow(ctx context.Context, userID string, capacity, refillRate float64) (bool, float64, error) {
	bucket := s.bucket(userID, capacity, refillRate)
	return bucket.Allow(), bucket.Remaining(), nil
}

func (s *MemoryStore) Remaining(ctx context.Context, userID string, capacity, refillRate float64) (float64, error) {
	return s.bucket(userID, capacity, refillRate).Remaining(), nil
}

func (s *MemoryStore) Reset(ctx context.Context, userID string) error {
	s.mu.RLock()
	bucket, ok := s.buckets[userID]
	s.mu.RUnlock()
	if ok {
		bucket.Reset()
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *MemoryStore) bucket(userID string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, ok := s.buckets[userID]
	s.mu.RUnlock()
	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok = s.buckets[userID]; ok {
		return bucket
	}
	bucket = NewTokenBucket(capacity, refillRate)
	s.buckets[userID] = bucket
	return bucket
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets that have refilled to near capacity, which means
// the user has been idle long enough to forget.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, bucket := range s.buckets {
		if bucket.Remaining() >= bucket.capacity*0.95 {
			delete(s.buckets, userID)
		}
	}
}
