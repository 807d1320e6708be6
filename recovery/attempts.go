package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptTTL is the default window during which a recorded recovery
// attempt blocks further attempts for the same request.
const AttemptTTL = 5 * time.Minute

// AttemptStore enforces the one-strike policy. Entries are keyed per
// request, so independent requests never contend.
type AttemptStore interface {
	// Begin records a recovery attempt for requestID. It returns false
	// when an attempt was already recorded within the TTL window, in which
	// case the caller must fail instead of retrying.
	Begin(ctx context.Context, requestID string) (bool, error)

	// Clear removes the attempt record after a successful recovery.
	Clear(ctx context.Context, requestID string) error
}

// MemoryAttemptStore is an in-process AttemptStore.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryAttemptStore creates an empty in-memory attempt store. A zero
// ttl uses AttemptTTL.
func NewMemoryAttemptStore(ttl time.Duration) *MemoryAttemptStore {
	if ttl <= 0 {
		ttl = AttemptTTL
	}
	return &MemoryAttemptStore{
		attempts: make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemoryAttemptStore) Begin(_ context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if at, ok := s.attempts[requestID]; ok && now.Sub(at) < s.ttl {
		return false, nil
	}
	// Expired entries for other requests are collected lazily here rather
	// than by a background sweeper; the map only ever holds requests that
	// overflowed in the last few minutes.
	for id, at := range s.attempts {
		if now.Sub(at) >= s.ttl {
			delete(s.attempts, id)
		}
	}
	s.attempts[requestID] = now
	return true, nil
}

func (s *MemoryAttemptStore) Clear(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, requestID)
	return nil
}

// RedisAttemptStore is an AttemptStore backed by Redis, for multi-node
// deployments where retries of the same request may land on any node.
type RedisAttemptStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAttemptStore wraps an existing Redis client. A zero ttl uses
// AttemptTTL.
func NewRedisAttemptStore(client *redis.Client, ttl time.Duration) *RedisAttemptStore {
	if ttl <= 0 {
		ttl = AttemptTTL
	}
	return &RedisAttemptStore{client: client, ttl: ttl}
}

func attemptKey(requestID string) string {
	return fmt.Sprintf("recovery:attempt:%s", requestID)
}

func (s *RedisAttemptStore) Begin(ctx context.Context, requestID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, attemptKey(requestID), time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("attempt store begin failed: %w", err)
	}
	return ok, nil
}

func (s *RedisAttemptStore) Clear(ctx context.Context, requestID string) error {
	if err := s.client.Del(ctx, attemptKey(requestID)).Err(); err != nil {
		return fmt.Errorf("attempt store clear failed: %w", err)
	}
	return nil
}
