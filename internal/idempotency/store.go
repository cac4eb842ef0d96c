// Package idempotency provides atomic claim stores used to deduplicate
// webhook deliveries across replicas.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps failures of the backing store.
var ErrUnavailable = errors.New("idempotency: store unavailable")

// Store claims keys atomically. SetIfNotExists reports true only to the first
// caller for a key until the key expires or is released.
type Store interface {
	SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, value string) error
}

// compare-and-delete so a release never drops a claim taken by someone else
// after ours expired.
var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

// RedisStore implements Store with SET NX PX.
type RedisStore struct {
	R redis.UniversalClient
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{R: client}
}

func (s *RedisStore) SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.R == nil {
		return false, ErrUnavailable
	}
	ok, err := s.R.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errors.Join(ErrUnavailable, err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key, value string) error {
	if s == nil || s.R == nil {
		return ErrUnavailable
	}
	if err := releaseScript.Run(ctx, s.R, []string{key}, value).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

// MemoryStore is a process-local Store for tests and single-replica setups.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) SetIfNotExists(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && (e.expiresAt.IsZero() || now.Before(e.expiresAt)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: exp}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.value == value {
		delete(s.entries, key)
	}
	return nil
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
