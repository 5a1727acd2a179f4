package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// OAuthState is the pending half of an authorization-code round trip.
type OAuthState struct {
	Provider  string    `json:"provider"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
}

// StateStore holds pending OAuth states with an explicit TTL. Take is
// single-use: a state can be redeemed at most once.
type StateStore interface {
	Put(ctx context.Context, key string, st OAuthState, ttl time.Duration) error
	Take(ctx context.Context, key string) (OAuthState, error)
}

// RedisStateStore shares pending states across service instances and
// survives restarts. Expiry is enforced by Redis.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "oauth_state:"
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) Put(ctx context.Context, key string, st OAuthState, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis put state: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *RedisStateStore) Take(ctx context.Context, key string) (OAuthState, error) {
	data, err := s.client.GetDel(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return OAuthState{}, ErrNotFound
		}
		return OAuthState{}, fmt.Errorf("redis take state: %w", err)
	}
	var st OAuthState
	if err := json.Unmarshal(data, &st); err != nil {
		return OAuthState{}, err
	}
	return st, nil
}

// Ping checks if the Redis connection is healthy.
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStateStore is the single-instance StateStore. Expired entries are
// ignored by Take and removed by Sweep.
type MemoryStateStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memState
}

type memState struct {
	state     OAuthState
	expiresAt time.Time
}

func NewMemoryStateStore(now func() time.Time) *MemoryStateStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStateStore{now: now, entries: make(map[string]memState)}
}

func (s *MemoryStateStore) Put(_ context.Context, key string, st OAuthState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return ErrConflict
	}
	s.entries[key] = memState{state: st, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Take(_ context.Context, key string) (OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return OAuthState{}, ErrNotFound
	}
	delete(s.entries, key)
	if !s.now().Before(e.expiresAt) {
		return OAuthState{}, ErrNotFound
	}
	return e.state, nil
}

// Sweep drops expired entries and reports how many were removed.
func (s *MemoryStateStore) Sweep(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}
