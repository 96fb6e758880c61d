// Package idempotency de-duplicates action requests carrying an
// X-Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/procflow/model"
)

// Response is the recorded outcome of an action request.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store remembers responses by key for a TTL.
type Store interface {
	// Check looks up a previous response. A key recorded with a different
	// body hash returns CONFLICT.
	Check(ctx context.Context, key, bodyHash string) (resp *Response, found bool, err error)

	// Save records resp under key with a TTL.
	Save(ctx context.Context, key, bodyHash string, resp Response, ttl time.Duration) error

	HealthCheck(ctx context.Context) error
}

type entry struct {
	BodyHash string   `json:"body_hash"`
	Response Response `json:"response"`
}

// Key builds the storage key for a user's request. Keys are scoped per user
// and route so two callers cannot collide.
func Key(user, route, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", user, route, key)
}

// HashBody returns the hex SHA-256 of a request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// --- MemoryStore ---

// MemoryStore keeps entries in process memory. Suitable for tests and single
// replica deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

func (s *MemoryStore) Check(_ context.Context, key, bodyHash string) (*Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if e.data.BodyHash != bodyHash {
		return nil, true, conflict(key)
	}
	resp := e.data.Response
	return &resp, true, nil
}

func (s *MemoryStore) Save(_ context.Context, key, bodyHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{BodyHash: bodyHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore keeps entries in Redis with native key expiry.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Check(ctx context.Context, key, bodyHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.BodyHash != bodyHash {
		return nil, true, conflict(key)
	}
	return &e.Response, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key, bodyHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{BodyHash: bodyHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
