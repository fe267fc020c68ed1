package fhir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is how long a bundle response stays replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

// TenantIdempotencyKey namespaces a client's Idempotency-Key by tenant, so
// equal keys from different tenants never share a stored response.
func TenantIdempotencyKey(tenant, key string) string {
	if tenant == "" {
		tenant = "default"
	}
	return tenant + "/" + key
}

// StoredResponse is a bundle response kept for replay under an
// Idempotency-Key.
type StoredResponse struct {
	Key         string    `json:"key"`
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IdempotencyStore persists responses by key. Implementations must be safe
// for concurrent use.
type IdempotencyStore interface {
	// Get returns the stored response, or nil when the key is unknown or expired.
	Get(ctx context.Context, key string) (*StoredResponse, error)
	Set(ctx context.Context, resp *StoredResponse) error
}

// RequestHash fingerprints a request body so a reused key with a different
// bundle can be told apart from a retry.
func RequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// InMemoryIdempotencyStore is a concurrency-safe, in-memory implementation
// of IdempotencyStore with TTL-based expiration and background cleanup.
type InMemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*StoredResponse
	ttl     time.Duration
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewInMemoryIdempotencyStore creates the store. A background goroutine
// evicts expired entries every interval; ttl <= 0 uses DefaultIdempotencyTTL.
func NewInMemoryIdempotencyStore(ttl time.Duration) *InMemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	s := &InMemoryIdempotencyStore{
		entries: make(map[string]*StoredResponse),
		ttl:     ttl,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop(time.Hour)
	return s
}

func (s *InMemoryIdempotencyStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (s *InMemoryIdempotencyStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *InMemoryIdempotencyStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
		}
	}
}

func (s *InMemoryIdempotencyStore) Get(_ context.Context, key string) (*StoredResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || s.nowFunc().After(entry.ExpiresAt) {
		return nil, nil
	}
	cp := *entry
	cp.Body = append([]byte(nil), entry.Body...)
	return &cp, nil
}

func (s *InMemoryIdempotencyStore) Set(_ context.Context, resp *StoredResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *resp
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.nowFunc()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	cp.Body = append([]byte(nil), resp.Body...)
	s.entries[resp.Key] = &cp
	return nil
}

// RedisIdempotencyStore keeps responses in Redis so every replica can replay
// them. Keys are namespaced with prefix and expire after ttl.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed store.
func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if prefix == "" {
		prefix = "fhir:idempotency:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*StoredResponse, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get idempotency key: %w", err)
	}
	var resp StoredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &resp, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, resp *StoredResponse) error {
	cp := *resp
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+resp.Key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set idempotency key: %w", err)
	}
	return nil
}
