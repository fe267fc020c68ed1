package fhir

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestIdempotencyStore(t *testing.T, ttl time.Duration) *InMemoryIdempotencyStore {
	t.Helper()
	s := NewInMemoryIdempotencyStore(ttl)
	t.Cleanup(s.Stop)
	return s
}

func TestInMemoryIdempotencyStore_SetAndGet(t *testing.T) {
	s := newTestIdempotencyStore(t, time.Hour)
	ctx := context.Background()

	err := s.Set(ctx, &StoredResponse{
		Key:         "key-1",
		RequestHash: RequestHash([]byte(`{"resourceType":"Bundle"}`)),
		StatusCode:  200,
		Body:        []byte(`{"resourceType":"Bundle","type":"batch-response"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Get(ctx, "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected a stored response")
	}
	if got.StatusCode != 200 || string(got.Body) != `{"resourceType":"Bundle","type":"batch-response"}` {
		t.Errorf("unexpected stored response %+v", got)
	}
	if got.CreatedAt.IsZero() || !got.ExpiresAt.Equal(got.CreatedAt.Add(time.Hour)) {
		t.Errorf("expected expiry one hour after creation, got %v -> %v", got.CreatedAt, got.ExpiresAt)
	}
}

func TestInMemoryIdempotencyStore_GetNotFound(t *testing.T) {
	s := newTestIdempotencyStore(t, time.Hour)
	got, err := s.Get(context.Background(), "missing")
	if err != nil || got != nil {
		t.Errorf("expected nil, nil for an unknown key, got %+v %v", got, err)
	}
}

func TestInMemoryIdempotencyStore_TTLExpiration(t *testing.T) {
	s := newTestIdempotencyStore(t, time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	_ = s.Set(ctx, &StoredResponse{Key: "k", StatusCode: 200, Body: []byte("{}")})

	now = now.Add(30 * time.Second)
	if got, _ := s.Get(ctx, "k"); got == nil {
		t.Fatal("expected the entry before the ttl elapses")
	}

	now = now.Add(time.Minute)
	if got, _ := s.Get(ctx, "k"); got != nil {
		t.Error("expected the entry to expire")
	}
}

func TestInMemoryIdempotencyStore_DefaultTTL(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Second} {
		s := newTestIdempotencyStore(t, ttl)
		if s.ttl != DefaultIdempotencyTTL {
			t.Errorf("ttl %v: expected default %v, got %v", ttl, DefaultIdempotencyTTL, s.ttl)
		}
	}
}

func TestInMemoryIdempotencyStore_EvictExpired(t *testing.T) {
	s := newTestIdempotencyStore(t, time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	_ = s.Set(ctx, &StoredResponse{Key: "old"})
	now = now.Add(2 * time.Minute)
	_ = s.Set(ctx, &StoredResponse{Key: "new"})

	s.evictExpired()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entries["old"]; ok {
		t.Error("expected the expired entry to be evicted")
	}
	if _, ok := s.entries["new"]; !ok {
		t.Error("expected the fresh entry to be kept")
	}
}

func TestInMemoryIdempotencyStore_GetReturnsCopy(t *testing.T) {
	s := newTestIdempotencyStore(t, time.Hour)
	ctx := context.Background()
	body := []byte("original")
	_ = s.Set(ctx, &StoredResponse{Key: "k", Body: body})
	body[0] = 'X'

	got, _ := s.Get(ctx, "k")
	got.Body[1] = 'Y'

	again, _ := s.Get(ctx, "k")
	if string(again.Body) != "original" {
		t.Errorf("expected the stored body to be isolated, got %q", again.Body)
	}
}

func TestInMemoryIdempotencyStore_ConcurrentAccess(t *testing.T) {
	s := newTestIdempotencyStore(t, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%10)
			_ = s.Set(ctx, &StoredResponse{Key: key, StatusCode: 200})
			_, _ = s.Get(ctx, key)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		if got, _ := s.Get(ctx, fmt.Sprintf("key-%d", i)); got == nil {
			t.Errorf("expected key-%d to be stored", i)
		}
	}
}

func TestInMemoryIdempotencyStore_StopTwice(t *testing.T) {
	s := NewInMemoryIdempotencyStore(time.Hour)
	s.Stop()
	s.Stop()
}

func TestRequestHash(t *testing.T) {
	a := RequestHash([]byte(`{"resourceType":"Bundle","type":"batch"}`))
	b := RequestHash([]byte(`{"resourceType":"Bundle","type":"batch"}`))
	c := RequestHash([]byte(`{"resourceType":"Bundle","type":"transaction"}`))
	if a != b {
		t.Error("expected identical bodies to hash the same")
	}
	if a == c {
		t.Error("expected different bodies to hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected a hex sha-256 digest, got %d chars", len(a))
	}
}

func TestTenantIdempotencyKey(t *testing.T) {
	tests := []struct {
		tenant, key, want string
	}{
		{"acme", "k1", "acme/k1"},
		{"", "k1", "default/k1"},
	}
	for _, tt := range tests {
		if got := TenantIdempotencyKey(tt.tenant, tt.key); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
	if TenantIdempotencyKey("tenant-a", "k1") == TenantIdempotencyKey("tenant-b", "k1") {
		t.Error("expected different tenants to get different keys")
	}
}

func TestNewRedisIdempotencyStore_Defaults(t *testing.T) {
	s := NewRedisIdempotencyStore(nil, "", 0)
	if s.prefix != "fhir:idempotency:" {
		t.Errorf("expected default prefix, got %q", s.prefix)
	}
	if s.ttl != DefaultIdempotencyTTL {
		t.Errorf("expected default ttl, got %v", s.ttl)
	}

	custom := NewRedisIdempotencyStore(nil, "tenant-a:", time.Minute)
	if custom.prefix != "tenant-a:" || custom.ttl != time.Minute {
		t.Errorf("unexpected store %+v", custom)
	}
}
