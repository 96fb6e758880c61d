package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Save(ctx, "k", "h", Response{Status: 201}, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}
	now = now.Add(59 * time.Second)
	if _, found, _ := s.Check(ctx, "k", "h"); !found {
		t.Fatal("entry expired early")
	}
	now = now.Add(time.Second)
	if _, found, _ := s.Check(ctx, "k", "h"); found {
		t.Fatal("entry outlived its TTL")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want expired entry removed", s.Len())
	}
}
