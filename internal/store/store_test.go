package store

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

func TestStore_CacheRoundTrip(t *testing.T) {
	s := &Store{cache: make(map[string]graphEntry)}

	g := VirtualKeyGraph{VirtualKey: domain.VirtualKey{ID: uuid.New()}}
	s.cacheSet("abc", g)

	got, ok := s.cacheGet("abc")
	if !ok {
		t.Fatal("expected cache hit immediately after set")
	}
	if got.VirtualKey.ID != g.VirtualKey.ID {
		t.Fatalf("cached graph mismatch: got %v want %v", got.VirtualKey.ID, g.VirtualKey.ID)
	}
}

func TestStore_CacheExpires(t *testing.T) {
	s := &Store{cache: make(map[string]graphEntry)}
	s.mu.Lock()
	s.cache["abc"] = graphEntry{graph: VirtualKeyGraph{}, expiresAt: time.Now().Add(-time.Second)}
	s.mu.Unlock()

	if _, ok := s.cacheGet("abc"); ok {
		t.Fatal("expected cache miss for an expired entry")
	}
}

func TestStore_CacheMiss(t *testing.T) {
	s := &Store{cache: make(map[string]graphEntry)}
	if _, ok := s.cacheGet("nope"); ok {
		t.Fatal("expected cache miss for an unseen key")
	}
}

func TestStore_InvalidateVirtualKey(t *testing.T) {
	s := &Store{cache: make(map[string]graphEntry)}
	s.cacheSet("abc", VirtualKeyGraph{})

	s.InvalidateVirtualKey("abc")

	if _, ok := s.cacheGet("abc"); ok {
		t.Fatal("expected cache miss after invalidate")
	}
}
