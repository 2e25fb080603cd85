package identity_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

type fakeGraphSource struct {
	graphs map[string]store.VirtualKeyGraph
}

func (f *fakeGraphSource) ResolveVirtualKey(_ context.Context, keyHashHex string) (store.VirtualKeyGraph, error) {
	g, ok := f.graphs[keyHashHex]
	if !ok {
		return store.VirtualKeyGraph{}, store.ErrVirtualKeyNotFound
	}
	return g, nil
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestResolve_MasterKeyBypassesStore(t *testing.T) {
	src := &fakeGraphSource{graphs: map[string]store.VirtualKeyGraph{}}
	r := identity.New(src, []string{"master-secret"})

	res, err := r.Resolve(context.Background(), "master-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsMasterKey {
		t.Fatal("expected IsMasterKey=true")
	}
	if res.Graph.VirtualKey.ID != domain.NilVirtualKeySentinel {
		t.Fatalf("expected nil-uuid sentinel, got %v", res.Graph.VirtualKey.ID)
	}
}

func TestResolve_VirtualKeyMatch(t *testing.T) {
	vkID := uuid.New()
	src := &fakeGraphSource{graphs: map[string]store.VirtualKeyGraph{
		hashOf("sk-live-abc"): {VirtualKey: domain.VirtualKey{ID: vkID}},
	}}
	r := identity.New(src, nil)

	res, err := r.Resolve(context.Background(), "sk-live-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsMasterKey {
		t.Fatal("expected IsMasterKey=false")
	}
	if res.Graph.VirtualKey.ID != vkID {
		t.Fatalf("expected virtual key %v, got %v", vkID, res.Graph.VirtualKey.ID)
	}
}

func TestResolve_UnknownCredentialUnauthorized(t *testing.T) {
	src := &fakeGraphSource{graphs: map[string]store.VirtualKeyGraph{}}
	r := identity.New(src, []string{"master-secret"})

	_, err := r.Resolve(context.Background(), "sk-nonexistent")
	if !errors.Is(err, identity.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestResolve_BlockedVirtualKeyUnauthorized(t *testing.T) {
	src := &fakeGraphSource{graphs: map[string]store.VirtualKeyGraph{
		hashOf("sk-blocked"): {VirtualKey: domain.VirtualKey{ID: uuid.New(), Blocked: true}},
	}}
	r := identity.New(src, nil)

	_, err := r.Resolve(context.Background(), "sk-blocked")
	if !errors.Is(err, identity.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
