// Package identity implements the Identity Resolver (spec.md §4.A):
// mapping an inbound bearer credential to a virtual_key (project, allowed
// deployments, limit triples), or recognizing a master key that bypasses
// quota and routing scoping entirely.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// ErrUnauthorized is returned for a credential that matches no virtual key,
// matches no master key, or has been blocked by the admin surface (spec.md
// §4.A: "Unauthorized (no key match or blocked)"; §7: terminal, 401).
var ErrUnauthorized = errors.New("identity: unauthorized")

// ErrForbidden names the case where a resolved virtual key cannot reach the
// requested deployment (§7: terminal, 403). Resolve never returns it; the
// Deployment Router reports that case with its own 403 error.
var ErrForbidden = errors.New("identity: forbidden")

// Resolution is the outcome of resolving one inbound credential.
type Resolution struct {
	// IsMasterKey is true when credential matched an application-level
	// master key rather than a virtual_key row.
	IsMasterKey bool

	// Graph is the resolved routing graph. For a master key, Graph.
	// VirtualKey.ID is domain.NilVirtualKeySentinel and Project/Deployments
	// are zero value — a master key is not scoped to any project.
	Graph store.VirtualKeyGraph
}

// GraphSource is the subset of *store.Store the resolver needs.
type GraphSource interface {
	ResolveVirtualKey(ctx context.Context, keyHashHex string) (store.VirtualKeyGraph, error)
}

// Resolver resolves inbound bearer credentials to a Resolution.
type Resolver struct {
	masterKeys [][]byte // sha256 digests, compared in constant time
	store      GraphSource
}

// New creates a Resolver. masterKeys are the plaintext master keys from
// configuration; they are hashed once up front so comparison never retains
// the plaintext value beyond construction.
func New(store GraphSource, masterKeys []string) *Resolver {
	digests := make([][]byte, len(masterKeys))
	for i, k := range masterKeys {
		sum := sha256.Sum256([]byte(k))
		digests[i] = sum[:]
	}
	return &Resolver{masterKeys: digests, store: store}
}

// Resolve maps credential (the raw bearer token from the Authorization
// header) to a Resolution. A master-key match bypasses virtual-key lookup
// entirely, per spec.md §4.A.
func (r *Resolver) Resolve(ctx context.Context, credential string) (Resolution, error) {
	if r.matchesMasterKey(credential) {
		return Resolution{
			IsMasterKey: true,
			Graph: store.VirtualKeyGraph{
				VirtualKey: domain.VirtualKey{ID: domain.NilVirtualKeySentinel},
			},
		}, nil
	}

	hash := sha256.Sum256([]byte(credential))
	graph, err := r.store.ResolveVirtualKey(ctx, hex.EncodeToString(hash[:]))
	if err != nil {
		if errors.Is(err, store.ErrVirtualKeyNotFound) {
			return Resolution{}, ErrUnauthorized
		}
		return Resolution{}, err
	}

	if graph.VirtualKey.Blocked {
		return Resolution{}, ErrUnauthorized
	}

	return Resolution{Graph: graph}, nil
}

// matchesMasterKey reports whether credential's digest matches any
// configured master key, in constant time with respect to each candidate.
func (r *Resolver) matchesMasterKey(credential string) bool {
	sum := sha256.Sum256([]byte(credential))
	for _, digest := range r.masterKeys {
		if subtle.ConstantTimeCompare(sum[:], digest) == 1 {
			return true
		}
	}
	return false
}
