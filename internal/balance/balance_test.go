package balance_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/balance"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

func conns(weights ...int) []domain.DeploymentConnection {
	out := make([]domain.DeploymentConnection, len(weights))
	for i, w := range weights {
		out[i] = domain.DeploymentConnection{
			Connection: domain.Connection{ID: uuid.New()},
			Weight:     w,
		}
	}
	return out
}

func noneTried() map[uuid.UUID]bool { return map[uuid.UUID]bool{} }

func TestPick_RoundRobinRotates(t *testing.T) {
	b := balance.New()
	cs := conns(1, 1, 1)

	first, err := b.Pick("dep", domain.StrategyRoundRobin, cs, noneTried())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := b.Pick("dep", domain.StrategyRoundRobin, cs, noneTried())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Connection.ID == second.Connection.ID {
		t.Fatal("expected round robin to rotate the pick between calls")
	}
}

func TestPick_ExcludesTried(t *testing.T) {
	b := balance.New()
	cs := conns(1, 1, 1)

	tried := noneTried()
	for i := 0; i < len(cs); i++ {
		cand, err := b.Pick("dep", domain.StrategyRoundRobin, cs, tried)
		if err != nil {
			t.Fatalf("unexpected error on attempt %d: %v", i, err)
		}
		if tried[cand.Connection.ID] {
			t.Fatalf("attempt %d repicked an already-tried connection", i)
		}
		tried[cand.Connection.ID] = true
	}

	if _, err := b.Pick("dep", domain.StrategyRoundRobin, cs, tried); err == nil {
		t.Fatal("expected an error once every connection has been tried")
	}
}

func TestPick_NoConnections(t *testing.T) {
	b := balance.New()
	if _, err := b.Pick("dep", domain.StrategyRoundRobin, nil, noneTried()); err == nil {
		t.Fatal("expected an error for a deployment with no connections")
	}
}

// TestPick_WeightedRoundRobinExactSequence asserts the exact SWRR
// interleaving spec.md's scenario S3 requires for weights 3:1 — one Pick
// call per selection, tried reset each call (no failover), matching "in any
// window of sum(weights) selections the count per connection equals its
// weight exactly".
func TestPick_WeightedRoundRobinExactSequence(t *testing.T) {
	b := balance.New()
	cs := conns(3, 1)
	heavy, light := cs[0].Connection.ID, cs[1].Connection.ID

	want := []uuid.UUID{heavy, heavy, light, heavy, heavy, heavy, light, heavy}
	for i, w := range want {
		cand, err := b.Pick("dep", domain.StrategyWeightedRoundRobin, cs, noneTried())
		if err != nil {
			t.Fatalf("unexpected error at selection %d: %v", i, err)
		}
		if cand.Connection.ID != w {
			t.Fatalf("selection %d: got %v, want %v", i, cand.Connection.ID, w)
		}
	}
}

func TestPick_LeastConnectionsPrefersIdle(t *testing.T) {
	b := balance.New()
	cs := conns(1, 1)
	busy := cs[0].Connection.ID

	b.MarkInFlight("dep", busy, 5)

	cand, err := b.Pick("dep", domain.StrategyLeastConnections, cs, noneTried())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand.Connection.ID == busy {
		t.Fatal("expected the idle connection to be picked")
	}
}

func TestPick_WeightedLeastConnectionsExcludesZeroWeight(t *testing.T) {
	b := balance.New()
	cs := conns(0, 1)
	zeroWeight := cs[0].Connection.ID

	cand, err := b.Pick("dep", domain.StrategyWeightedLeastConnections, cs, noneTried())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand.Connection.ID == zeroWeight {
		t.Fatal("expected the zero-weight connection to be excluded")
	}
}

func TestMarkInFlight_NeverNegative(t *testing.T) {
	b := balance.New()
	cs := conns(1, 1)
	clamped, idle := cs[0].Connection.ID, cs[1].Connection.ID
	b.MarkInFlight("dep", clamped, -1)
	b.MarkInFlight("dep", clamped, -1)
	// Clamped at 0, one more start puts the counter at 1, busier than the
	// idle connection; unclamped it would sit at -1 and win the pick.
	b.MarkInFlight("dep", clamped, 1)

	cand, err := b.Pick("dep", domain.StrategyLeastConnections, cs, noneTried())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand.Connection.ID != idle {
		t.Fatal("expected the in-flight counter to be clamped at zero")
	}
}
