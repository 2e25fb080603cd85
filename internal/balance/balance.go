// Package balance implements the Load Balancer (spec.md §4.D): selection of
// one candidate connection for a deployment, by one of four strategies, for
// a single dispatch attempt.
//
// Pick is called once per attempt, not once per dispatch: spec.md §4.D's
// failover description ("the balancer is asked for the next candidate,
// excluding already-tried connections in this request; the selection
// algorithm is applied to the remaining set") and its SWRR invariant ("in
// any window of sum(weights) selections the count per connection equals
// its weight exactly") both describe one real selection per call — a
// balancer that precomputed a full ordered candidate list per dispatch
// would advance the SWRR state by len(candidates) on every request even
// when no failover occurs, corrupting the exact interleaving the invariant
// requires.
//
// The per-deployment state shape (a map of per-key mutable state guarded by
// the Balancer's own RWMutex, with independent locking per key) is grounded on
// internal/proxy/circuitbreaker.go's CircuitBreaker type — repurposed here
// to track in-flight counts and round-robin/SWRR cursors instead of breaker
// trip state.
package balance

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// MaxRetries bounds the number of attempts per dispatch regardless of how
// many connections a deployment has (spec.md §4.D: "min(candidate_count,
// MAX_RETRIES)").
const MaxRetries = 3

// deploymentState is the mutable selection state for one deployment.
type deploymentState struct {
	mu sync.Mutex

	rrCursor      int
	currentWeight map[uuid.UUID]int // SWRR: connection id -> running weight
	inFlight      map[uuid.UUID]int // connection id -> number of in-flight requests
}

// Balancer holds per-deployment selection state for every strategy. It is
// safe for concurrent use.
type Balancer struct {
	mu    sync.RWMutex
	state map[string]*deploymentState // keyed by deployment id
}

// New creates an empty Balancer. State is created lazily per deployment on
// first use.
func New() *Balancer {
	return &Balancer{state: make(map[string]*deploymentState)}
}

// ErrNoCandidates is returned when every connection has already been tried
// in this dispatch, or the deployment has no connections at all.
var ErrNoCandidates = fmt.Errorf("balance: no eligible candidate connection")

// Pick selects the next candidate connection for one attempt, excluding any
// connection id already present in tried (spec.md §4.D failover: "excluding
// already-tried connections in this request"). Each call advances this
// deployment's selection state by exactly one step.
func (b *Balancer) Pick(deploymentID string, strategy domain.Strategy, conns []domain.DeploymentConnection, tried map[uuid.UUID]bool) (domain.DeploymentConnection, error) {
	eligible := make([]domain.DeploymentConnection, 0, len(conns))
	for _, c := range conns {
		if !tried[c.Connection.ID] {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return domain.DeploymentConnection{}, ErrNoCandidates
	}

	st := b.stateFor(deploymentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch strategy {
	case domain.StrategyWeightedRoundRobin:
		return weightedRoundRobinPick(st, conns, eligible), nil
	case domain.StrategyLeastConnections:
		return leastConnectionsPick(st, eligible, false), nil
	case domain.StrategyWeightedLeastConnections:
		return leastConnectionsPick(st, eligible, true), nil
	default:
		return roundRobinPick(st, conns, eligible), nil
	}
}

// MarkInFlight adjusts the in-flight counter used by the least-connections
// strategies. delta is +1 when an attempt starts and -1 when it completes
// (success, failure, or cancellation all release the slot).
func (b *Balancer) MarkInFlight(deploymentID string, connectionID uuid.UUID, delta int) {
	st := b.stateFor(deploymentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inFlight[connectionID] += delta
	if st.inFlight[connectionID] < 0 {
		st.inFlight[connectionID] = 0
	}
}

func (b *Balancer) stateFor(deploymentID string) *deploymentState {
	b.mu.RLock()
	st, ok := b.state[deploymentID]
	b.mu.RUnlock()
	if ok {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.state[deploymentID]; ok {
		return st
	}
	st = &deploymentState{
		currentWeight: make(map[uuid.UUID]int),
		inFlight:      make(map[uuid.UUID]int),
	}
	b.state[deploymentID] = st
	return st
}

// roundRobinPick advances the cursor by one position each call (over the
// full candidate list, so a connection's position in the rotation doesn't
// shift when others are excluded mid-dispatch) and returns the first
// eligible connection found from there.
func roundRobinPick(st *deploymentState, conns, eligible []domain.DeploymentConnection) domain.DeploymentConnection {
	n := len(conns)
	for i := 0; i < n; i++ {
		idx := (st.rrCursor + i) % n
		cand := conns[idx]
		if containsConn(eligible, cand.Connection.ID) {
			st.rrCursor = (idx + 1) % n
			return cand
		}
	}
	// Unreachable when eligible is non-empty, since eligible ⊆ conns.
	return eligible[0]
}

func containsConn(conns []domain.DeploymentConnection, id uuid.UUID) bool {
	for _, c := range conns {
		if c.Connection.ID == id {
			return true
		}
	}
	return false
}

// weightedRoundRobinPick runs one tick of Smooth Weighted Round Robin: every
// candidate's running weight (state persisted across calls, keyed by
// connection id) accumulates by its configured weight; the candidate with
// the highest running weight among those still eligible is picked, then
// debited by the sum of all weights in conns (not just eligible — the
// window the SWRR invariant measures is sized by the deployment's full
// weight set, so excluding a failed connection from a retry pick must not
// shrink that window).
func weightedRoundRobinPick(st *deploymentState, conns, eligible []domain.DeploymentConnection) domain.DeploymentConnection {
	total := 0
	for _, c := range conns {
		total += weightOrOne(c.Weight)
	}

	var best domain.DeploymentConnection
	bestWeight := -1 << 62
	for _, c := range conns {
		st.currentWeight[c.Connection.ID] += weightOrOne(c.Weight)
	}
	for _, c := range eligible {
		if w := st.currentWeight[c.Connection.ID]; w > bestWeight {
			bestWeight = w
			best = c
		}
	}
	st.currentWeight[best.Connection.ID] -= total
	return best
}

func weightOrOne(w int) int {
	if w <= 0 {
		return 1
	}
	return w
}

// leastConnectionsPick returns the eligible candidate with the fewest
// in-flight requests, tie-breaking on lower id (spec.md §4.D:
// "least_connections: pick argmin in_flight[i]; tiebreak by lower id").
// When weighted is true, the score is `(in_flight+1)/weight` and
// zero-weight candidates are excluded entirely (spec.md §4.D:
// "weighted_least_connections: ... with weight 0 excluded").
func leastConnectionsPick(st *deploymentState, eligible []domain.DeploymentConnection, weighted bool) domain.DeploymentConnection {
	candidates := eligible
	if weighted {
		candidates = candidates[:0:0]
		for _, c := range eligible {
			if c.Weight > 0 {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			candidates = eligible // every candidate has weight 0; fall back rather than fail the attempt
		}
	}

	best := candidates[0]
	bestScore := score(st, best, weighted)
	for _, c := range candidates[1:] {
		s := score(st, c, weighted)
		if s < bestScore || (s == bestScore && c.Connection.ID.String() < best.Connection.ID.String()) {
			bestScore = s
			best = c
		}
	}
	return best
}

func score(st *deploymentState, c domain.DeploymentConnection, weighted bool) float64 {
	inFlight := float64(st.inFlight[c.Connection.ID])
	if !weighted {
		return inFlight
	}
	return (inFlight + 1) / float64(c.Weight)
}
