// Package quota implements the Quota Engine: hierarchical budget, request,
// and token limit evaluation with two-phase reserve/settle accounting
// against Redis, using Lua-scripted atomic check-and-rollback so that a
// concurrent burst of reservations can never push a counter over its cap
// (spec §4.B, §9 "single Lua script per window-kind").
//
// The scripting approach is grounded on internal/ratelimit's single
// sliding-window Lua script, generalized here to operate over an ordered
// list of scope keys (virtual key → project → deployment → connection) in
// one round trip.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// Scope names which entity a limit is attached to.
type Scope string

const (
	ScopeVirtualKey Scope = "virtual_key"
	ScopeProject    Scope = "project"
	ScopeDeployment Scope = "deployment"
	ScopeConnection Scope = "connection"
)

// Kind names which counter family a limit bounds.
type Kind string

const (
	KindBudget      Kind = "budget"
	KindRequest     Kind = "request"
	KindTokenInput  Kind = "token-in"
	KindTokenOutput Kind = "token-out"
	KindTokenTotal  Kind = "token-total"
)

// scopeOrder is evaluation order: the earlier a scope appears, the more
// "specific" its failure is considered to be (spec §4.B: "the most-specific
// failing limit determines the error message"; decided in SPEC_FULL.md §9b
// to evaluate virtual-key-first).
var scopeOrder = []Scope{ScopeVirtualKey, ScopeProject, ScopeDeployment, ScopeConnection}

// LimitExceeded is returned by Reserve when any scope's cap would be
// exceeded. It is a terminal, non-retriable error (spec §7).
type LimitExceeded struct {
	Scope    Scope
	Kind     Kind
	Rate     domain.Rate
	Cap      float64
	Observed float64
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("limit exceeded: scope=%s kind=%s rate=%s cap=%.4f observed=%.4f",
		e.Scope, e.Kind, e.Rate, e.Cap, e.Observed)
}

// limit is one (scope, kind, rate, cap) tuple to check in a single
// reservation call. Scopes whose limit triple carries no matching limit for
// this kind are simply omitted by the caller.
type limit struct {
	Scope Scope
	Kind  Kind
	Rate  domain.Rate
	Cap   float64
}

// ScopeInput names the owner id per scope for one request.
type ScopeInput struct {
	VirtualKeyID string
	ProjectID    string
	DeploymentID string
	ConnectionID string
	Triples      map[Scope]domain.LimitTriple
}

// Estimate is the provisional usage reserved at admission (§4.B.1).
type Estimate struct {
	TokensInput  int64
	TokensOutput int64
	Cost         float64
}

// Actual is the usage observed after the upstream call completes (§4.B.2).
type Actual struct {
	TokensInput  int64
	TokensOutput int64
	Cost         float64
}

// reservedKey is one counter touched by a Reserve call.
type reservedKey struct {
	key    string
	kind   Kind
	amount float64 // estimate amount charged
	cap    float64
}

// Reservation is returned by Reserve and passed back to Settle.
type Reservation struct {
	entries []reservedKey
}

// Engine evaluates and reserves quota against Redis.
type Engine struct {
	rdb        *redis.Client
	reserveScr *redis.Script
	settleScr  *redis.Script
	now        func() time.Time
}

// New creates an Engine against rdb that reads the clock from time.Now.
func New(rdb *redis.Client) *Engine {
	return &Engine{
		rdb:        rdb,
		reserveScr: redis.NewScript(reserveLua),
		settleScr:  redis.NewScript(settleLua),
		now:        time.Now,
	}
}

// reserveLua atomically increments every key by ARGV[1] and checks KEYS[i]
// against its paired cap (ARGV[2+i]); on any overshoot it rolls back every
// increment already applied in this call and returns {0, failing_index,
// new_value}.
// ARGV[2] is the TTL (ms) to set on first write.
const reserveLua = `
local n = #KEYS
local incr = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local applied = {}
for i = 1, n do
  local cap = tonumber(ARGV[2 + i])
  local newval = tonumber(redis.call('INCRBYFLOAT', KEYS[i], incr))
  table.insert(applied, KEYS[i])
  if redis.call('TTL', KEYS[i]) < 0 then
    redis.call('PEXPIRE', KEYS[i], ttl)
  end
  if newval > cap then
    for _, k in ipairs(applied) do
      redis.call('INCRBYFLOAT', k, -incr)
    end
    return {0, i, newval}
  end
end
return {1, 0, 0}
`

// settleLua applies a (possibly negative) delta per key without any cap
// check or rollback; it reports the post-settle value so callers can log a
// QuotaSettleDriftWarning when it exceeds the cap (§4.B, §7).
const settleLua = `
local n = #KEYS
local out = {}
for i = 1, n do
  local delta = tonumber(ARGV[i])
  local newval = tonumber(redis.call('INCRBYFLOAT', KEYS[i], delta))
  table.insert(out, tostring(newval))
end
return out
`

// windowKey builds the composite Redis key described in spec §4.B.
func windowKey(scope Scope, ownerID string, kind Kind, rate domain.Rate, windowStart time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s:%s:%d", scope, ownerID, kind, rate, windowStart.Unix())
}

// windowBounds returns the tumbling UTC window containing t for rate, plus
// its end time (used to size the key TTL).
func windowBounds(rate domain.Rate, t time.Time) (start, end time.Time) {
	t = t.UTC()
	switch rate {
	case domain.RateHourly:
		start = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
		return start, start.Add(time.Hour)
	case domain.RateDaily:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case domain.RateMonthly:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		start = t
		return start, start.Add(time.Hour)
	}
}

// ownerID resolves the scope's owner id string for key construction.
func (in ScopeInput) ownerID(s Scope) string {
	switch s {
	case ScopeVirtualKey:
		return in.VirtualKeyID
	case ScopeProject:
		return in.ProjectID
	case ScopeDeployment:
		return in.DeploymentID
	case ScopeConnection:
		return in.ConnectionID
	}
	return ""
}

// collectLimits gathers every (scope, kind, rate, cap) tuple of a single
// kind family across all four scopes, in scopeOrder.
func collectLimits(in ScopeInput, kind Kind) []limit {
	var out []limit
	for _, s := range scopeOrder {
		triple, ok := in.Triples[s]
		if !ok || triple.Empty() {
			continue
		}
		switch kind {
		case KindBudget:
			for _, bl := range triple.BudgetLimits {
				out = append(out, limit{Scope: s, Kind: kind, Rate: bl.Rate, Cap: bl.Amount})
			}
		case KindRequest:
			for _, rl := range triple.RequestLimits {
				out = append(out, limit{Scope: s, Kind: kind, Rate: rl.Rate, Cap: float64(rl.Count)})
			}
		case KindTokenInput, KindTokenOutput, KindTokenTotal:
			tk := tokenKindFor(kind)
			for _, tl := range triple.TokenLimits {
				if tl.Kind == tk {
					out = append(out, limit{Scope: s, Kind: kind, Rate: tl.Rate, Cap: float64(tl.Count)})
				}
			}
		}
	}
	return out
}

func tokenKindFor(k Kind) domain.TokenKind {
	switch k {
	case KindTokenInput:
		return domain.TokenKindInput
	case KindTokenOutput:
		return domain.TokenKindOutput
	default:
		return domain.TokenKindTotal
	}
}

// reserveKind runs one reserve call for a single kind family with the given
// increment amount, across every limit of that kind in every scope.
func (e *Engine) reserveKind(ctx context.Context, in ScopeInput, kind Kind, amount float64) ([]reservedKey, error) {
	limits := collectLimits(in, kind)
	if len(limits) == 0 {
		return nil, nil
	}

	now := e.now()
	keys := make([]string, len(limits))
	caps := make([]float64, len(limits))
	argv := make([]any, 0, 2+len(limits))
	argv = append(argv, amount)

	// TTL is sized to the widest window among this batch's limits.
	var ttl time.Duration
	for i, l := range limits {
		start, end := windowBounds(l.Rate, now)
		keys[i] = windowKey(l.Scope, in.ownerID(l.Scope), kind, l.Rate, start)
		caps[i] = l.Cap
		if d := end.Sub(now); d > ttl {
			ttl = d
		}
	}
	argv = append(argv, ttl.Milliseconds())
	for _, c := range caps {
		argv = append(argv, c)
	}

	scriptRes, err := e.reserveScr.Run(ctx, e.rdb, keys, argv...).Result()
	if err != nil {
		return nil, fmt.Errorf("quota: reserve %s: %w", kind, err)
	}

	arr, ok := scriptRes.([]interface{})
	if !ok || len(arr) < 2 {
		return nil, fmt.Errorf("quota: unexpected script result")
	}
	ok1, _ := arr[0].(int64)
	if ok1 == 0 {
		idx, _ := arr[1].(int64)
		observed, _ := arr[2].(string)
		l := limits[idx-1]
		var obs float64
		fmt.Sscanf(observed, "%f", &obs)
		return nil, &LimitExceeded{Scope: l.Scope, Kind: l.Kind, Rate: l.Rate, Cap: l.Cap, Observed: obs}
	}

	out := make([]reservedKey, len(keys))
	for i, k := range keys {
		out[i] = reservedKey{key: k, kind: kind, amount: amount, cap: caps[i]}
	}
	return out, nil
}

// Reserve admits a request against every applicable limit across all four
// scopes, checking request-count, budget, token-input, token-output, and
// token-total kinds in turn. On the first LimitExceeded it rolls back
// everything already reserved in this call.
func (e *Engine) Reserve(ctx context.Context, in ScopeInput, est Estimate) (*Reservation, error) {
	res := &Reservation{}

	type call struct {
		kind   Kind
		amount float64
	}
	calls := []call{
		{KindRequest, 1},
		{KindBudget, est.Cost},
		{KindTokenInput, float64(est.TokensInput)},
		{KindTokenOutput, float64(est.TokensOutput)},
		{KindTokenTotal, float64(est.TokensInput + est.TokensOutput)},
	}

	for _, c := range calls {
		entries, err := e.reserveKind(ctx, in, c.kind, c.amount)
		if err != nil {
			e.rollback(ctx, res)
			return nil, err
		}
		res.entries = append(res.entries, entries...)
	}

	return res, nil
}

// rollback refunds every counter already incremented by a partially
// succeeded Reserve call.
func (e *Engine) rollback(ctx context.Context, res *Reservation) {
	for _, en := range res.entries {
		e.rdb.IncrByFloat(ctx, en.key, -en.amount)
	}
}

// Settle applies the delta between actual and estimated usage to every
// reserved counter (§4.B.2). The request-count charge never refunds: its
// actual value is always 1, equal to its estimate, so its delta is 0; with
// refundRequestCharge=false (the cancellation path, §5) it is also set to
// 0 explicitly, so the flag does not change the outcome. A settle that pushes a counter over its cap is
// never rolled back — it is reported via the returned drift slice so the
// caller can log a QuotaSettleDriftWarning (§7); the next Reserve against
// that window will correctly reject.
func (e *Engine) Settle(ctx context.Context, res *Reservation, actual Actual, refundRequestCharge bool) (drifted []string, err error) {
	if res == nil || len(res.entries) == 0 {
		return nil, nil
	}

	actualFor := func(k Kind) float64 {
		switch k {
		case KindRequest:
			return 1
		case KindBudget:
			return actual.Cost
		case KindTokenInput:
			return float64(actual.TokensInput)
		case KindTokenOutput:
			return float64(actual.TokensOutput)
		case KindTokenTotal:
			return float64(actual.TokensInput + actual.TokensOutput)
		}
		return 0
	}

	keys := make([]string, len(res.entries))
	argv := make([]any, len(res.entries))
	for i, en := range res.entries {
		keys[i] = en.key
		if en.kind == KindRequest && !refundRequestCharge {
			argv[i] = 0.0
			continue
		}
		argv[i] = actualFor(en.kind) - en.amount
	}

	out, err := e.settleScr.Run(ctx, e.rdb, keys, argv...).Result()
	if err != nil {
		return nil, fmt.Errorf("quota: settle: %w", err)
	}
	arr, _ := out.([]interface{})
	for i, v := range arr {
		s, _ := v.(string)
		var newval float64
		fmt.Sscanf(s, "%f", &newval)
		if i < len(res.entries) && newval > res.entries[i].cap {
			drifted = append(drifted, res.entries[i].key)
		}
	}
	return drifted, nil
}
