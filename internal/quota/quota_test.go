package quota_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func scopeInput(requestCap int64) quota.ScopeInput {
	return quota.ScopeInput{
		VirtualKeyID: "vk-1",
		ProjectID:    "proj-1",
		DeploymentID: "dep-1",
		ConnectionID: "conn-1",
		Triples: map[quota.Scope]domain.LimitTriple{
			quota.ScopeVirtualKey: {
				RequestLimits: []domain.RequestLimit{{Rate: domain.RateHourly, Count: requestCap}},
			},
		},
	}
}

func TestReserve_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	e := quota.New(rdb)
	ctx := context.Background()
	in := scopeInput(5)

	for i := 0; i < 5; i++ {
		res, err := e.Reserve(ctx, in, quota.Estimate{})
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		if res == nil {
			t.Fatalf("iteration %d: expected non-nil reservation", i)
		}
	}
}

func TestReserve_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	e := quota.New(rdb)
	ctx := context.Background()
	in := scopeInput(3)

	for i := 0; i < 3; i++ {
		if _, err := e.Reserve(ctx, in, quota.Estimate{}); err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
	}

	_, err := e.Reserve(ctx, in, quota.Estimate{})
	if err == nil {
		t.Fatal("expected LimitExceeded on the 4th reservation")
	}
	var le *quota.LimitExceeded
	if !asLimitExceeded(err, &le) {
		t.Fatalf("expected *quota.LimitExceeded, got %T: %v", err, err)
	}
	if le.Scope != quota.ScopeVirtualKey || le.Kind != quota.KindRequest {
		t.Fatalf("unexpected LimitExceeded fields: %+v", le)
	}
}

func asLimitExceeded(err error, out **quota.LimitExceeded) bool {
	le, ok := err.(*quota.LimitExceeded)
	if ok {
		*out = le
	}
	return ok
}

func TestReserve_RollsBackOnPartialFailure(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	e := quota.New(rdb)
	ctx := context.Background()

	// Budget cap of 10, request cap of 2: the first call exhausts the budget,
	// so the second call passes the request-count kind (checked first) and
	// then fails on budget; its request charge must be rolled back.
	in := quota.ScopeInput{
		VirtualKeyID: "vk-1",
		ProjectID:    "proj-1",
		DeploymentID: "dep-1",
		ConnectionID: "conn-1",
		Triples: map[quota.Scope]domain.LimitTriple{
			quota.ScopeVirtualKey: {
				RequestLimits: []domain.RequestLimit{{Rate: domain.RateHourly, Count: 2}},
				BudgetLimits:  []domain.BudgetLimit{{Rate: domain.RateHourly, Amount: 10}},
			},
		},
	}

	if _, err := e.Reserve(ctx, in, quota.Estimate{Cost: 10}); err != nil {
		t.Fatalf("first reservation: unexpected error: %v", err)
	}

	// Second call should fail on the budget limit (already at cap).
	_, err := e.Reserve(ctx, in, quota.Estimate{Cost: 1})
	if err == nil {
		t.Fatal("expected LimitExceeded on the second reservation")
	}

	// A third, request-count-only reservation must still fit under the
	// 2-request cap, proving the failed second call's request charge was
	// rolled back rather than leaking.
	in2 := in
	in2.Triples = map[quota.Scope]domain.LimitTriple{
		quota.ScopeVirtualKey: {
			RequestLimits: []domain.RequestLimit{{Rate: domain.RateHourly, Count: 2}},
		},
	}
	if _, err := e.Reserve(ctx, in2, quota.Estimate{}); err != nil {
		t.Fatalf("expected request-count headroom after rollback, got: %v", err)
	}
}

func TestSettle_RefundsUnusedEstimate(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	e := quota.New(rdb)
	ctx := context.Background()

	in := quota.ScopeInput{
		VirtualKeyID: "vk-1",
		ProjectID:    "proj-1",
		DeploymentID: "dep-1",
		ConnectionID: "conn-1",
		Triples: map[quota.Scope]domain.LimitTriple{
			quota.ScopeVirtualKey: {
				BudgetLimits: []domain.BudgetLimit{{Rate: domain.RateHourly, Amount: 10}},
			},
		},
	}

	res, err := e.Reserve(ctx, in, quota.Estimate{Cost: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	drifted, err := e.Settle(ctx, res, quota.Actual{Cost: 2}, true)
	if err != nil {
		t.Fatalf("settle: unexpected error: %v", err)
	}
	if len(drifted) != 0 {
		t.Fatalf("expected no drift after refund, got %v", drifted)
	}

	// The counter should now have headroom for another 8-cost reservation.
	if _, err := e.Reserve(ctx, in, quota.Estimate{Cost: 8}); err != nil {
		t.Fatalf("expected headroom after settle refund, got: %v", err)
	}
}

func TestSettle_RequestChargeNeverRefundedOnCancel(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	e := quota.New(rdb)
	ctx := context.Background()
	in := scopeInput(1)

	res, err := e.Reserve(ctx, in, quota.Estimate{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := e.Settle(ctx, res, quota.Actual{}, false); err != nil {
		t.Fatalf("settle: unexpected error: %v", err)
	}

	// The request-count charge must remain after a settle with
	// refundRequestCharge=false, so the next reservation against the same 1-request cap
	// must still be rejected.
	if _, err := e.Reserve(ctx, in, quota.Estimate{}); err == nil {
		t.Fatal("expected the request-count charge to remain after a cancelled settle")
	}
}
