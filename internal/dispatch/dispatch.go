// Package dispatch implements the Dispatcher (spec.md §4.F): the per-request
// state machine that authenticates, routes, reserves quota, attempts the
// upstream call with failover, settles quota, and emits a request log row
// per attempt.
//
// The attempt loop's retry/failover shape is grounded on
// internal/proxy/failover.go's requestWithFailover — candidate walk,
// retriable-vs-fatal split, per-attempt metrics/log hooks — generalized
// from a flat provider-name list to one Balancer.Pick call per attempt
// (excluding connections already tried in this dispatch) and retargeted
// from *providers.Provider to internal/upstream's Client.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/balance"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
	"github.com/nulpointcorp/llm-gateway/internal/upstream"
)

const (
	// defaultAttemptTimeout bounds a single upstream call for ordinary chat
	// completions (spec.md §4.F: "attempt timeout, default 60s").
	defaultAttemptTimeout = 60 * time.Second
	// largeAttemptTimeout applies when the request asks for a large
	// completion (spec.md §4.F: "120s for large completions").
	largeAttemptTimeout = 120 * time.Second
	// largeCompletionTokens is the max_tokens threshold past which a
	// request is considered "large" for timeout purposes. Not named by the
	// spec; chosen as a round number well above typical chat replies.
	largeCompletionTokens = 2048

	// defaultCompletionEstimate is the provisional output-token estimate
	// used when the client supplies no max_tokens (spec.md §4.B: "a
	// conservative upper bound").
	defaultCompletionEstimate = 256

	// settleTimeout bounds the best-effort settle/log calls issued after a
	// client cancellation, which must not inherit the already-cancelled
	// request context.
	settleTimeout = 5 * time.Second
)

// IdentityResolver is the subset of *identity.Resolver the Dispatcher needs.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (identity.Resolution, error)
}

// QuotaEngine is the subset of *quota.Engine the Dispatcher needs.
type QuotaEngine interface {
	Reserve(ctx context.Context, in quota.ScopeInput, est quota.Estimate) (*quota.Reservation, error)
	Settle(ctx context.Context, res *quota.Reservation, actual quota.Actual, refundRequestCharge bool) ([]string, error)
}

// Balancer is the subset of *balance.Balancer the Dispatcher needs.
type Balancer interface {
	Pick(deploymentID string, strategy domain.Strategy, conns []domain.DeploymentConnection, tried map[uuid.UUID]bool) (domain.DeploymentConnection, error)
	MarkInFlight(deploymentID string, connectionID uuid.UUID, delta int)
}

// Store is the subset of *store.Store the Dispatcher needs: deployment
// lookup for the master-key path, and the async request-log write path.
type Store interface {
	DeploymentSource
	LogRequest(entry domain.RequestLog)
}

// Request is one inbound chat-completions call to dispatch.
type Request struct {
	Credential     string // raw bearer token from the Authorization header
	DeploymentName string // the "model" field: a deployment name, not a provider model
	Method         string
	Path           string
	Chat           translate.ChatRequest
}

// Outcome is a successfully dispatched request's result.
type Outcome struct {
	Chat       translate.ChatResponse
	HTTPStatus int
}

// Dispatcher wires components A (Identity Resolver), B (Quota Engine), C/D
// (Deployment Router / Load Balancer), E (Dialect Translator, invoked
// inside internal/upstream), and F (itself) into the request-path pipeline.
type Dispatcher struct {
	identity IdentityResolver
	quota    QuotaEngine
	balance  Balancer
	store    Store
	log      *slog.Logger
	now      func() time.Time

	// upstreamFor resolves the Client for a connection kind; overridable in
	// tests to substitute a stub Client instead of a real SDK/HTTP call.
	upstreamFor func(domain.ConnectionKind) (upstream.Client, error)
}

// New creates a Dispatcher. log defaults to slog.Default() when nil.
func New(idr IdentityResolver, qe QuotaEngine, bal Balancer, st Store, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{identity: idr, quota: qe, balance: bal, store: st, log: log, now: time.Now, upstreamFor: upstream.For}
}

// Dispatch runs one request through the full pipeline. The returned error,
// when non-nil, is always a *Error carrying the HTTP status the caller
// should surface (spec.md §7).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	res, err := d.identity.Resolve(ctx, req.Credential)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthorized) {
			return nil, errUnauthorized()
		}
		if errors.Is(err, identity.ErrForbidden) {
			return nil, errForbidden()
		}
		return nil, errInternal(err)
	}

	dg, derr := route(ctx, d.store, res, req.DeploymentName)
	if derr != nil {
		return nil, derr
	}

	deploymentID := dg.Deployment.ID.String()
	tried := make(map[uuid.UUID]bool, len(dg.Connections))
	primary, err := d.balance.Pick(deploymentID, dg.Deployment.Strategy, dg.Connections, tried)
	if err != nil {
		return nil, errNoUpstream(req.DeploymentName)
	}

	estInput, estOutput := estimateTokens(req.Chat)
	estCost, priced := pricing.Cost(primary.Connection.Info.Kind, req.Chat.Model, estInput, estOutput)
	if !priced {
		d.log.WarnContext(ctx, "pricing_unknown_model", slog.String("model", req.Chat.Model), slog.String("kind", string(primary.Connection.Info.Kind)))
	}

	scopeInput := quota.ScopeInput{
		VirtualKeyID: res.Graph.VirtualKey.ID.String(),
		ProjectID:    res.Graph.Project.ID.String(),
		DeploymentID: dg.Deployment.ID.String(),
		ConnectionID: primary.Connection.ID.String(),
		Triples: map[quota.Scope]domain.LimitTriple{
			quota.ScopeVirtualKey: res.Graph.VirtualKey.Limits,
			quota.ScopeProject:    res.Graph.Project.Limits,
			quota.ScopeDeployment: dg.Deployment.Limits,
			quota.ScopeConnection: primary.Connection.Limits,
		},
	}

	reservation, err := d.quota.Reserve(ctx, scopeInput, quota.Estimate{
		TokensInput:  estInput,
		TokensOutput: estOutput,
		Cost:         estCost,
	})
	if err != nil {
		var le *quota.LimitExceeded
		if errors.As(err, &le) {
			return nil, fromLimitExceeded(le)
		}
		return nil, errInternal(err)
	}

	requestID := uuid.New()
	attemptTimeout := d.attemptTimeoutFor(req.Chat)

	maxAttempts := len(dg.Connections)
	if maxAttempts > balance.MaxRetries {
		maxAttempts = balance.MaxRetries
	}

	var lastErr *Error
	cand := primary
	for k := 0; k < maxAttempts; k++ {
		if k > 0 {
			next, perr := d.balance.Pick(deploymentID, dg.Deployment.Strategy, dg.Connections, tried)
			if perr != nil {
				break
			}
			cand = next
		}
		tried[cand.Connection.ID] = true

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		d.balance.MarkInFlight(deploymentID, cand.Connection.ID, 1)

		reqTS := d.now()
		result, attemptErr := d.attempt(attemptCtx, cand, req.Chat)
		respTS := d.now()

		cancel()
		d.balance.MarkInFlight(deploymentID, cand.Connection.ID, -1)

		if attemptErr == nil {
			cost := d.settleSuccess(ctx, reservation, cand, req.Chat.Model, result)
			d.logAttempt(domain.RequestLog{
				ID: requestID, AttemptNumber: k,
				VirtualKeyID: res.Graph.VirtualKey.ID, ProjectID: res.Graph.Project.ID,
				DeploymentID: dg.Deployment.ID, ConnectionID: cand.Connection.ID,
				Provider: string(cand.Connection.Info.Kind), Method: req.Method, Path: req.Path,
				InputTokens: result.InputTokens, OutputTokens: result.OutputTokens,
				TotalTokens:    result.InputTokens + result.OutputTokens,
				Cost:           cost,
				HTTPStatusCode: result.HTTPStatus, RequestTS: reqTS, ResponseTS: respTS,
			})
			return &Outcome{Chat: result.Response, HTTPStatus: result.HTTPStatus}, nil
		}

		if ctx.Err() != nil {
			d.settleCanceled(reservation)
			d.logAttempt(domain.RequestLog{
				ID: requestID, AttemptNumber: k,
				VirtualKeyID: res.Graph.VirtualKey.ID, ProjectID: res.Graph.Project.ID,
				DeploymentID: dg.Deployment.ID, ConnectionID: cand.Connection.ID,
				Provider: string(cand.Connection.Info.Kind), Method: req.Method, Path: req.Path,
				HTTPStatusCode: 499, ErrorMessage: "client closed request",
				RequestTS: reqTS, ResponseTS: respTS,
			})
			return nil, errCanceled()
		}

		var upErr *upstream.Error
		retriable := errors.As(attemptErr, &upErr)
		var de *Error
		if retriable {
			de = fromUpstreamErr(upErr)
			retriable = upErr.Retriable
		} else {
			de = errTranslation(attemptErr)
		}

		d.logAttempt(domain.RequestLog{
			ID: requestID, AttemptNumber: k,
			VirtualKeyID: res.Graph.VirtualKey.ID, ProjectID: res.Graph.Project.ID,
			DeploymentID: dg.Deployment.ID, ConnectionID: cand.Connection.ID,
			Provider: string(cand.Connection.Info.Kind), Method: req.Method, Path: req.Path,
			HTTPStatusCode: de.Status, ErrorMessage: de.Message,
			RequestTS: reqTS, ResponseTS: respTS,
		})
		lastErr = de

		if !retriable {
			break
		}
	}

	d.settleFailed(reservation)
	if lastErr == nil {
		lastErr = errNoUpstream(req.DeploymentName)
	}
	return nil, lastErr
}

// attempt translates and performs a single upstream call.
func (d *Dispatcher) attempt(ctx context.Context, cand domain.DeploymentConnection, chat translate.ChatRequest) (*upstream.Result, error) {
	client, err := d.upstreamFor(cand.Connection.Info.Kind)
	if err != nil {
		return nil, err
	}
	result, err := client.Invoke(ctx, cand.Connection, chat)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// estimateTokens computes the provisional reservation estimate (spec.md
// §4.B): max_tokens when present, else a conservative default; input is
// approximated at four characters per token.
func estimateTokens(req translate.ChatRequest) (input, output int64) {
	var chars int
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	input = int64(chars)/4 + 1
	if req.MaxTokens > 0 {
		output = int64(req.MaxTokens)
	} else {
		output = defaultCompletionEstimate
	}
	return input, output
}

func (d *Dispatcher) attemptTimeoutFor(req translate.ChatRequest) time.Duration {
	if req.MaxTokens > largeCompletionTokens {
		return largeAttemptTimeout
	}
	return defaultAttemptTimeout
}

// settleSuccess applies actual usage to the reservation after a successful
// attempt (spec.md §4.B.2) and returns the priced cost for logging.
func (d *Dispatcher) settleSuccess(ctx context.Context, res *quota.Reservation, cand domain.DeploymentConnection, model string, result *upstream.Result) float64 {
	cost, known := pricing.Cost(cand.Connection.Info.Kind, model, result.InputTokens, result.OutputTokens)
	if !known {
		d.log.WarnContext(ctx, "pricing_unknown_model", slog.String("model", model), slog.String("kind", string(cand.Connection.Info.Kind)))
	}
	drifted, err := d.quota.Settle(ctx, res, quota.Actual{
		TokensInput:  result.InputTokens,
		TokensOutput: result.OutputTokens,
		Cost:         cost,
	}, true)
	if err != nil {
		d.log.ErrorContext(ctx, "quota_settle_failed", slog.String("error", err.Error()))
		return cost
	}
	for _, key := range drifted {
		d.log.WarnContext(ctx, "quota_settle_drift", slog.String("key", key))
	}
	return cost
}

// settleFailed refunds the full estimate (minus the ever-charged request
// count) after every candidate has been exhausted or a fatal error ended
// the loop early (spec.md §4.F "FAILED → SETTLING(partial)").
func (d *Dispatcher) settleFailed(res *quota.Reservation) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if _, err := d.quota.Settle(ctx, res, quota.Actual{}, true); err != nil {
		d.log.ErrorContext(ctx, "quota_settle_failed", slog.String("error", err.Error()))
	}
}

// settleCanceled refunds the estimate on client cancellation, except the
// request-count charge which remains (spec.md §5 "prevents DoS via cancel
// storms").
func (d *Dispatcher) settleCanceled(res *quota.Reservation) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if _, err := d.quota.Settle(ctx, res, quota.Actual{}, false); err != nil {
		d.log.ErrorContext(ctx, "quota_settle_failed", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) logAttempt(entry domain.RequestLog) {
	d.store.LogRequest(entry)
}
