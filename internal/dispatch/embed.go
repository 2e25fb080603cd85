package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/balance"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/internal/upstream"
)

// EmbedRequest is one inbound /v1/embeddings call to dispatch (spec.md §6).
type EmbedRequest struct {
	Credential     string
	DeploymentName string
	Method         string
	Path           string
	Model          string
	Input          []string
}

// EmbedOutcome is a successfully dispatched embeddings result.
type EmbedOutcome struct {
	Model      string
	Vectors    [][]float64
	TotalUsage int64
	HTTPStatus int
}

// DispatchEmbeddings runs one embeddings request through the same
// authenticate/route/balance/reserve/settle pipeline chat completions use
// (spec.md §6: "analogous" to chat completions), substituting an
// upstream.EmbedClient for upstream.Client since the wire call and token
// accounting differ (input tokens only, no completion side).
func (d *Dispatcher) DispatchEmbeddings(ctx context.Context, req EmbedRequest) (*EmbedOutcome, error) {
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

	estInput := estimateEmbeddingTokens(req.Input)
	estCost, priced := pricing.Cost(primary.Connection.Info.Kind, req.Model, estInput, 0)
	if !priced {
		d.log.WarnContext(ctx, "pricing_unknown_model", slog.String("model", req.Model), slog.String("kind", string(primary.Connection.Info.Kind)))
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

	reservation, err := d.quota.Reserve(ctx, scopeInput, quota.Estimate{TokensInput: estInput, Cost: estCost})
	if err != nil {
		var le *quota.LimitExceeded
		if errors.As(err, &le) {
			return nil, fromLimitExceeded(le)
		}
		return nil, errInternal(err)
	}

	requestID := uuid.New()
	attemptTimeout := defaultAttemptTimeout

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
		result, attemptErr := d.attemptEmbedding(attemptCtx, cand, req.Model, req.Input)
		respTS := d.now()

		cancel()
		d.balance.MarkInFlight(deploymentID, cand.Connection.ID, -1)

		if attemptErr == nil {
			cost := d.settleEmbeddingSuccess(ctx, reservation, cand, req.Model, result)
			d.logAttempt(domain.RequestLog{
				ID: requestID, AttemptNumber: k,
				VirtualKeyID: res.Graph.VirtualKey.ID, ProjectID: res.Graph.Project.ID,
				DeploymentID: dg.Deployment.ID, ConnectionID: cand.Connection.ID,
				Provider: string(cand.Connection.Info.Kind), Method: req.Method, Path: req.Path,
				InputTokens: result.InputTokens, TotalTokens: result.InputTokens,
				Cost:           cost,
				HTTPStatusCode: result.HTTPStatus, RequestTS: reqTS, ResponseTS: respTS,
			})
			return &EmbedOutcome{Model: req.Model, Vectors: result.Vectors, TotalUsage: result.InputTokens, HTTPStatus: result.HTTPStatus}, nil
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

func (d *Dispatcher) attemptEmbedding(ctx context.Context, cand domain.DeploymentConnection, model string, input []string) (*upstream.EmbedResult, error) {
	client, err := upstream.EmbedFor(cand.Connection.Info.Kind)
	if err != nil {
		return nil, err
	}
	result, err := client.InvokeEmbedding(ctx, cand.Connection, model, input)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (d *Dispatcher) settleEmbeddingSuccess(ctx context.Context, res *quota.Reservation, cand domain.DeploymentConnection, model string, result *upstream.EmbedResult) float64 {
	cost, known := pricing.Cost(cand.Connection.Info.Kind, model, result.InputTokens, 0)
	if !known {
		d.log.WarnContext(ctx, "pricing_unknown_model", slog.String("model", model), slog.String("kind", string(cand.Connection.Info.Kind)))
	}
	drifted, err := d.quota.Settle(ctx, res, quota.Actual{TokensInput: result.InputTokens, Cost: cost}, true)
	if err != nil {
		d.log.ErrorContext(ctx, "quota_settle_failed", slog.String("error", err.Error()))
		return cost
	}
	for _, key := range drifted {
		d.log.WarnContext(ctx, "quota_settle_drift", slog.String("key", key))
	}
	return cost
}

// estimateEmbeddingTokens approximates input tokens at four characters per
// token, the same conservative estimator estimateTokens uses for chat
// completions (spec.md §4.B).
func estimateEmbeddingTokens(input []string) int64 {
	var chars int
	for _, s := range input {
		chars += len(s)
	}
	return int64(chars)/4 + 1
}
