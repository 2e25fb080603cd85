// Package proxy is the core's HTTP surface (spec.md §6): fasthttp routes
// for POST /v1/chat/completions, POST /v1/embeddings, GET /health and
// GET /readiness, wrapping internal/dispatch.Dispatcher.
//
// Grounded on the teacher's internal/proxy/{gateway,router}.go for the
// fasthttp server construction, middleware chain, and writeJSON/error-body
// helpers; the request handling itself no longer resolves a provider by
// model-name alias (routing.go's resolveProvider/resolveEmbeddingProvider)
// since spec.md §4.C resolves a deployment name through the Dispatcher's
// Identity Resolver + Deployment Router instead.
package proxy

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Gateway is the HTTP front door onto the Dispatcher (component F). It owns
// no business logic of its own: parsing the wire request, extracting the
// credential, and mapping a *dispatch.Error onto the OpenAI error envelope
// (spec.md §7) is all it does.
type Gateway struct {
	dispatcher  *dispatch.Dispatcher
	health      *HealthChecker
	metrics     *metrics.Registry
	corsOrigins []string
	log         *slog.Logger
}

// NewGateway wires a Dispatcher into an HTTP-serving Gateway.
func NewGateway(d *dispatch.Dispatcher, health *HealthChecker, met *metrics.Registry, corsOrigins []string, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{dispatcher: d, health: health, metrics: met, corsOrigins: corsOrigins, log: log}
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes
// (Prometheus /metrics).
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	credential := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))

	var wire chatCompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &wire); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	req := dispatch.Request{
		Credential:     credential,
		DeploymentName: wire.Model,
		Method:         "POST",
		Path:           "/v1/chat/completions",
		Chat:           wire.toCanonical(),
	}

	outcome, err := g.dispatcher.Dispatch(ctx, req)
	status := g.writeOutcomeOrError(ctx, err, func() {
		writeJSON(ctx, fromCanonicalResponse(outcome.Chat))
		ctx.SetStatusCode(outcome.HTTPStatus)
	})

	if g.metrics != nil {
		g.metrics.ObserveHTTP("/v1/chat/completions", status, time.Since(start), len(ctx.PostBody()), len(ctx.Response.Body()))
	}
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	credential := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))

	var wire embeddingsRequest
	if err := json.Unmarshal(ctx.PostBody(), &wire); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	req := dispatch.EmbedRequest{
		Credential:     credential,
		DeploymentName: wire.Model,
		Method:         "POST",
		Path:           "/v1/embeddings",
		Model:          wire.Model,
		Input:          wire.InputList,
	}

	outcome, err := g.dispatcher.DispatchEmbeddings(ctx, req)
	status := g.writeOutcomeOrError(ctx, err, func() {
		data := make([]embeddingDatumDTO, len(outcome.Vectors))
		for i, v := range outcome.Vectors {
			data[i] = embeddingDatumDTO{Object: "embedding", Index: i, Embedding: v}
		}
		writeJSON(ctx, embeddingsResponse{
			Object: "list",
			Model:  outcome.Model,
			Data:   data,
			Usage:  embeddingsUsageDTO{PromptTokens: outcome.TotalUsage, TotalTokens: outcome.TotalUsage},
		})
		ctx.SetStatusCode(outcome.HTTPStatus)
	})

	if g.metrics != nil {
		g.metrics.ObserveHTTP("/v1/embeddings", status, time.Since(start), len(ctx.PostBody()), len(ctx.Response.Body()))
	}
}

// writeOutcomeOrError runs onSuccess when err is nil, else maps a
// *dispatch.Error onto the OpenAI error envelope. Returns the HTTP status
// actually written, for metrics.
func (g *Gateway) writeOutcomeOrError(ctx *fasthttp.RequestCtx, err error, onSuccess func()) int {
	if err == nil {
		onSuccess()
		return ctx.Response.StatusCode()
	}

	de, ok := err.(*dispatch.Error)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return fasthttp.StatusInternalServerError
	}

	errType, code := errTypeAndCode(de)
	message := de.Message
	if de.Scope != "" {
		message = message + " (scope=" + de.Scope + ")"
	}
	apierr.Write(ctx, de.Status, message, errType, code)
	if de.Status == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	return de.Status
}

// errTypeAndCode maps a dispatch.Kind onto the OpenAI envelope's
// "type"/"code" fields (spec.md §7).
func errTypeAndCode(de *dispatch.Error) (errType, code string) {
	switch de.Kind {
	case dispatch.KindUnauthorized:
		return apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey
	case dispatch.KindForbidden, dispatch.KindNotFound:
		return apierr.TypeInvalidRequest, apierr.CodeInvalidRequest
	case dispatch.KindLimitExceeded, dispatch.KindUpstreamRateLimited:
		return apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded
	case dispatch.KindUpstreamClientError:
		return apierr.TypeInvalidRequest, apierr.CodeInvalidRequest
	case dispatch.KindUpstreamTimeout:
		return apierr.TypeProviderError, apierr.CodeRequestTimeout
	case dispatch.KindNoUpstreamAvailable, dispatch.KindUpstreamServerError, dispatch.KindTransportError:
		return apierr.TypeProviderError, apierr.CodeProviderError
	case dispatch.KindCanceled:
		return apierr.TypeServerError, "client_closed_request"
	default:
		return apierr.TypeServerError, apierr.CodeInternalError
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	snap := g.health.Snapshot()
	ctx.SetStatusCode(g.health.HTTPStatus())
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// parseBearerToken extracts the raw credential from an "Authorization:
// Bearer <token>" header, grounded on the teacher's
// internal/proxy/gateway.go parseBearerToken.
func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ManagementRoutes holds optional management API handler functions
// registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}
