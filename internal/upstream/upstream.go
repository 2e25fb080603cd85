// Package upstream performs the actual HTTPS call to one connection for one
// dispatch attempt (spec.md §4.F "performs the upstream HTTPS call"). Each
// connection kind gets its own Client: openai/v1 and azure/openai both speak
// an OpenAI-compatible wire dialect (grounded on
// internal/providers/openai/openai.go and internal/providers/azure/azure.go)
// while gemini speaks google.golang.org/genai's own request/response types
// (grounded on internal/providers/gemini/gemini.go).
//
// Unlike internal/translate (which converts between the canonical shape and
// each provider's logical shape), this package owns wire-level concerns only:
// building the HTTP request, setting provider-specific auth headers, and
// classifying the HTTP outcome into the error taxonomy spec.md §7 names.
package upstream

import (
	"context"
	"fmt"
	"net"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
)

// Kind classifies an upstream failure per spec.md §7's taxonomy.
type Kind string

const (
	KindClientError Kind = "upstream_client_error" // terminal, mirrored 4xx (except 429)
	KindRateLimited Kind = "upstream_rate_limited"  // retriable up to budget, then 429
	KindServerError Kind = "upstream_server_error"  // retriable up to budget, then 502
	KindTimeout     Kind = "upstream_timeout"       // retriable up to budget, then 504
	KindTransport   Kind = "transport_error"        // retriable up to budget, then 502
)

// Error is the structured outcome of a failed upstream call.
type Error struct {
	Kind       Kind
	StatusCode int // the provider's own HTTP status, 0 for transport/timeout failures
	Message    string
	Retriable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: %s: %s (status=%d)", e.Kind, e.Message, e.StatusCode)
}

// Result is a successful upstream call's output.
type Result struct {
	Response     translate.ChatResponse
	InputTokens  int64
	OutputTokens int64
	HTTPStatus   int
}

// Client performs one upstream chat-completions call for a single connection
// kind.
type Client interface {
	Invoke(ctx context.Context, conn domain.Connection, req translate.ChatRequest) (Result, error)
}

// For returns the Client for conn's kind. Connection kinds are a closed set
// per spec.md §3, so an unknown kind is a configuration bug surfaced as a
// TranslationError by the Dispatcher, not handled here.
func For(kind domain.ConnectionKind) (Client, error) {
	switch kind {
	case domain.ConnectionKindOpenAIV1:
		return openAIClient{}, nil
	case domain.ConnectionKindAzureOpenAI:
		return azureClient{}, nil
	case domain.ConnectionKindGemini:
		return geminiClient{}, nil
	default:
		return nil, fmt.Errorf("upstream: unknown connection kind %q", kind)
	}
}

// classifyNetErr maps a transport-level failure (connect refused, DNS, read
// timeout) to the right Error kind. context.DeadlineExceeded is surfaced as
// KindTimeout; everything else as KindTransport, both retriable (spec.md
// §4.D: "Transient errors (connect refused, 5xx, 429, read timeout) consume
// a retry").
func classifyNetErr(err error) *Error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &Error{Kind: KindTimeout, Message: err.Error(), Retriable: true}
	}
	return &Error{Kind: KindTransport, Message: err.Error(), Retriable: true}
}

// classifyStatus maps an HTTP status code from a reachable upstream into the
// taxonomy. 2xx never reaches here.
func classifyStatus(status int, message string) *Error {
	switch {
	case status == 429:
		return &Error{Kind: KindRateLimited, StatusCode: status, Message: message, Retriable: true}
	case status >= 500:
		return &Error{Kind: KindServerError, StatusCode: status, Message: message, Retriable: true}
	default:
		return &Error{Kind: KindClientError, StatusCode: status, Message: message, Retriable: false}
	}
}
