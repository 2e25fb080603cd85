package upstream

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
)

// geminiClient serves the gemini connection kind via google.golang.org/genai,
// grounded on internal/providers/gemini/gemini.go's client construction
// (genai.NewClient with BackendGeminiAPI + HTTPOptions{BaseURL, APIVersion})
// and handleResponse's usage/text extraction. Invoke receives the canonical
// request and runs the Dialect Translator itself (ToUpstream into a
// translate.GeminiRequest, FromUpstream on the SDK response) around the SDK
// call and error classification.
type geminiClient struct{}

func (geminiClient) Invoke(ctx context.Context, conn domain.Connection, req translate.ChatRequest) (Result, error) {
	upReq, err := translate.For(domain.ConnectionKindGemini).ToUpstream(req, conn.Info)
	if err != nil {
		return Result{}, &Error{Kind: KindClientError, Message: err.Error()}
	}
	gr, ok := upReq.(translate.GeminiRequest)
	if !ok {
		return Result{}, &Error{Kind: KindClientError, Message: fmt.Sprintf("upstream: unexpected translated request type %T", upReq)}
	}

	client, err := clientFor(ctx, conn)
	if err != nil {
		return Result{}, &Error{Kind: KindClientError, Message: err.Error()}
	}

	resp, err := client.Models.GenerateContent(ctx, gr.Model, gr.Contents, gr.Config)
	if err != nil {
		return Result{}, classifyGeminiErr(err)
	}

	out, err := translate.For(domain.ConnectionKindGemini).FromUpstream(resp)
	if err != nil {
		return Result{}, &Error{Kind: KindClientError, Message: err.Error()}
	}

	return Result{
		Response:     out,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		HTTPStatus:   200,
	}, nil
}

// clientFor builds a per-call genai.Client from the connection's credentials
// and endpoint/API-version overrides. A per-call client avoids caching a
// shared client keyed by connection across dispatches, which the Dispatcher
// may run concurrently for different connections of the same kind.
func clientFor(ctx context.Context, conn domain.Connection) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  conn.Info.Credentials,
		Backend: genai.BackendGeminiAPI,
	}
	if conn.Info.Endpoint != "" {
		apiVersion := ""
		if conn.Info.Gemini != nil {
			apiVersion = conn.Info.Gemini.APIVersion
		}
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: conn.Info.Endpoint, APIVersion: apiVersion}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("upstream: gemini client: %w", err)
	}
	return client, nil
}

func classifyGeminiErr(err error) *Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, apiErr.Message)
	}
	return classifyNetErr(err)
}
