package upstream

import (
	"context"
	"errors"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
)

// openAIClient serves the openai/v1 connection kind via the openai-go SDK,
// grounded on internal/providers/openai/openai.go's buildChatCompletionParams
// / handleResponse pair. The azure/openai kind is a separate client
// (azureClient) built on raw net/http + JSON, since its request shaping and
// auth are hand-rolled in the teacher rather than SDK-mediated.
type openAIClient struct{}

func (openAIClient) Invoke(ctx context.Context, conn domain.Connection, req translate.ChatRequest) (Result, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	opts := []option.RequestOption{option.WithAPIKey(conn.Info.Credentials)}
	if conn.Info.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(conn.Info.Endpoint))
	}

	resp, err := openaiSDK.NewClient(opts...).Chat.Completions.New(ctx, params)
	if err != nil {
		return Result{}, classifyOpenAIErr(err)
	}

	content := ""
	finish := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	out := translate.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Choices: []translate.Choice{{
			Index:        0,
			Message:      translate.ChatMessage{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		FinishReason: finish,
		Usage: translate.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	return Result{
		Response:     out,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		HTTPStatus:   200,
	}, nil
}

// InvokeEmbedding serves the openai/v1 embeddings call, grounded on the same
// SDK client construction as Invoke above.
func (openAIClient) InvokeEmbedding(ctx context.Context, conn domain.Connection, model string, input []string) (EmbedResult, error) {
	opts := []option.RequestOption{option.WithAPIKey(conn.Info.Credentials)}
	if conn.Info.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(conn.Info.Endpoint))
	}

	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: input},
	}

	resp, err := openaiSDK.NewClient(opts...).Embeddings.New(ctx, params)
	if err != nil {
		return EmbedResult{}, classifyOpenAIErr(err)
	}

	vectors := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}

	return EmbedResult{
		Vectors:     vectors,
		InputTokens: resp.Usage.PromptTokens,
		HTTPStatus:  200,
	}, nil
}

// toSDKMessage mirrors internal/providers/openai/openai.go's toSDKMessage,
// extended with tool-role passthrough since the Dialect Translator's
// identity path may carry tool_call_id through from the client unchanged.
func toSDKMessage(m translate.ChatMessage) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(m.Role) {
	case "developer":
		return openaiSDK.DeveloperMessage(m.Content)
	case "system":
		return openaiSDK.SystemMessage(m.Content)
	case "assistant":
		return openaiSDK.AssistantMessage(m.Content)
	case "tool":
		return openaiSDK.ToolMessage(m.Content, m.ToolCallID)
	case "user":
		fallthrough
	default:
		return openaiSDK.UserMessage(m.Content)
	}
}

func classifyOpenAIErr(err error) *Error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, apiErr.Error())
	}
	return classifyNetErr(err)
}
