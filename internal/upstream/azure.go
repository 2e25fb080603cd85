package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
)

// azureClient serves the azure/openai connection kind with raw net/http +
// JSON, grounded on internal/providers/azure/azure.go: a deployment-scoped
// URL, "api-key" header auth, and hand-rolled wire structs rather than an
// SDK client.
type azureClient struct{}

type azureChatRequest struct {
	Messages    []azureChatMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
}

type azureChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []azureToolCall `json:"tool_calls,omitempty"`
}

type azureToolCall struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Function azureToolFunction `json:"function"`
}

type azureToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type azureChatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []azureChoice  `json:"choices"`
	Usage   azureUsage     `json:"usage"`
	Error   *azureAPIError `json:"error,omitempty"`
}

type azureChoice struct {
	Message      *azureChatMessage `json:"message,omitempty"`
	FinishReason string            `json:"finish_reason"`
}

type azureUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type azureAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

var azureHTTPClient = &http.Client{Timeout: 60 * time.Second}

func (azureClient) Invoke(ctx context.Context, conn domain.Connection, req translate.ChatRequest) (Result, error) {
	if conn.Info.Azure == nil {
		return Result{}, &Error{Kind: KindClientError, Message: "azure connection missing azure-specific fields"}
	}

	msgs := make([]azureChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		am := azureChatMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			am.ToolCalls = append(am.ToolCalls, azureToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: azureToolFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		msgs = append(msgs, am)
	}

	cr := azureChatRequest{Messages: msgs}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return Result{}, &Error{Kind: KindClientError, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		trimTrailingSlash(conn.Info.Endpoint), conn.Info.Azure.Resource, conn.Info.Azure.APIVersion)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Kind: KindClientError, Message: err.Error()}
	}
	httpReq.Header.Set("api-key", conn.Info.Credentials)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := azureHTTPClient.Do(httpReq)
	if err != nil {
		return Result{}, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, parseAzureError(resp)
	}

	var cr2 azureChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr2); err != nil {
		return Result{}, &Error{Kind: KindClientError, Message: fmt.Sprintf("decode response: %v", err), StatusCode: resp.StatusCode}
	}

	content := ""
	finish := ""
	var toolCalls []translate.ToolCall
	if len(cr2.Choices) > 0 && cr2.Choices[0].Message != nil {
		content = cr2.Choices[0].Message.Content
		finish = cr2.Choices[0].FinishReason
		for _, tc := range cr2.Choices[0].Message.ToolCalls {
			toolCalls = append(toolCalls, translate.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: translate.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}

	out := translate.ChatResponse{
		ID:    cr2.ID,
		Model: cr2.Model,
		Choices: []translate.Choice{{
			Index:        0,
			Message:      translate.ChatMessage{Role: "assistant", Content: content, ToolCalls: toolCalls},
			FinishReason: finish,
		}},
		FinishReason: finish,
		Usage: translate.Usage{
			PromptTokens:     cr2.Usage.PromptTokens,
			CompletionTokens: cr2.Usage.CompletionTokens,
			TotalTokens:      cr2.Usage.TotalTokens,
		},
	}

	return Result{
		Response:     out,
		InputTokens:  cr2.Usage.PromptTokens,
		OutputTokens: cr2.Usage.CompletionTokens,
		HTTPStatus:   resp.StatusCode,
	}, nil
}

type azureEmbeddingsRequest struct {
	Input []string `json:"input"`
}

type azureEmbeddingsResponse struct {
	Data  []azureEmbeddingsDatum `json:"data"`
	Usage azureUsage             `json:"usage"`
	Error *azureAPIError         `json:"error,omitempty"`
}

type azureEmbeddingsDatum struct {
	Embedding []float64 `json:"embedding"`
	Index     int        `json:"index"`
}

// InvokeEmbedding serves the azure/openai embeddings call, hand-rolled in
// the same net/http + JSON style as Invoke above since the teacher's azure
// provider never exercised embeddings either.
func (azureClient) InvokeEmbedding(ctx context.Context, conn domain.Connection, model string, input []string) (EmbedResult, error) {
	if conn.Info.Azure == nil {
		return EmbedResult{}, &Error{Kind: KindClientError, Message: "azure connection missing azure-specific fields"}
	}

	body, err := json.Marshal(azureEmbeddingsRequest{Input: input})
	if err != nil {
		return EmbedResult{}, &Error{Kind: KindClientError, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		trimTrailingSlash(conn.Info.Endpoint), conn.Info.Azure.Resource, conn.Info.Azure.APIVersion)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return EmbedResult{}, &Error{Kind: KindClientError, Message: err.Error()}
	}
	httpReq.Header.Set("api-key", conn.Info.Credentials)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := azureHTTPClient.Do(httpReq)
	if err != nil {
		return EmbedResult{}, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return EmbedResult{}, parseAzureError(resp)
	}

	var er azureEmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return EmbedResult{}, &Error{Kind: KindClientError, Message: fmt.Sprintf("decode response: %v", err), StatusCode: resp.StatusCode}
	}

	vectors := make([][]float64, len(er.Data))
	for _, d := range er.Data {
		vectors[d.Index] = d.Embedding
	}

	return EmbedResult{
		Vectors:     vectors,
		InputTokens: er.Usage.PromptTokens,
		HTTPStatus:  resp.StatusCode,
	}, nil
}

func parseAzureError(resp *http.Response) *Error {
	body, _ := io.ReadAll(resp.Body)

	var cr azureChatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return classifyStatus(resp.StatusCode, cr.Error.Message)
	}
	return classifyStatus(resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
