package proxy

import (
	"encoding/json"

	"github.com/nulpointcorp/llm-gateway/internal/translate"
)

// chatCompletionRequest is the wire shape of POST /v1/chat/completions
// (spec.md §6): "model" names a deployment, not an upstream model.
type chatCompletionRequest struct {
	Model       string             `json:"model"`
	Messages    []chatMessageDTO   `json:"messages"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Tools       []toolDTO          `json:"tools,omitempty"`
}

type chatMessageDTO struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	Name       string       `json:"name,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCallDTO `json:"tool_calls,omitempty"`
}

type toolCallDTO struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Function toolCallFunctionDTO `json:"function"`
}

type toolCallFunctionDTO struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolDTO struct {
	Type     string          `json:"type"`
	Function toolFunctionDTO `json:"function"`
}

type toolFunctionDTO struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// toCanonical converts the wire request into the Dialect Translator's
// canonical shape (spec.md §4.E).
func (r chatCompletionRequest) toCanonical() translate.ChatRequest {
	msgs := make([]translate.ChatMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		cm := translate.ChatMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, translate.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: translate.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		msgs = append(msgs, cm)
	}

	tools := make([]translate.Tool, 0, len(r.Tools))
	for _, t := range r.Tools {
		tools = append(tools, translate.Tool{
			Type:    t.Type,
			Name:    t.Function.Name,
			RawSpec: string(t.Function.Parameters),
		})
	}

	return translate.ChatRequest{
		Model:       r.Model,
		Messages:    msgs,
		Stream:      r.Stream,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Tools:       tools,
	}
}

// chatCompletionResponse is the wire shape returned to the client, built
// from the canonical translate.ChatResponse.
type chatCompletionResponse struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Model   string          `json:"model"`
	Choices []choiceDTO     `json:"choices"`
	Usage   usageDTO        `json:"usage"`
}

type choiceDTO struct {
	Index        int            `json:"index"`
	Message      chatMessageDTO `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type usageDTO struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func fromCanonicalResponse(cr translate.ChatResponse) chatCompletionResponse {
	choices := make([]choiceDTO, 0, len(cr.Choices))
	for _, c := range cr.Choices {
		md := chatMessageDTO{Role: c.Message.Role, Content: c.Message.Content, Name: c.Message.Name, ToolCallID: c.Message.ToolCallID}
		for _, tc := range c.Message.ToolCalls {
			md.ToolCalls = append(md.ToolCalls, toolCallDTO{
				ID:   tc.ID,
				Type: tc.Type,
				Function: toolCallFunctionDTO{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		choices = append(choices, choiceDTO{Index: c.Index, Message: md, FinishReason: c.FinishReason})
	}

	return chatCompletionResponse{
		ID:      cr.ID,
		Object:  "chat.completion",
		Model:   cr.Model,
		Choices: choices,
		Usage: usageDTO{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		},
	}
}

// embeddingsRequest is the wire shape of POST /v1/embeddings (spec.md §6).
// Input accepts either a single string or an array of strings, mirroring
// the OpenAI API; UnmarshalJSON below normalizes both into InputList.
type embeddingsRequest struct {
	Model     string   `json:"model"`
	InputList []string `json:"-"`
}

func (r *embeddingsRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Model = raw.Model

	var single string
	if err := json.Unmarshal(raw.Input, &single); err == nil {
		r.InputList = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw.Input, &many); err != nil {
		return err
	}
	r.InputList = many
	return nil
}

type embeddingsResponse struct {
	Object string               `json:"object"`
	Model  string               `json:"model"`
	Data   []embeddingDatumDTO  `json:"data"`
	Usage  embeddingsUsageDTO   `json:"usage"`
}

type embeddingDatumDTO struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsUsageDTO struct {
	PromptTokens int64 `json:"prompt_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}
