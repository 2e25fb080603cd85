package translate

import (
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// geminiTranslator maps the canonical OpenAI dialect onto google.golang.org/
// genai's request/response shape. This mapping is lossy in both directions:
//   - every system/developer message merges into one SystemInstruction,
//     exactly as internal/providers/gemini/gemini.go's
//     buildContentsAndConfig does for the teacher's non-translating path;
//   - tool calls map onto genai's FunctionCall/FunctionResponse parts, which
//     carry no analogue of OpenAI's per-call ToolCallID — a tool message's
//     ToolCallID is sent in the function response's Name field, and response
//     tool calls get ids synthesized from candidate and part indices.
type geminiTranslator struct{}

func (geminiTranslator) ToUpstream(req ChatRequest, conn domain.ConnectionInfo) (UpstreamRequest, error) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant":
			if len(m.ToolCalls) > 0 {
				parts := make([]*genai.Part, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							Name: tc.Function.Name,
							ID:   tc.ID,
						},
					})
				}
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
				continue
			}
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		case "tool":
			// The ToolCallID has no first-class home in genai's
			// FunctionResponse; it travels in the Name field.
			// FromUpstream does not read it back.
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     m.ToolCallID,
						Response: map[string]any{"content": m.Content},
					},
				}},
			})

		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}
	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return GeminiRequest{Model: req.Model, Contents: contents, Config: cfg}, nil
}

// GeminiRequest bundles the three values the genai SDK's
// Models.GenerateContent(ctx, model, contents, cfg) call needs.
type GeminiRequest struct {
	Model    string
	Contents []*genai.Content
	Config   *genai.GenerateContentConfig
}

func (geminiTranslator) FromUpstream(resp UpstreamResponse) (ChatResponse, error) {
	gr, ok := resp.(*genai.GenerateContentResponse)
	if !ok {
		return ChatResponse{}, fmt.Errorf("translate: gemini: unexpected upstream response type %T", resp)
	}

	out := ChatResponse{ID: gr.ResponseID, Model: gr.ModelVersion}

	var usage Usage
	if gr.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     int64(gr.UsageMetadata.PromptTokenCount),
			CompletionTokens: int64(gr.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int64(gr.UsageMetadata.TotalTokenCount),
		}
	}
	out.Usage = usage

	for i, c := range gr.Candidates {
		if c == nil {
			continue
		}
		msg := ChatMessage{Role: "assistant", Content: gr.Text()}
		for partIdx, p := range partsOf(c) {
			if p.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:   toolCallID(i, partIdx),
					Type: "function",
					Function: ToolCallFunction{
						Name: p.FunctionCall.Name,
					},
				})
			}
		}
		finish := string(c.FinishReason)
		out.Choices = append(out.Choices, Choice{Index: i, Message: msg, FinishReason: finish})
		if i == 0 {
			out.FinishReason = finish
		}
	}

	return out, nil
}

func (geminiTranslator) FromUpstreamChunk(chunk UpstreamResponse) (StreamChunk, error) {
	gr, ok := chunk.(*genai.GenerateContentResponse)
	if !ok {
		return StreamChunk{}, fmt.Errorf("translate: gemini: unexpected upstream chunk type %T", chunk)
	}

	sc := StreamChunk{ID: gr.ResponseID}
	if len(gr.Candidates) > 0 && gr.Candidates[0] != nil {
		c := gr.Candidates[0]
		sc.Delta = ChatMessage{Role: "assistant", Content: gr.Text()}
		sc.FinishReason = string(c.FinishReason)
	}
	if gr.UsageMetadata != nil {
		sc.Usage = &Usage{
			PromptTokens:     int64(gr.UsageMetadata.PromptTokenCount),
			CompletionTokens: int64(gr.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int64(gr.UsageMetadata.TotalTokenCount),
		}
	}
	return sc, nil
}

// toolCallID derives a synthesized tool_call id from the candidate and part
// index, since genai's FunctionCall carries no analogue of OpenAI's
// per-call id (spec.md §4.E: "synthesized tool_calls whose ids are derived
// from (candidate_index, part_index)").
func toolCallID(candidateIndex, partIndex int) string {
	return fmt.Sprintf("call_%d_%d", candidateIndex, partIndex)
}

func partsOf(c *genai.Candidate) []*genai.Part {
	if c.Content == nil {
		return nil
	}
	return c.Content.Parts
}
