package translate

import (
	"testing"

	"google.golang.org/genai"
)

// TestGeminiFromUpstream_ToolCallIDsFromCandidateAndPartIndex exercises
// spec.md §4.E's requirement that synthesized tool_calls ids be derived
// from (candidate_index, part_index), not passed through from the upstream
// SDK's own FunctionCall.ID (which Gemini rarely populates).
func TestGeminiFromUpstream_ToolCallIDsFromCandidateAndPartIndex(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		ResponseID: "resp-1",
		Candidates: []*genai.Candidate{
			{
				Content: &genai.Content{
					Role: genai.RoleModel,
					Parts: []*genai.Part{
						{Text: "checking now"},
						{FunctionCall: &genai.FunctionCall{Name: "lookup_weather"}},
						{FunctionCall: &genai.FunctionCall{Name: "lookup_time"}},
					},
				},
				FinishReason: genai.FinishReason("STOP"),
			},
		},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 5,
			TotalTokenCount:      15,
		},
	}

	out, err := geminiTranslator{}.FromUpstream(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(out.Choices))
	}

	calls := out.Choices[0].Message.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[0].ID != "call_0_1" {
		t.Errorf("expected id derived from (candidate=0, part=1), got %q", calls[0].ID)
	}
	if calls[1].ID != "call_0_2" {
		t.Errorf("expected id derived from (candidate=0, part=2), got %q", calls[1].ID)
	}
	if calls[0].Function.Name != "lookup_weather" || calls[1].Function.Name != "lookup_time" {
		t.Errorf("unexpected function names: %+v", calls)
	}
}

// TestGeminiFromUpstream_ToolCallIDsAcrossCandidates confirms the candidate
// index is part of the derivation, not just the part index, so calls in
// different candidates never collide.
func TestGeminiFromUpstream_ToolCallIDsAcrossCandidates(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				Content: &genai.Content{
					Role:  genai.RoleModel,
					Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{Name: "a"}}},
				},
				FinishReason: genai.FinishReason("STOP"),
			},
			{
				Content: &genai.Content{
					Role:  genai.RoleModel,
					Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{Name: "b"}}},
				},
				FinishReason: genai.FinishReason("STOP"),
			},
		},
	}

	out, err := geminiTranslator{}.FromUpstream(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Choices) != 2 {
		t.Fatalf("expected 2 choices, got %d", len(out.Choices))
	}
	if out.Choices[0].Message.ToolCalls[0].ID != "call_0_0" {
		t.Errorf("expected call_0_0, got %q", out.Choices[0].Message.ToolCalls[0].ID)
	}
	if out.Choices[1].Message.ToolCalls[0].ID != "call_1_0" {
		t.Errorf("expected call_1_0, got %q", out.Choices[1].Message.ToolCalls[0].ID)
	}
}
