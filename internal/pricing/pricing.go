// Package pricing computes the USD cost of one upstream call from a
// provider × model × token-kind price table (spec.md §4.B: "Cost is
// computed from a provider×model price table keyed by (provider, model,
// token_kind). Unknown models price at 0 and are flagged.").
//
// No teacher package prices anything — the teacher's gateway forwards raw
// provider responses without a billing layer — so this table is new,
// shaped directly from spec.md §4.B rather than adapted from existing code.
package pricing

import "github.com/nulpointcorp/llm-gateway/internal/domain"

// rate is USD per token, not per 1K/1M, to keep Cost's arithmetic a single
// multiply.
type rate struct {
	input  float64
	output float64
}

// table holds list-price rates as of this build for the three connection
// kinds spec.md §3 names. Prices are deliberately coarse — the admin surface
// is the source of truth for billing in a real deployment; this table only
// needs to be good enough to exercise the two-phase accounting in §4.B.
var table = map[domain.ConnectionKind]map[string]rate{
	domain.ConnectionKindOpenAIV1: {
		"gpt-4o":      {input: 2.50 / 1_000_000, output: 10.00 / 1_000_000},
		"gpt-4o-mini": {input: 0.15 / 1_000_000, output: 0.60 / 1_000_000},
		"gpt-4.1":     {input: 2.00 / 1_000_000, output: 8.00 / 1_000_000},
		"o3-mini":     {input: 1.10 / 1_000_000, output: 4.40 / 1_000_000},

		"text-embedding-3-small": {input: 0.02 / 1_000_000},
		"text-embedding-3-large": {input: 0.13 / 1_000_000},
		"text-embedding-ada-002": {input: 0.10 / 1_000_000},
	},
	domain.ConnectionKindAzureOpenAI: {
		"gpt-4o":                 {input: 2.50 / 1_000_000, output: 10.00 / 1_000_000},
		"gpt-4o-mini":            {input: 0.15 / 1_000_000, output: 0.60 / 1_000_000},
		"text-embedding-3-small": {input: 0.02 / 1_000_000},
		"text-embedding-3-large": {input: 0.13 / 1_000_000},
	},
	domain.ConnectionKindGemini: {
		"gemini-2.5-pro":   {input: 1.25 / 1_000_000, output: 10.00 / 1_000_000},
		"gemini-2.5-flash": {input: 0.30 / 1_000_000, output: 2.50 / 1_000_000},
		"gemini-1.5-flash": {input: 0.075 / 1_000_000, output: 0.30 / 1_000_000},
	},
}

// Cost prices one call's token usage. known is false when (kind, model) has
// no table entry — the caller still gets a usable cost (0), but spec.md
// §4.B requires the zero price be flagged rather than silently accepted.
func Cost(kind domain.ConnectionKind, model string, inputTokens, outputTokens int64) (cost float64, known bool) {
	byModel, ok := table[kind]
	if !ok {
		return 0, false
	}
	r, ok := byModel[model]
	if !ok {
		return 0, false
	}
	return float64(inputTokens)*r.input + float64(outputTokens)*r.output, true
}
