package upstream

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// EmbedResult is a successful upstream embeddings call's output.
type EmbedResult struct {
	Vectors     [][]float64
	InputTokens int64
	HTTPStatus  int
}

// EmbedClient performs one upstream embeddings call for a single connection
// kind. Unlike chat completions, not every connection kind in spec.md §3's
// closed union supports embeddings (spec.md §6: "deployment must resolve to
// a connection supporting embeddings") — gemini has no EmbedClient, so
// EmbedFor reports it as a client error the Dispatcher surfaces as
// TranslationError rather than retrying against a connection that can never
// succeed.
type EmbedClient interface {
	InvokeEmbedding(ctx context.Context, conn domain.Connection, model string, input []string) (EmbedResult, error)
}

// EmbedFor returns the EmbedClient for conn's kind.
func EmbedFor(kind domain.ConnectionKind) (EmbedClient, error) {
	switch kind {
	case domain.ConnectionKindOpenAIV1:
		return openAIClient{}, nil
	case domain.ConnectionKindAzureOpenAI:
		return azureClient{}, nil
	default:
		return nil, fmt.Errorf("upstream: connection kind %q does not support embeddings", kind)
	}
}
