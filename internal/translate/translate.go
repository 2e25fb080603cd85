// Package translate implements the Dialect Translator (spec.md §4.E):
// conversion between the OpenAI-canonical request/response shape the
// gateway's HTTP surface speaks and each connection kind's own wire
// dialect.
//
// Azure OpenAI is near-isomorphic to the canonical shape (deployment-scoped
// URL and api-key header aside, the JSON body round-trips unchanged) and
// openai/v1 connections speak the canonical shape directly, so both use the
// Identity translator. Gemini requires a lossy mapping — system/developer
// messages merge into a single system instruction, and tool calls map onto
// Gemini's function-call parts — so its translator is built from the same
// message-walk the teacher's providers/gemini package already performs
// (internal/providers/gemini/gemini.go's buildContentsAndConfig), lifted out
// of the provider client and made explicit here.
package translate

import "github.com/nulpointcorp/llm-gateway/internal/domain"

// ChatMessage is one canonical conversation turn.
type ChatMessage struct {
	Role       string
	Content    string
	Name       string
	ToolCallID string     // set on role=="tool" messages
	ToolCalls  []ToolCall // set on role=="assistant" messages that invoke tools
}

// ToolCall is a canonical OpenAI-shape tool invocation.
type ToolCall struct {
	ID       string
	Type     string // "function"
	Function ToolCallFunction
}

// ToolCallFunction is the function-call payload of a ToolCall.
type ToolCallFunction struct {
	Name      string
	Arguments string // raw JSON, passed through untouched
}

// ChatRequest is the canonical OpenAI /v1/chat/completions request body.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	Temperature float64
	MaxTokens   int
	Tools       []Tool
}

// Tool is a canonical OpenAI-shape tool definition.
type Tool struct {
	Type     string
	Name     string
	RawSpec  string // raw JSON parameters schema, passed through untouched
}

// Usage is the canonical token accounting block. These three counts are the
// fields spec.md §4.E names as never lossy, regardless of dialect.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// ChatResponse is the canonical OpenAI /v1/chat/completions response body.
type ChatResponse struct {
	ID           string
	Model        string // forbidden-loss field (§4.E): always echoed back
	Choices      []Choice
	Usage        Usage
	FinishReason string
}

// Choice is one canonical completion choice.
type Choice struct {
	Index        int
	Message      ChatMessage
	FinishReason string
}

// StreamChunk is one canonical SSE `chat.completion.chunk` event.
type StreamChunk struct {
	ID           string
	Model        string
	Delta        ChatMessage
	FinishReason string
	Usage        *Usage // only populated on the final chunk, mirroring OpenAI
}

// UpstreamRequest is what a translator produces for dispatch to send to one
// connection kind; its shape is intentionally opaque here; each connection
// kind's client in internal/upstream knows how to consume its own concrete
// type.
type UpstreamRequest interface{}

// UpstreamResponse is what a translator consumes to build the canonical
// response; same opacity rationale as UpstreamRequest.
type UpstreamResponse interface{}

// Translator converts between the canonical dialect and one connection
// kind's wire dialect.
type Translator interface {
	// ToUpstream builds the kind-specific request from the canonical one.
	ToUpstream(req ChatRequest, conn domain.ConnectionInfo) (UpstreamRequest, error)
	// FromUpstream builds the canonical response from the kind-specific one.
	FromUpstream(resp UpstreamResponse) (ChatResponse, error)
	// FromUpstreamChunk translates one streamed chunk (§9a: per-chunk, not
	// passthrough). Nothing in this repository calls it: the Dispatcher
	// performs only buffered upstream calls.
	FromUpstreamChunk(chunk UpstreamResponse) (StreamChunk, error)
}

// For registers a Translator for each connection kind; For(kind) panics on
// an unregistered kind since spec.md §3 closes the connection_info union to
// exactly these three.
func For(kind domain.ConnectionKind) Translator {
	switch kind {
	case domain.ConnectionKindAzureOpenAI, domain.ConnectionKindOpenAIV1:
		return identityTranslator{}
	case domain.ConnectionKindGemini:
		return geminiTranslator{}
	default:
		panic("translate: unknown connection kind " + string(kind))
	}
}
