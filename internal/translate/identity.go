package translate

import (
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// identityTranslator serves azure/openai and openai/v1 connections, both of
// which speak the canonical OpenAI dialect on the wire (Azure differs only
// in URL shape and auth header, handled by the connection's client, not by
// translation).
type identityTranslator struct{}

func (identityTranslator) ToUpstream(req ChatRequest, _ domain.ConnectionInfo) (UpstreamRequest, error) {
	return req, nil
}

func (identityTranslator) FromUpstream(resp UpstreamResponse) (ChatResponse, error) {
	cr, ok := resp.(ChatResponse)
	if !ok {
		return ChatResponse{}, fmt.Errorf("translate: identity: unexpected upstream response type %T", resp)
	}
	return cr, nil
}

func (identityTranslator) FromUpstreamChunk(chunk UpstreamResponse) (StreamChunk, error) {
	sc, ok := chunk.(StreamChunk)
	if !ok {
		return StreamChunk{}, fmt.Errorf("translate: identity: unexpected upstream chunk type %T", chunk)
	}
	return sc, nil
}
