package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// newAzureHandler returns an http.Handler that simulates Azure OpenAI's
// deployment-scoped chat-completions and embeddings routes (spec.md §4.E
// "OpenAI ↔ Azure OpenAI (nearly isomorphic)"). Auth is via the api-key
// header rather than a bearer token; the mock does not check it, matching
// the other mock handlers' no-auth-check behavior.
func newAzureHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /openai/deployments/{deployment}/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		deployment := r.PathValue("deployment")
		id := fmt.Sprintf("chatcmpl-mockazure%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		inTokens := 10
		outTokens := cfg.StreamWords

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   deployment,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	mux.HandleFunc("POST /openai/deployments/{deployment}/embeddings", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Input json.RawMessage `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		deployment := r.PathValue("deployment")
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"model":  deployment,
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": fakeEmbedding(8)},
			},
			"usage": map[string]int{"prompt_tokens": 5, "total_tokens": 5},
		})
	})

	return mux
}
