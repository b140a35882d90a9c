package main

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// newCohereHandler returns an http.Handler simulating the Cohere v2 chat
// API.
func newCohereHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v2/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeCohereError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !hasKey(r, "cohere") {
			writeCohereError(w, http.StatusUnauthorized, "invalid api token")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeCohereError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			Model    string            `json:"model"`
			Stream   bool              `json:"stream"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			writeCohereError(w, http.StatusBadRequest, "invalid request: messages must not be empty")
			return
		}

		id := uuid.NewString()
		content := fakeSentence(cfg.StreamWords)
		usage := map[string]any{
			"billed_units": map[string]int{"input_tokens": 8 * len(req.Messages), "output_tokens": cfg.StreamWords},
			"tokens":       map[string]int{"input_tokens": 12 * len(req.Messages), "output_tokens": cfg.StreamWords},
		}

		if req.Stream {
			serveCohereStream(w, id, content, usage)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"finish_reason": "COMPLETE",
			"message": map[string]any{
				"role":    "assistant",
				"content": []map[string]string{{"type": "text", "text": content}},
			},
			"usage": usage,
		})
	})

	// GET /v1/models, used by the health check.
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		if !hasKey(r, "cohere") {
			writeCohereError(w, http.StatusUnauthorized, "invalid api token")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "command-r-plus", "endpoints": []string{"chat"}, "context_length": 128000},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeCohereError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func writeCohereError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// serveCohereStream writes the v2 stream event sequence.
func serveCohereStream(w http.ResponseWriter, id, content string, usage map[string]any) {
	send := sse(w)

	send("message-start", map[string]any{
		"type": "message-start",
		"id":   id,
		"delta": map[string]any{
			"message": map[string]any{"role": "assistant"},
		},
	})
	send("content-start", map[string]any{
		"type":  "content-start",
		"index": 0,
		"delta": map[string]any{
			"message": map[string]any{"content": map[string]string{"type": "text", "text": ""}},
		},
	})
	for _, word := range words(content) {
		send("content-delta", map[string]any{
			"type":  "content-delta",
			"index": 0,
			"delta": map[string]any{
				"message": map[string]any{"content": map[string]string{"text": word}},
			},
		})
	}
	send("content-end", map[string]any{"type": "content-end", "index": 0})
	send("message-end", map[string]any{
		"type": "message-end",
		"delta": map[string]any{
			"finish_reason": "COMPLETE",
			"usage":         usage,
		},
	})
}
