package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// newGoogleAIHandler returns an http.Handler simulating the Google AI
// (Gemini API) generateContent endpoints:
//
//	POST /v1beta/models/{model}:generateContent
//	POST /v1beta/models/{model}:streamGenerateContent?alt=sse
//	GET  /v1beta/models           (list models, used by the health check)
func newGoogleAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		model := extractModel(path)

		var stream bool
		switch {
		case strings.HasSuffix(path, ":generateContent"):
		case strings.HasSuffix(path, ":streamGenerateContent"):
			stream = true
		default:
			writeGoogleError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path), "NOT_FOUND")
			return
		}

		if r.Method != http.MethodPost {
			writeGoogleError(w, http.StatusMethodNotAllowed, "method not allowed", "INVALID_ARGUMENT")
			return
		}
		if !hasKey(r, "googleai") {
			writeGoogleError(w, http.StatusForbidden, "missing x-goog-api-key", "PERMISSION_DENIED")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeGoogleError(w, http.StatusInternalServerError, "mock internal error", "INTERNAL")
			return
		}

		var req struct {
			Contents []json.RawMessage `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contents) == 0 {
			writeGoogleError(w, http.StatusBadRequest, "contents must not be empty", "INVALID_ARGUMENT")
			return
		}

		handleGoogleGenerate(w, cfg, model, len(req.Contents), stream && r.URL.Query().Get("alt") == "sse")
	})

	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		if !hasKey(r, "googleai") {
			writeGoogleError(w, http.StatusForbidden, "missing x-goog-api-key", "PERMISSION_DENIED")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":        "models/gemini-2.0-flash",
					"displayName": "Gemini 2.0 Flash",
					"description": "Mock Gemini 2.0 Flash",
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGoogleError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "NOT_FOUND")
	})

	return mux
}

func handleGoogleGenerate(w http.ResponseWriter, cfg Config, model string, turns int, stream bool) {
	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := 10 * turns
	outTokens := cfg.StreamWords

	response := func(text string, final bool) map[string]any {
		candidate := map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": text}},
			},
			"index": 0,
		}
		resp := map[string]any{
			"candidates":   []any{candidate},
			"responseId":   id,
			"modelVersion": model,
		}
		if final {
			candidate["finishReason"] = "STOP"
			resp["usageMetadata"] = map[string]int{
				"promptTokenCount":     inTokens,
				"candidatesTokenCount": outTokens,
				"totalTokenCount":      inTokens + outTokens,
			}
		}
		return resp
	}

	if !stream {
		writeJSON(w, http.StatusOK, response(content, true))
		return
	}

	send := sse(w)
	ws := words(content)
	for i, word := range ws {
		send("", response(word, i == len(ws)-1))
	}
}

func writeGoogleError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  code,
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-2.0-flash:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.0-flash"
}
