package main

import (
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "provider", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// keyHeaders lists where each protocol carries its API key.
var keyHeaders = map[string]string{
	"openai":    "Authorization",
	"anthropic": "x-api-key",
	"googleai":  "x-goog-api-key",
	"cohere":    "Authorization",
}

// hasKey reports whether r carries a credential the way provider expects.
// The mocks accept any non-empty key.
func hasKey(r *http.Request, provider string) bool {
	v := r.Header.Get(keyHeaders[provider])
	if keyHeaders[provider] == "Authorization" {
		v = strings.TrimPrefix(v, "Bearer ")
	}
	return strings.TrimSpace(v) != ""
}

// words splits a fake sentence into stream deltas.
func words(content string) []string {
	fs := strings.Fields(content)
	if len(fs) == 0 {
		return nil
	}
	for i := range fs[:len(fs)-1] {
		fs[i] += " "
	}
	return fs
}

// sse starts an event stream and returns a flush-after-write sender.
func sse(w http.ResponseWriter) func(event string, v any) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return func(event string, v any) {
		if event != "" {
			_, _ = w.Write([]byte("event: " + event + "\n"))
		}
		data, _ := json.Marshal(v)
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
