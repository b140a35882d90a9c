package cohere

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

func testTarget(baseURL string) providers.Target {
	return providers.Target{
		ProviderModel: &catalog.ProviderModel{
			Slug:     "command-r-plus-08-2024",
			Provider: catalog.Provider{Slug: "cohere", Kind: catalog.KindCohere, BaseURL: baseURL},
		},
		Credential: providers.Credential{APIKey: "co-key"},
	}
}

func parse(t *testing.T, body string) *providers.ChatRequest {
	t.Helper()
	req, err := providers.ParseChatRequest([]byte(body))
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return req
}

func newClient() *providers.Client {
	return providers.NewClient(providers.NewRegistry(New(nil)), providers.NewExecutor(nil))
}

func TestAdapter_TransformRequest(t *testing.T) {
	req := parse(t, `{
		"model": "command",
		"top_p": 0.8,
		"top_k": 40,
		"max_tokens": 100,
		"seed": 3,
		"stop": ["\n\n"],
		"tool_choice": "required",
		"messages": [
			{"role": "developer", "content": "Be formal."},
			{"role": "user", "content": [
				{"type": "text", "text": "Describe"},
				{"type": "image_url", "image_url": {"url": "https://img.test/a.png"}},
				{"type": "file", "file": {"file_id": "file-1"}}
			]},
			{"role": "assistant", "tool_calls": [{"id": "tc1", "type": "function", "function": {"name": "f", "arguments": "{}"}}]},
			{"role": "tool", "tool_call_id": "tc1", "content": "result"}
		],
		"tools": [{"type": "function", "function": {"name": "f", "parameters": {"type": "object"}}}]
	}`)

	out, err := New(nil).TransformRequest(req, testTarget("https://cohere.test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.URL != "https://cohere.test/v2/chat" {
		t.Errorf("unexpected URL %q", out.URL)
	}
	if out.Header.Get("Authorization") != "Bearer co-key" {
		t.Errorf("unexpected Authorization %q", out.Header.Get("Authorization"))
	}

	body := gjson.ParseBytes(out.Body)
	checks := map[string]string{
		"model":                      "command-r-plus-08-2024",
		"p":                          "0.8",
		"k":                          "40",
		"max_tokens":                 "100",
		"seed":                       "3",
		"tool_choice":                "REQUIRED",
		"messages.0.role":            "system",
		"messages.1.content.#":       "2",
		"messages.1.content.1.type":  "image_url",
		"messages.2.tool_calls.0.id": "tc1",
		"messages.3.role":            "tool",
		"messages.3.tool_call_id":    "tc1",
		"messages.3.content":         "result",
		"tools.0.function.name":      "f",
	}
	for path, want := range checks {
		if got := body.Get(path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
	if body.Get("top_p").Exists() || body.Get("stream").Exists() {
		t.Errorf("unexpected OpenAI-named fields: %s", out.Body)
	}
}

func TestClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "model").Str != "command-r-plus-08-2024" {
			t.Errorf("unexpected model in %s", body)
		}
		_, _ = w.Write([]byte(`{
			"id": "co-1",
			"finish_reason": "COMPLETE",
			"message": {"role": "assistant", "content": [{"type": "text", "text": "Hi "}, {"type": "text", "text": "there"}]},
			"usage": {"billed_units": {"input_tokens": 4, "output_tokens": 2}, "tokens": {"input_tokens": 70, "output_tokens": 2}}
		}`))
	}))
	defer srv.Close()

	req := parse(t, `{"model":"command","messages":[{"role":"user","content":"Hello"}]}`)
	resp, err := newClient().Complete(context.Background(), testTarget(srv.URL), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "co-1" || resp.Model != "command" {
		t.Errorf("unexpected envelope %+v", resp)
	}
	if *resp.Choices[0].Message.Content != "Hi there" || *resp.Choices[0].FinishReason != "stop" {
		t.Errorf("unexpected choice %+v", resp.Choices[0])
	}
	if resp.Usage.PromptTokens != 70 || resp.Usage.TotalTokens != 72 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestAdapter_TransformResponse_ToolCalls(t *testing.T) {
	body := `{"id":"co-2","finish_reason":"TOOL_CALL","message":{"role":"assistant","tool_plan":"I will call f","tool_calls":[{"id":"f_1","type":"function","function":{"name":"f","arguments":"{\"a\":1}"}}]},"usage":{"billed_units":{"input_tokens":5,"output_tokens":3}}}`
	resp, err := New(nil).TransformResponse([]byte(body), testTarget("").ProviderModel, &providers.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Arguments != `{"a":1}` {
		t.Errorf("unexpected tool calls %+v", msg.ToolCalls)
	}
	if msg.ReasoningContent != "I will call f" {
		t.Errorf("tool plan not surfaced: %q", msg.ReasoningContent)
	}
	if *resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish = %q", *resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 5 || resp.Usage.CompletionTokens != 3 {
		t.Errorf("billed units should be used when tokens are absent: %+v", resp.Usage)
	}
}

func TestFinishReason(t *testing.T) {
	cases := map[string]string{
		"COMPLETE":      "stop",
		"STOP_SEQUENCE": "stop",
		"MAX_TOKENS":    "length",
		"ERROR_LIMIT":   "length",
		"TOOL_CALL":     "tool_calls",
		"ERROR_TOXIC":   "content_filter",
		"ERROR":         "stop",
		"USER_CANCEL":   "stop",
	}
	for in, want := range cases {
		if got := finishReason(in); got != want {
			t.Errorf("finishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClient_Stream(t *testing.T) {
	events := []string{
		`{"type":"message-start","id":"co-s","delta":{"message":{"role":"assistant"}}}`,
		`{"type":"content-start","index":0,"delta":{"message":{"content":{"type":"text","text":""}}}}`,
		`{"type":"content-delta","index":0,"delta":{"message":{"content":{"text":"Hel"}}}}`,
		`{"type":"content-delta","index":0,"delta":{"message":{"content":{"text":"lo"}}}}`,
		`{"type":"content-end","index":0}`,
		`{"type":"tool-call-start","index":0,"delta":{"message":{"tool_calls":{"id":"t1","type":"function","function":{"name":"f","arguments":""}}}}}`,
		`{"type":"tool-call-delta","index":0,"delta":{"message":{"tool_calls":{"function":{"arguments":"{}"}}}}}`,
		`{"type":"tool-call-end","index":0}`,
		`{"type":"message-end","delta":{"finish_reason":"TOOL_CALL","usage":{"billed_units":{"input_tokens":3,"output_tokens":4},"tokens":{"input_tokens":3,"output_tokens":4}}}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", gjson.Get(ev, "type").Str, ev)
		}
	}))
	defer srv.Close()

	req := parse(t, `{"model":"command","stream":true,"messages":[{"role":"user","content":"Hello"}]}`)
	s, err := newClient().OpenStream(context.Background(), testTarget(srv.URL), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	var chunks []*providers.Chunk
	if err := s.Each(func(c *providers.Chunk) error {
		chunks = append(chunks, c)
		return nil
	}); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(chunks) != 6 {
		t.Fatalf("expected 6 chunks, got %d", len(chunks))
	}
	if chunks[0].ID != "co-s" || chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("unexpected first chunk %+v", chunks[0])
	}
	if *chunks[1].Choices[0].Delta.Content+*chunks[2].Choices[0].Delta.Content != "Hello" {
		t.Error("content deltas not forwarded")
	}
	if chunks[3].Choices[0].Delta.ToolCalls[0].Function.Name != "f" {
		t.Errorf("tool call start not forwarded: %+v", chunks[3].Choices[0].Delta)
	}
	last := chunks[5]
	if *last.Choices[0].FinishReason != "tool_calls" || last.Usage.TotalTokens != 7 {
		t.Errorf("unexpected final chunk %+v", last)
	}
}
