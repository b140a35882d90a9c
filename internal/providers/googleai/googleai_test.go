package googleai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"
	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

func testTarget(baseURL string) providers.Target {
	return providers.Target{
		ProviderModel: &catalog.ProviderModel{
			Slug:     "gemini-2.0-flash",
			Provider: catalog.Provider{Slug: "google-ai", Kind: catalog.KindGoogleAI, BaseURL: baseURL},
		},
		Credential: providers.Credential{APIKey: "g-key"},
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

func TestAdapter_Kind(t *testing.T) {
	if got := New(nil).Kind(); got != catalog.KindGoogleAI {
		t.Errorf("Kind() = %q", got)
	}
}

func TestAdapter_TransformRequest(t *testing.T) {
	req := parse(t, `{
		"model": "flash",
		"temperature": 0.2,
		"max_tokens": 256,
		"top_k": 20,
		"stop": "END",
		"response_format": {"type": "json_object"},
		"tool_choice": {"type": "function", "function": {"name": "lookup"}},
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": [
				{"type": "text", "text": "What is this?"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,aGVsbG8="}},
				{"type": "image_url", "image_url": {"url": "https://img.test/cat.jpg"}}
			]},
			{"role": "assistant", "content": "Let me check.", "tool_calls": [{"id": "c1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"cat\"}"}}]},
			{"role": "tool", "tool_call_id": "c1", "content": "a cat"},
			{"role": "user", "content": "Thanks"}
		],
		"tools": [{"type": "function", "function": {"name": "lookup", "description": "search", "parameters": {"type": "object"}}}]
	}`)

	out, err := New(nil).TransformRequest(req, testTarget("https://gai.test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.URL != "https://gai.test/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Errorf("unexpected URL %q", out.URL)
	}
	if out.Header.Get("x-goog-api-key") != "g-key" || out.Header.Get("Authorization") != "" {
		t.Errorf("unexpected auth headers %v", out.Header)
	}

	body := gjson.ParseBytes(out.Body)
	if n := body.Get("contents.#").Int(); n != 3 {
		t.Fatalf("expected 3 merged turns, got %d: %s", n, out.Body)
	}
	checks := map[string]string{
		"systemInstruction.parts.0.text":                          "Be brief.",
		"contents.0.role":                                         "user",
		"contents.0.parts.#":                                      "3",
		"contents.0.parts.1.inlineData.mimeType":                  "image/png",
		"contents.0.parts.1.inlineData.data":                      "aGVsbG8=",
		"contents.0.parts.2.fileData.fileUri":                     "https://img.test/cat.jpg",
		"contents.0.parts.2.fileData.mimeType":                    "image/jpeg",
		"contents.1.role":                                         "model",
		"contents.1.parts.1.functionCall.name":                    "lookup",
		"contents.1.parts.1.functionCall.args.q":                  "cat",
		"contents.2.role":                                         "user",
		"contents.2.parts.0.functionResponse.name":                "lookup",
		"contents.2.parts.0.functionResponse.response.content":    "a cat",
		"contents.2.parts.1.text":                                 "Thanks",
		"tools.0.functionDeclarations.0.name":                     "lookup",
		"toolConfig.functionCallingConfig.mode":                   "ANY",
		"toolConfig.functionCallingConfig.allowedFunctionNames.0": "lookup",
		"generationConfig.temperature":                            "0.2",
		"generationConfig.maxOutputTokens":                        "256",
		"generationConfig.topK":                                   "20",
		"generationConfig.stopSequences.0":                        "END",
		"generationConfig.responseMimeType":                       "application/json",
	}
	for path, want := range checks {
		if got := body.Get(path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
	for _, absent := range []string{"model", "stream", "generationConfig.stream", "generationConfig.responseFormat", "temperature"} {
		if body.Get(absent).Exists() {
			t.Errorf("unexpected field %s in %s", absent, out.Body)
		}
	}
}

func TestAdapter_TransformRequest_StreamEndpoint(t *testing.T) {
	req := parse(t, `{"model":"flash","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	target := testTarget("https://gai.test")
	target.ProviderModel.EndpointPath = "/v1/models/{model}"

	out, err := New(nil).TransformRequest(req, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://gai.test/v1/models/gemini-2.0-flash:streamGenerateContent?alt=sse"
	if out.URL != want || !out.Stream {
		t.Errorf("URL = %q, stream = %v", out.URL, out.Stream)
	}
}

func TestAdapter_TransformRequest_NoKey(t *testing.T) {
	target := testTarget("")
	target.Credential = providers.Credential{}
	_, err := New(nil).TransformRequest(parse(t, `{"model":"m","messages":[{"role":"user","content":"x"}]}`), target)
	perr, ok := providers.AsError(err)
	if !ok || perr.Code != providers.CodeUnsupportedAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "contents.0.parts.0.text").Str != "Hello" {
			t.Errorf("unexpected body %s", body)
		}
		_, _ = w.Write([]byte(`{
			"responseId": "g-1",
			"candidates": [{"index": 0, "finishReason": "STOP", "content": {"role": "model", "parts": [
				{"text": "thinking...", "thought": true},
				{"text": "Hi "},
				{"text": "there"}
			]}}],
			"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 3, "thoughtsTokenCount": 2, "totalTokenCount": 10}
		}`))
	}))
	defer srv.Close()

	req := parse(t, `{"model":"flash","messages":[{"role":"user","content":"Hello"}]}`)
	resp, err := newClient().Complete(context.Background(), testTarget(srv.URL), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "g-1" || resp.Model != "flash" {
		t.Errorf("unexpected envelope %+v", resp)
	}
	msg := resp.Choices[0].Message
	if *msg.Content != "Hi there" || msg.ReasoningContent != "thinking..." {
		t.Errorf("unexpected message %+v", msg)
	}
	if *resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", *resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 5 || resp.Usage.CompletionTokens != 5 || resp.Usage.TotalTokens != 10 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestAdapter_TransformResponse_FunctionCall(t *testing.T) {
	body := `{"candidates":[{"finishReason":"STOP","content":{"role":"model","parts":[{"functionCall":{"name":"lookup","args":{"q":"cat"}}}]}}]}`
	resp, err := New(nil).TransformResponse([]byte(body), testTarget("").ProviderModel, &providers.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 || calls[0].Function.Name != "lookup" || calls[0].Function.Arguments != `{"q":"cat"}` {
		t.Fatalf("unexpected tool calls %+v", calls)
	}
	if calls[0].ID == "" {
		t.Error("tool call id should be generated")
	}
	if *resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish = %q", *resp.Choices[0].FinishReason)
	}
	if len(resp.ID) < len("chatcmpl-") || resp.ID[:9] != "chatcmpl-" {
		t.Errorf("unexpected generated id %q", resp.ID)
	}
}

func TestAdapter_TransformResponse_Blocked(t *testing.T) {
	body := `{"promptFeedback":{"blockReason":"SAFETY"},"usageMetadata":{"promptTokenCount":4,"totalTokenCount":4}}`
	resp, err := New(nil).TransformResponse([]byte(body), testTarget("").ProviderModel, &providers.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Choices) != 1 || *resp.Choices[0].FinishReason != "content_filter" {
		t.Errorf("unexpected choices %+v", resp.Choices)
	}
}

func TestFinishReason(t *testing.T) {
	cases := []struct {
		in    string
		tools bool
		want  string
	}{
		{"STOP", false, "stop"},
		{"STOP", true, "tool_calls"},
		{"MAX_TOKENS", false, "length"},
		{"SAFETY", false, "content_filter"},
		{"RECITATION", false, "content_filter"},
		{"PROHIBITED_CONTENT", false, "content_filter"},
		{"MALFORMED_FUNCTION_CALL", false, "stop"},
		{"OTHER", false, "stop"},
	}
	for _, tc := range cases {
		if got := finishReason(genai.FinishReason(tc.in), tc.tools); got != tc.want {
			t.Errorf("finishReason(%q, %v) = %q, want %q", tc.in, tc.tools, got, tc.want)
		}
	}
}

func TestClient_Stream(t *testing.T) {
	events := []string{
		`{"responseId":"g-s","candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		`{"responseId":"g-s","candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]}}]}`,
		`{"responseId":"g-s","candidates":[{"content":{"role":"model","parts":[{"functionCall":{"id":"f1","name":"lookup","args":{}}}]}}]}`,
		`{"responseId":"g-s","candidates":[{"finishReason":"STOP","content":{"role":"model","parts":[{"text":""}]}}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4,"totalTokenCount":7}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("stream should request alt=sse, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\r\n\r\n", ev)
		}
	}))
	defer srv.Close()

	req := parse(t, `{"model":"flash","stream":true,"messages":[{"role":"user","content":"Hello"}]}`)
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

	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	first := chunks[0].Choices[0].Delta
	if first.Role != "assistant" || *first.Content != "Hel" {
		t.Errorf("unexpected first delta %+v", first)
	}
	if chunks[1].Choices[0].Delta.Role != "" || *chunks[1].Choices[0].Delta.Content != "lo" {
		t.Errorf("unexpected second delta %+v", chunks[1].Choices[0].Delta)
	}
	tc := chunks[2].Choices[0].Delta.ToolCalls
	if len(tc) != 1 || tc[0].ID != "f1" || *tc[0].Index != 0 || tc[0].Function.Arguments != "{}" {
		t.Errorf("unexpected tool call delta %+v", tc)
	}
	last := chunks[3]
	if *last.Choices[0].FinishReason != "tool_calls" || last.Usage == nil || last.Usage.TotalTokens != 7 {
		t.Errorf("unexpected final chunk %+v", last)
	}
	for _, c := range chunks[:3] {
		if c.Usage != nil {
			t.Errorf("usage must only be on the final chunk")
		}
	}
}
