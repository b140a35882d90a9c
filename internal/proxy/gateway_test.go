package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-router/internal/alias"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/catalog/catalogtest"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/pricing"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/providers/openai"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/scope"
	"github.com/nulpointcorp/llm-router/internal/usagelog"
)

// --- helpers ----------------------------------------------------------------

// defaultPolicy sends every request to OpenAI first, then Azure.
const defaultPolicy = `
policies:
  - id: pol-global
    name: default
    scope: global
    strategy: deterministic
    active: true
    rules:
      - id: rule-default
        order: 1
        active: true
        condition: {}
        targets:
          - {id: t-openai, provider_model_id: pm-openai-gpt4, max_retries: 1}
          - {id: t-azure, provider_model_id: pm-azure-gpt4, max_retries: 1}
`

const gatewayExtras = `
aliases:
  - {id: a-team-smart, scope: team, team_id: team-1, alias: smart, provider_model_id: pm-azure-gpt4}
prices:
  - {id: price-in, provider_model_id: pm-openai-gpt4, unit: token-input, price_micros: 500}
  - {id: price-out, provider_model_id: pm-openai-gpt4, unit: token-output, price_micros: 1500}
`

const completionBody = `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"gpt-4-0613",
"choices":[{"index":0,"message":{"role":"assistant","content":"hello from %s"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`

// upstream is a fake OpenAI-compatible provider.
type upstream struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newUpstream(t testing.TB, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func okUpstream(t testing.TB, name string) *upstream {
	return newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, completionBody, name)
	})
}

func statusUpstream(t testing.TB, status int) *upstream {
	return newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":{"message":"upstream said %d"}}`, status)
	})
}

// staticCreds hands out a key for every provider.
type staticCreds struct{}

func (staticCreds) Resolve(_ context.Context, p *catalog.Provider, _, _, _ string) (providers.Credential, error) {
	return providers.Credential{APIKey: "sk-" + p.Slug}, nil
}

// captureSink keeps every usage entry written to it.
type captureSink struct {
	mu      sync.Mutex
	entries []usagelog.Entry
}

func (s *captureSink) Write(_ context.Context, batch []usagelog.Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, batch...)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Close() error { return nil }

type testGateway struct {
	gw    *Gateway
	store *catalog.GormStore
	usage *usagelog.Writer
	sink  *captureSink
}

// entries flushes the usage log and returns what reached the sink.
func (tg *testGateway) entries(t *testing.T) []usagelog.Entry {
	t.Helper()
	require.NoError(t, tg.usage.Close())
	tg.sink.mu.Lock()
	defer tg.sink.mu.Unlock()
	return append([]usagelog.Entry(nil), tg.sink.entries...)
}

// newTestGateway wires a gateway over an in-memory catalog whose OpenAI and
// Azure providers point at the given upstreams. docs are seeded after the
// shared fixtures.
func newTestGateway(t testing.TB, openaiURL, azureURL string, docs ...string) *testGateway {
	t.Helper()
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Tenancy+catalogtest.Models, nil)
	catalogtest.Seed(t, db, fmt.Sprintf(`
providers:
  - {id: prov-openai, name: OpenAI, slug: openai, kind: openai, status: active, base_url: %q}
  - {id: prov-azure, name: Azure OpenAI, slug: azure, kind: openai, status: active, base_url: %q}
`, openaiURL, azureURL)+gatewayExtras, nil)
	for _, doc := range docs {
		catalogtest.Seed(t, db, doc, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	selector := routing.NewSelector(staticCreds{}, routing.SelectorConfig{DefaultMaxRetries: 1}, nil)
	client := providers.NewClient(providers.NewRegistry(openai.New(nil)), providers.NewExecutor(&http.Client{}))
	engine := routing.NewEngine(store, routing.NewPolicyEngine(store, nil), selector, client, nil)

	gw := NewGateway(ctx, Core{
		Keys:      scope.NewResolver(store, time.Minute, nil),
		Models:    alias.NewResolver(store, time.Minute, nil),
		Router:    engine,
		Providers: client,
		Pricing:   pricing.NewAccountant(store, nil),
		Catalog:   store,
	}, GatewayOptions{Metrics: metrics.New(), Version: "test"})

	sink := &captureSink{}
	w, err := usagelog.New(ctx, sink, usagelog.Options{FlushInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	gw.SetUsageLog(w)

	return &testGateway{gw: gw, store: store, usage: w, sink: sink}
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline and returns an HTTP client that routes
// to it.
func serveGateway(t testing.TB, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler())
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doRequest(t *testing.T, client *http.Client, method, path, key string, body []byte, headers ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://test"+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func postChat(t *testing.T, client *http.Client, key, body string, headers ...string) *http.Response {
	t.Helper()
	return doRequest(t, client, http.MethodPost, "/v1/chat/completions", key, []byte(body), headers...)
}

// readBody reads and returns the full response body.
func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Error.Code
}

const gpt4Request = `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`

// --- construction -----------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	assert.Panics(t, func() {
		//nolint:staticcheck // deliberately nil
		NewGateway(nil, Core{}, GatewayOptions{})
	})
}

func TestNewGateway_Defaults(t *testing.T) {
	gw := NewGateway(context.Background(), Core{}, GatewayOptions{})
	assert.NotNil(t, gw.log)
	assert.NotNil(t, gw.cb)
	assert.Equal(t, "dev", gw.version)
	assert.Nil(t, gw.rpmLimiter)
	assert.Nil(t, gw.idempotency)
}

// --- chat pipeline ----------------------------------------------------------

func TestDispatchChat_Success(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	resp := postChat(t, client, "sk-env-key", gpt4Request)
	body := readBody(t, resp)

	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "openai", resp.Header.Get("X-Routed-Provider"))
	assert.Equal(t, "gpt-4-0613", resp.Header.Get("X-Routed-Provider-Model"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var out providers.ChatResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hello from openai", *out.Choices[0].Message.Content)

	entries := tg.entries(t)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "success", e.Request.Status)
	assert.Equal(t, "key-env", e.Request.APIKeyID)
	assert.Equal(t, "user-1", e.Request.UserID)
	assert.Equal(t, "env-1", e.Request.EnvironmentID)
	assert.Equal(t, "gpt-4", e.Request.RequestedModel)
	assert.Equal(t, len(gpt4Request), e.Request.InputSize)
	require.NotNil(t, e.Response)
	assert.Equal(t, "stop", e.Response.FinishReason)
	require.NotNil(t, e.Usage)
	assert.Equal(t, "prov-openai", e.Usage.ProviderID)
	assert.Equal(t, "pm-openai-gpt4", e.Usage.ProviderModelID)
	assert.Equal(t, "gpt-4", e.Usage.ModelSlug)
	assert.Equal(t, int64(1000), e.Usage.InputTokens)
	assert.Equal(t, int64(500), e.Usage.OutputTokens)
	assert.Equal(t, int64(1250), e.Usage.CostMicros)
	assert.Equal(t, "USD", e.Usage.Currency)
	assert.Empty(t, e.Usage.Alias)
}

func TestDispatchChat_AliasResolution(t *testing.T) {
	up := okUpstream(t, "up")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	resp := postChat(t, client, "sk-env-key", `{"model":"smart","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(readBody(t, resp)))

	entries := tg.entries(t)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Usage)
	assert.Equal(t, "smart", entries[0].Usage.Alias)
}

func TestDispatchChat_Authentication(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	for name, key := range map[string]string{
		"missing":  "",
		"unknown":  "sk-nope",
		"disabled": "sk-disabled",
		"malformed": "not-a-key",
	} {
		t.Run(name, func(t *testing.T) {
			resp := postChat(t, client, key, gpt4Request)
			body := readBody(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "invalid_api_key", errorCode(t, body))
		})
	}
	assert.Zero(t, up.calls.Load())
}

func TestDispatchChat_BadRequests(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"invalid json", `{not json`, http.StatusBadRequest, "invalid_request"},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest, "invalid_request"},
		{"no messages", `{"model":"gpt-4","messages":[]}`, http.StatusBadRequest, "invalid_request"},
		{"unknown model", `{"model":"nope","messages":[{"role":"user","content":"hi"}]}`, http.StatusNotFound, "model_not_found"},
		{"max tokens over limit", `{"model":"gpt-4","max_tokens":100000,"messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest, "invalid_parameters"},
		{"temperature out of range", `{"model":"gpt-4","temperature":3,"messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest, "invalid_parameters"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postChat(t, client, "sk-env-key", tc.body)
			body := readBody(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode, string(body))
			assert.Equal(t, tc.code, errorCode(t, body))
		})
	}
	assert.Zero(t, up.calls.Load())
}

func TestDispatchChat_NoPolicy(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL)
	client := serveGateway(t, tg.gw)

	resp := postChat(t, client, "sk-env-key", gpt4Request)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "no_route", errorCode(t, body))

	entries := tg.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0].Request.Status)
	assert.Equal(t, "routing", entries[0].Request.ErrorClass)
	assert.Nil(t, entries[0].Usage)
}

func TestDispatchChat_FailoverOnServerError(t *testing.T) {
	primary := statusUpstream(t, http.StatusInternalServerError)
	secondary := okUpstream(t, "azure")
	tg := newTestGateway(t, primary.srv.URL, secondary.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	resp := postChat(t, client, "sk-env-key", gpt4Request)
	body := readBody(t, resp)

	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "azure", resp.Header.Get("X-Routed-Provider"))
	assert.Contains(t, string(body), "hello from azure")
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(1), secondary.calls.Load())

	entries := tg.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Request.Metadata["attempts"])
	assert.Equal(t, "prov-azure", entries[0].Usage.ProviderID)
}

func TestDispatchChat_NonRetryableStopsCascade(t *testing.T) {
	primary := statusUpstream(t, http.StatusBadRequest)
	secondary := okUpstream(t, "azure")
	tg := newTestGateway(t, primary.srv.URL, secondary.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	resp := postChat(t, client, "sk-env-key", gpt4Request)
	body := readBody(t, resp)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "provider_error", errorCode(t, body))
	assert.Contains(t, string(body), "upstream said 400")
	assert.Zero(t, secondary.calls.Load())
}

func TestDispatchChat_CascadeExhausted(t *testing.T) {
	primary := statusUpstream(t, http.StatusServiceUnavailable)
	secondary := statusUpstream(t, http.StatusTooManyRequests)
	tg := newTestGateway(t, primary.srv.URL, secondary.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	resp := postChat(t, client, "sk-env-key", gpt4Request)
	body := readBody(t, resp)

	// The last provider error surfaces.
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limit_exceeded", errorCode(t, body))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(1), secondary.calls.Load())
}

func TestDispatchChat_OpenCircuitSkipsProvider(t *testing.T) {
	primary := okUpstream(t, "openai")
	secondary := okUpstream(t, "azure")
	tg := newTestGateway(t, primary.srv.URL, secondary.srv.URL, defaultPolicy)
	trip(tg.gw.cb, "prov-openai")
	client := serveGateway(t, tg.gw)

	resp := postChat(t, client, "sk-env-key", gpt4Request)
	readBody(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "azure", resp.Header.Get("X-Routed-Provider"))
	assert.Zero(t, primary.calls.Load())
}

func TestDispatchChat_AllCircuitsOpen(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	trip(tg.gw.cb, "prov-openai")
	trip(tg.gw.cb, "prov-azure")
	client := serveGateway(t, tg.gw)

	resp := postChat(t, client, "sk-env-key", gpt4Request)
	body := readBody(t, resp)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "no_route", errorCode(t, body))
	assert.Zero(t, up.calls.Load())
}

// --- streaming --------------------------------------------------------------

func sseUpstream(t *testing.T) *upstream {
	return newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"id":"chatcmpl-s","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4-0613","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
			`{"id":"chatcmpl-s","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4-0613","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"id":"chatcmpl-s","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4-0613","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":2,"total_tokens":14}}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
}

func TestDispatchChat_Streaming(t *testing.T) {
	up := sseUpstream(t)
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	resp := postChat(t, client, "sk-env-key", `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	body := string(readBody(t, resp))

	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, `"content":"Hel"`)
	assert.Contains(t, body, `"content":"lo"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)
	assert.NotContains(t, body, `"finish_reason":"error"`)

	entries := tg.entries(t)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Usage)
	assert.Equal(t, "success", entries[0].Request.Status)
	assert.Equal(t, int64(12), entries[0].Usage.InputTokens)
	assert.Equal(t, int64(2), entries[0].Usage.OutputTokens)
	assert.Equal(t, "stop", entries[0].Response.FinishReason)
}

func TestDispatchChat_StreamingFailsOverBeforeHeaders(t *testing.T) {
	primary := statusUpstream(t, http.StatusBadGateway)
	secondary := sseUpstream(t)
	tg := newTestGateway(t, primary.srv.URL, secondary.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	resp := postChat(t, client, "sk-env-key", `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	body := string(readBody(t, resp))

	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "azure", resp.Header.Get("X-Routed-Provider"))
	assert.Contains(t, body, "data: [DONE]")
	assert.Equal(t, int32(1), primary.calls.Load())
}

// --- idempotency and rate limiting -----------------------------------------

func TestDispatchChat_IdempotentReplay(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	mem := cache.NewMemoryCache(context.Background())
	t.Cleanup(func() { _ = mem.Close() })
	tg.gw.SetIdempotency(cache.NewIdempotency(mem, time.Hour), nil)
	client := serveGateway(t, tg.gw)

	first := postChat(t, client, "sk-env-key", gpt4Request, "Idempotency-Key", "abc")
	firstBody := readBody(t, first)
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.Empty(t, first.Header.Get("Idempotent-Replayed"))

	second := postChat(t, client, "sk-env-key", gpt4Request, "Idempotency-Key", "abc")
	secondBody := readBody(t, second)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(firstBody), string(secondBody))
	assert.Equal(t, int32(1), up.calls.Load())

	// Keys are scoped to the API key.
	third := postChat(t, client, "sk-team-key", gpt4Request, "Idempotency-Key", "abc")
	readBody(t, third)
	assert.Empty(t, third.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestDispatchChat_IdempotencyConflict(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	mem := cache.NewMemoryCache(context.Background())
	t.Cleanup(func() { _ = mem.Close() })
	store := cache.NewIdempotency(mem, time.Hour)
	tg.gw.SetIdempotency(store, nil)
	client := serveGateway(t, tg.gw)

	replay, err := store.Claim(context.Background(), cache.IdempotencyKey("key-env", "busy"))
	require.NoError(t, err)
	require.Nil(t, replay)

	resp := postChat(t, client, "sk-env-key", gpt4Request, "Idempotency-Key", "busy")
	body := readBody(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "idempotency_conflict", errorCode(t, body))
	assert.Zero(t, up.calls.Load())
}

func TestDispatchChat_IdempotencyReleasedOnFailure(t *testing.T) {
	up := statusUpstream(t, http.StatusBadRequest)
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	mem := cache.NewMemoryCache(context.Background())
	t.Cleanup(func() { _ = mem.Close() })
	tg.gw.SetIdempotency(cache.NewIdempotency(mem, time.Hour), nil)
	client := serveGateway(t, tg.gw)

	for range 2 {
		resp := postChat(t, client, "sk-env-key", gpt4Request, "Idempotency-Key", "retry-me")
		readBody(t, resp)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestDispatchChat_IdempotencyFilteredModel(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	mem := cache.NewMemoryCache(context.Background())
	t.Cleanup(func() { _ = mem.Close() })
	filter, err := cache.NewModelFilter([]string{"gpt-4-0613"}, nil)
	require.NoError(t, err)
	tg.gw.SetIdempotency(cache.NewIdempotency(mem, time.Hour), filter)
	client := serveGateway(t, tg.gw)

	// Pin the OpenAI provider model so the filtered slug is the one resolved.
	pinned := `{"model":"openai/gpt-4","messages":[{"role":"user","content":"hi"}]}`
	for range 2 {
		resp := postChat(t, client, "sk-env-key", pinned, "Idempotency-Key", "abc")
		readBody(t, resp)
		assert.Empty(t, resp.Header.Get("Idempotent-Replayed"))
	}
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestDispatchChat_RateLimited(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	tg.gw.SetRateLimiter(ratelimit.NewRPMLimiter(rdb, 1, nil))
	client := serveGateway(t, tg.gw)

	first := postChat(t, client, "sk-env-key", gpt4Request)
	readBody(t, first)
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := postChat(t, client, "sk-env-key", gpt4Request)
	body := readBody(t, second)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "rate_limit_exceeded", errorCode(t, body))
	assert.Equal(t, "1", second.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", second.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, second.Header.Get("Retry-After"))

	// Another key has its own budget.
	other := postChat(t, client, "sk-team-key", gpt4Request)
	readBody(t, other)
	assert.Equal(t, http.StatusOK, other.StatusCode)
	assert.Equal(t, int32(2), up.calls.Load())
}

// --- error mapping ----------------------------------------------------------

func TestToAPIError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid key", scope.ErrInvalidKey, http.StatusUnauthorized},
		{"model not found", alias.ErrNotFound, http.StatusNotFound},
		{"no policy", routing.ErrNoPolicy, http.StatusServiceUnavailable},
		{"no route", routing.ErrNoRoute, http.StatusServiceUnavailable},
		{"no provider", fmt.Errorf("%w: %w", routing.ErrNoProvider, errCircuitOpen), http.StatusServiceUnavailable},
		{"provider invalid request", &providers.Error{Code: providers.CodeInvalidRequest, Message: "bad"}, http.StatusBadRequest},
		{"unsupported auth", &providers.Error{Code: providers.CodeUnsupportedAuth}, http.StatusInternalServerError},
		{"provider timeout", &providers.Error{Code: providers.CodeTimeout, StatusCode: 504, Retryable: true}, http.StatusGatewayTimeout},
		{"provider 429", &providers.Error{Code: providers.CodeHTTPError, StatusCode: 429, Retryable: true}, http.StatusTooManyRequests},
		{"provider 500", &providers.Error{Code: providers.CodeHTTPError, StatusCode: 500, Retryable: true}, http.StatusBadGateway},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, toAPIError(tc.err).HTTPStatus())
		})
	}
}

func TestEstimateUsage(t *testing.T) {
	req, err := providers.ParseChatRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"12345678"}]}`))
	require.NoError(t, err)

	u := estimateUsage(req, 9)
	assert.Positive(t, u.PromptTokens)
	assert.Equal(t, int64(2), u.CompletionTokens)
	assert.Equal(t, u.PromptTokens+u.CompletionTokens, u.TotalTokens)

	assert.Equal(t, int64(1), estimateUsage(req, 1).CompletionTokens)
	assert.Zero(t, estimateUsage(req, 0).CompletionTokens)
}
