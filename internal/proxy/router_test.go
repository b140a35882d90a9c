package proxy

import (
	"context"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/routing"
)

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func listModels(t *testing.T, client *http.Client, key string) (int, modelList) {
	t.Helper()
	resp := doRequest(t, client, http.MethodGet, "/v1/models", key, nil)
	body := readBody(t, resp)
	var out modelList
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(body, &out), string(body))
	}
	return resp.StatusCode, out
}

func modelIDs(l modelList) []string {
	ids := make([]string, 0, len(l.Data))
	for _, m := range l.Data {
		ids = append(ids, m.ID)
	}
	return ids
}

// --- GET /v1/models ---------------------------------------------------------

func TestHandleModels_ListsProviderModelsAndAliases(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL)
	client := serveGateway(t, tg.gw)

	status, list := listModels(t, client, "sk-env-key")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "list", list.Object)
	assert.Equal(t, []string{
		"anthropic/claude-sonnet-4-5",
		"azure/gpt-4-azure",
		"openai/gpt-4-0613",
		"smart",
	}, modelIDs(list))

	for _, m := range list.Data {
		assert.Equal(t, "model", m.Object)
		if m.ID == "smart" {
			assert.Equal(t, "azure", m.OwnedBy)
		}
	}
}

func TestHandleModels_AliasVisibilityFollowsScope(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL)
	client := serveGateway(t, tg.gw)

	// The org-bound key has no team, so the team alias is invisible.
	status, list := listModels(t, client, "sk-org-key")
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, modelIDs(list), "smart")
}

func TestHandleModels_SkipsDisabledProviders(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, `
providers:
  - {id: prov-anthropic, name: Anthropic, slug: anthropic, kind: anthropic, status: disabled}
`)
	client := serveGateway(t, tg.gw)

	_, list := listModels(t, client, "sk-env-key")
	assert.NotContains(t, modelIDs(list), "anthropic/claude-sonnet-4-5")
}

func TestHandleModels_RequiresKey(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL)
	client := serveGateway(t, tg.gw)

	status, _ := listModels(t, client, "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

// --- POST /v1/routing/dry-run -----------------------------------------------

type dryRunBody struct {
	Resolved struct {
		ProviderModel struct {
			ID   string `json:"id"`
			Slug string `json:"slug"`
		} `json:"provider_model"`
	} `json:"resolved"`
	Routing routing.DryRunResult `json:"routing"`
}

func TestHandleDryRun_ReportsDecision(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	resp := doRequest(t, client, http.MethodPost, "/v1/routing/dry-run", "sk-env-key",
		[]byte(`{"model":"openai/gpt-4","region":"us-east-1"}`))
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out dryRunBody
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "pm-openai-gpt4", out.Resolved.ProviderModel.ID)
	require.NotNil(t, out.Routing.Decision)
	assert.Equal(t, "rule-default", out.Routing.Decision.RuleID)
	require.NotNil(t, out.Routing.Selected)
	assert.Equal(t, "openai", out.Routing.Selected.Provider)
	assert.Equal(t, "gpt-4-0613", out.Routing.Selected.ProviderModel)
	assert.Equal(t, 2, out.Routing.AvailableProviders)
	assert.Empty(t, out.Routing.Error)

	assert.Zero(t, up.calls.Load(), "dry run must not call providers")
}

func TestHandleDryRun_BareSlugTieBreak(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	// gpt-4 is exposed by azure and openai; the lowest provider slug wins.
	resp := doRequest(t, client, http.MethodPost, "/v1/routing/dry-run", "sk-env-key",
		[]byte(`{"model":"gpt-4"}`))
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out dryRunBody
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "pm-azure-gpt4", out.Resolved.ProviderModel.ID)
}

func TestHandleDryRun_NoPolicy(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL)
	client := serveGateway(t, tg.gw)

	resp := doRequest(t, client, http.MethodPost, "/v1/routing/dry-run", "sk-env-key",
		[]byte(`{"model":"gpt-4"}`))
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out dryRunBody
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Nil(t, out.Routing.Decision)
	assert.NotEmpty(t, out.Routing.Error)
}

func TestHandleDryRun_Errors(t *testing.T) {
	up := okUpstream(t, "openai")
	tg := newTestGateway(t, up.srv.URL, up.srv.URL, defaultPolicy)
	client := serveGateway(t, tg.gw)

	cases := []struct {
		name   string
		key    string
		body   string
		status int
		code   string
	}{
		{"unauthenticated", "", `{"model":"gpt-4"}`, http.StatusUnauthorized, "invalid_api_key"},
		{"invalid json", "sk-env-key", `{`, http.StatusBadRequest, "invalid_request"},
		{"missing model", "sk-env-key", `{"region":"eu"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown model", "sk-env-key", `{"model":"nope"}`, http.StatusNotFound, "model_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, client, http.MethodPost, "/v1/routing/dry-run", tc.key, []byte(tc.body))
			body := readBody(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode, string(body))
			assert.Equal(t, tc.code, errorCode(t, body))
		})
	}
}

// --- health / readiness / metrics ------------------------------------------

func TestHandleHealth_NoHealthChecker(t *testing.T) {
	selector := routing.NewSelector(staticCreds{}, routing.SelectorConfig{}, nil)
	selector.SetHealth("prov-openai", "", routing.Health{Status: routing.HealthHealthy})
	gw := NewGateway(context.Background(), Core{
		Router: routing.NewEngine(nil, nil, selector, nil, nil),
	}, GatewayOptions{Version: "1.2.3"})

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
	var resp struct {
		Status  string               `json:"status"`
		Version string               `json:"version"`
		Routing routing.SystemHealth `json:"routing"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" {
		t.Errorf("unexpected health response: %+v", resp)
	}
	if resp.Routing.Healthy != 1 {
		t.Errorf("expected 1 healthy provider entry, got %d", resp.Routing.Healthy)
	}
}

func TestHandleHealth_WithHealthChecker(t *testing.T) {
	gw := NewGateway(context.Background(), Core{}, GatewayOptions{Version: "1.2.3"})
	hc := NewHealthChecker(context.Background(), &fakeProber{result: map[string]routing.Health{
		"openai": healthy(),
	}}, HealthCheckerOptions{Database: okProbe})
	defer hc.Close()
	gw.SetHealthChecker(hc)

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("failed to parse health snapshot: %v", err)
	}
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if snap.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %s", snap.Version)
	}
	if _, ok := snap.Providers["openai"]; !ok {
		t.Error("expected openai in providers map")
	}
}

func TestHandleReadiness(t *testing.T) {
	cases := []struct {
		name   string
		db     Probe
		status int
	}{
		{"reachable", okProbe, fasthttp.StatusOK},
		{"down", failProbe, fasthttp.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := NewGateway(context.Background(), Core{}, GatewayOptions{})
			hc := NewHealthChecker(context.Background(), nil, HealthCheckerOptions{Database: tc.db})
			defer hc.Close()
			gw.SetHealthChecker(hc)

			ctx := &fasthttp.RequestCtx{}
			gw.handleReadiness(ctx)
			if ctx.Response.StatusCode() != tc.status {
				t.Errorf("expected %d, got %d", tc.status, ctx.Response.StatusCode())
			}
		})
	}
}

func TestHandleReadiness_NoHealthChecker(t *testing.T) {
	gw := NewGateway(context.Background(), Core{}, GatewayOptions{})

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestHandler_MetricsRoute(t *testing.T) {
	withMetrics := NewGateway(context.Background(), Core{}, GatewayOptions{Metrics: metrics.New()})
	resp := doRequest(t, serveGateway(t, withMetrics), http.MethodGet, "/metrics", "", nil)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "router_inflight_requests")

	without := NewGateway(context.Background(), Core{}, GatewayOptions{})
	resp = doRequest(t, serveGateway(t, without), http.MethodGet, "/metrics", "", nil)
	readBody(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_UnknownRoute(t *testing.T) {
	gw := NewGateway(context.Background(), Core{}, GatewayOptions{})
	resp := doRequest(t, serveGateway(t, gw), http.MethodGet, "/v1/embeddings", "", nil)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "not_found", errorCode(t, body))
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	gw := NewGateway(context.Background(), Core{}, GatewayOptions{})
	resp := doRequest(t, serveGateway(t, gw), http.MethodGet, "/v1/chat/completions", "", nil)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Contains(t, resp.Header.Get("Allow"), http.MethodPost)
	assert.Equal(t, "method_not_allowed", errorCode(t, body))
}

func TestServer_Config(t *testing.T) {
	srv := NewGateway(context.Background(), Core{}, GatewayOptions{}).Server()
	assert.Equal(t, "llm-router", srv.Name)
	assert.Equal(t, serverReadTimeout, srv.ReadTimeout)
	assert.Equal(t, serverWriteTimeout, srv.WriteTimeout)
	assert.True(t, srv.NoDefaultServerHeader)
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}

func TestWriteJSON_EncodeFailure(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]any{"ch": make(chan int)})

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
}
