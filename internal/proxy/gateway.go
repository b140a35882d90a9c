// Package proxy is the HTTP face of the router.
//
// The Gateway receives an OpenAI-compatible chat request and walks it
// through the request state machine:
//
//	RECEIVED → SCOPE_RESOLVED → MODEL_RESOLVED → ROUTED → PROVIDER_SELECTED → EXECUTING → COMPLETED | FAILED
//
// A retryable failure while EXECUTING returns to PROVIDER_SELECTED with the
// next fallback candidate. Failures before EXECUTING are terminal.
//
// Key design constraints:
//   - Rate limiter, idempotency store and usage log are optional and nil-safe.
//   - All I/O uses context.Context so timeouts and cancellation propagate.
//   - The fallback cascade is sequential; one logical request never calls
//     two providers at once.
//   - Streaming responses are never stored for replay.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/alias"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/capability"
	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/pricing"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/scope"
	"github.com/nulpointcorp/llm-router/internal/usagelog"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

const (
	routeChat = "chat_completions"

	headerIdempotencyKey      = "Idempotency-Key"
	headerIdempotentReplayed  = "Idempotent-Replayed"
	headerRegion              = "X-Region"
	headerRegionPreference    = "X-Region-Preference"
	headerUserTier            = "X-User-Tier"
	headerRoutedProvider      = "X-Routed-Provider"
	headerRoutedProviderModel = "X-Routed-Provider-Model"
)

// Core holds the collaborators every request needs.
type Core struct {
	Keys      *scope.Resolver
	Models    *alias.Resolver
	Router    *routing.Engine
	Providers *providers.Client
	Pricing   *pricing.Accountant
	Catalog   catalog.Store
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CORSOrigins lists allowed origins; empty or ["*"] allows all.
	CORSOrigins []string

	// Version is reported by /health.
	Version string
}

// Gateway is the request dispatcher. All dependencies are injected so they
// can be replaced in tests.
type Gateway struct {
	keys    *scope.Resolver
	models  *alias.Resolver
	router  *routing.Engine
	client  *providers.Client
	pricing *pricing.Accountant
	catalog catalog.Store

	cb      *CircuitBreaker
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	version string

	// Optional dependencies, nil-safe when not configured.
	rpmLimiter  *ratelimit.RPMLimiter
	usage       *usagelog.Writer
	idempotency *cache.Idempotency
	noReplay    *cache.ModelFilter

	// CORS allowed origins. Empty slice or ["*"] allows all.
	corsOrigins []string
}

// NewGateway creates a Gateway. baseCtx bounds streaming calls, which
// outlive the handler that started them.
func NewGateway(baseCtx context.Context, core Core, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Gateway{
		keys:        core.Keys,
		models:      core.Models,
		router:      core.Router,
		client:      core.Providers,
		pricing:     core.Pricing,
		catalog:     core.Catalog,
		cb:          NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		version:     version,
		corsOrigins: opts.CORSOrigins,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiter injects the per-key RPM limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetUsageLog injects the asynchronous usage log.
func (g *Gateway) SetUsageLog(w *usagelog.Writer) {
	g.usage = w
}

// SetIdempotency injects the replay store. Requests for models matching
// noReplay are never stored.
func (g *Gateway) SetIdempotency(store *cache.Idempotency, noReplay *cache.ModelFilter) {
	g.idempotency = store
	g.noReplay = noReplay
}

// SetHealthChecker injects the background health prober used by /health
// and /readiness.
func (g *Gateway) SetHealthChecker(hc *HealthChecker) {
	g.health = hc
}

// call carries the state of one chat request through the pipeline.
type call struct {
	requestID string
	start     time.Time
	body      []byte
	req       *providers.ChatRequest

	key                  *catalog.KeyContext
	orgID, teamID, envID string

	clientIP  string
	userAgent string

	idempotencyKey string
	// idempotencySlot is the store key this request owns, empty when no
	// claim was made.
	idempotencySlot string

	resolved *alias.ResolvedModel
	decision *routing.Decision
	served   *routing.Selection
	attempts int
}

func (c *call) servedProvider() string {
	if c.served == nil {
		return "none"
	}
	return c.served.Provider.Slug
}

// dispatchChat is the handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	c := &call{
		requestID:      requestIDOf(ctx),
		start:          time.Now(),
		body:           append([]byte(nil), ctx.PostBody()...),
		clientIP:       clientIP(ctx),
		userAgent:      string(ctx.UserAgent()),
		idempotencyKey: strings.TrimSpace(string(ctx.Request.Header.Peek(headerIdempotencyKey))),
	}
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streams are finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(c.start)
		g.metrics.ObserveHTTP(routeChat, status, dur, len(c.body), len(ctx.Response.Body()))
		g.metrics.RecordRequest(c.servedProvider(), status, dur.Milliseconds())
	}()

	// RECEIVED
	req, err := providers.ParseChatRequest(c.body)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	c.req = req

	// SCOPE_RESOLVED
	if err := g.authenticate(ctx, c); err != nil {
		g.fail(ctx, c, err)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", c.requestID),
		slog.String("model", req.Model),
		slog.String("api_key_id", c.key.Key.ID),
		slog.Bool("stream", req.Stream),
		slog.Int("input_size", len(c.body)),
	)

	if !g.allowRate(ctx, c) {
		return
	}

	// MODEL_RESOLVED
	if err := g.resolveModel(ctx, c); err != nil {
		g.fail(ctx, c, err)
		return
	}
	if done := g.claimIdempotency(ctx, c); done {
		return
	}

	// ROUTED → PROVIDER_SELECTED
	first, cascade, err := g.route(ctx, c)
	if err != nil {
		g.fail(ctx, c, err)
		return
	}

	// EXECUTING
	if req.Stream {
		streaming = g.stream(ctx, c, first, cascade)
		return
	}
	g.complete(ctx, c, first, cascade)
}

// authenticate resolves the caller's API key to its tenancy.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx, c *call) error {
	token, ok := scope.ExtractCredential(string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))
	if !ok {
		return apierr.Authentication("missing API key")
	}
	kc, err := g.keys.Resolve(ctx, token)
	if errors.Is(err, scope.ErrInvalidKey) {
		return apierr.Authentication("invalid API key")
	}
	if err != nil {
		return apierr.Internal("failed to resolve API key", err)
	}
	c.key = kc
	c.orgID, c.teamID, c.envID = scope.Chain(kc)

	g.log.DebugContext(ctx, "scope_resolved",
		slog.String("request_id", c.requestID),
		slog.String("api_key_id", kc.Key.ID),
		slog.String("scope", string(kc.Binding.Scope)),
		slog.String("organization_id", c.orgID),
		slog.String("team_id", c.teamID),
		slog.String("environment_id", c.envID),
	)
	return nil
}

// allowRate applies the per-key RPM limit. It writes the 429 itself and
// reports false when the request must stop.
func (g *Gateway) allowRate(ctx *fasthttp.RequestCtx, c *call) bool {
	if g.rpmLimiter == nil {
		return true
	}
	d, err := g.rpmLimiter.Allow(ctx, c.key.Key.ID)
	if err != nil || d.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		return true
	}

	if g.metrics != nil {
		g.metrics.RecordRateLimit("blocked")
	}
	g.log.WarnContext(ctx, "rate_limit_exceeded",
		slog.String("request_id", c.requestID),
		slog.String("api_key_id", c.key.Key.ID),
		slog.Int("limit", d.Limit),
	)
	apierr.WriteRateLimit(ctx)
	if secs := int(d.RetryAfter.Round(time.Second).Seconds()); secs > 0 {
		ctx.Response.Header.Set("Retry-After", fmt.Sprint(secs))
	}
	ctx.Response.Header.Set("X-RateLimit-Limit", fmt.Sprint(d.Limit))
	ctx.Response.Header.Set("X-RateLimit-Remaining", fmt.Sprint(d.Remaining))
	g.record(c, nil, "rate_limited", "rate_limit")
	return false
}

// claimIdempotency claims the request's Idempotency-Key. It reports true
// when the response has already been written: a replay of a stored result,
// a conflict with an in-flight duplicate, or a store failure.
func (g *Gateway) claimIdempotency(ctx *fasthttp.RequestCtx, c *call) bool {
	if g.idempotency == nil || c.idempotencyKey == "" || c.req.Stream {
		return false
	}
	pm := &c.resolved.ProviderModel
	if g.noReplay.Matches(c.req.Model, pm.Slug, pm.Model.Slug) {
		return false
	}

	slot := cache.IdempotencyKey(c.key.Key.ID, c.idempotencyKey)
	replay, err := g.idempotency.Claim(ctx, slot)
	switch {
	case errors.Is(err, cache.ErrInFlight):
		if g.metrics != nil {
			g.metrics.RecordIdempotency("claim", "conflict")
		}
		apierr.Write(ctx, fasthttp.StatusConflict,
			"a request with this Idempotency-Key is already in progress",
			apierr.TypeInvalidRequest, apierr.CodeIdempotencyConflict)
		g.record(c, nil, "conflict", "idempotency")
		return true

	case err != nil:
		// The store is unavailable; serve the request without replay.
		if g.metrics != nil {
			g.metrics.RecordIdempotency("claim", "error")
		}
		g.log.WarnContext(ctx, "idempotency_unavailable",
			slog.String("request_id", c.requestID),
			slog.String("error", err.Error()),
		)
		return false

	case replay != nil:
		if g.metrics != nil {
			g.metrics.RecordIdempotency("claim", "replay")
		}
		g.log.InfoContext(ctx, "idempotent_replay",
			slog.String("request_id", c.requestID),
			slog.String("idempotency_key", c.idempotencyKey),
		)
		ctx.Response.Header.Set(headerIdempotentReplayed, "true")
		ctx.SetStatusCode(replay.Status)
		ctx.SetContentType(replay.ContentType)
		ctx.SetBody(replay.Body)
		g.record(c, nil, "replayed", "")
		return true
	}

	if g.metrics != nil {
		g.metrics.RecordIdempotency("claim", "owner")
	}
	c.idempotencySlot = slot
	return false
}

// resolveModel resolves the requested name and checks the request against
// the resolved model's capabilities.
func (g *Gateway) resolveModel(ctx context.Context, c *call) error {
	m, err := g.models.Resolve(ctx, c.req.Model, alias.Scope{
		OrganizationID: c.orgID,
		TeamID:         c.teamID,
		EnvironmentID:  c.envID,
	})
	if errors.Is(err, alias.ErrNotFound) {
		return apierr.Resolution(fmt.Sprintf("model %q not found", c.req.Model))
	}
	if err != nil {
		return apierr.Internal("failed to resolve model", err)
	}
	c.resolved = m

	attrs := []slog.Attr{
		slog.String("request_id", c.requestID),
		slog.String("model", c.req.Model),
		slog.String("provider_model_id", m.ProviderModel.ID),
		slog.String("provider", m.Provider().Slug),
	}
	if m.Alias != nil {
		attrs = append(attrs, slog.String("alias_scope", string(m.Alias.Scope)))
	}
	g.log.LogAttrs(ctx, slog.LevelDebug, "model_resolved", attrs...)

	res := capability.Validate(c.req, &m.ProviderModel)
	for _, w := range res.Warnings {
		g.log.WarnContext(ctx, "capability_warning",
			slog.String("request_id", c.requestID),
			slog.String("model", c.req.Model),
			slog.String("warning", w),
		)
	}
	if !res.Valid {
		return apierr.Validation(strings.Join(res.Errors, "; "))
	}
	return nil
}

// route evaluates the tenant's routing policies and selects the first usable
// candidate.
func (g *Gateway) route(ctx *fasthttp.RequestCtx, c *call) (*routing.Selection, *routing.Cascade, error) {
	pm := &c.resolved.ProviderModel
	rc := &routing.Context{
		OrganizationID: c.orgID,
		TeamID:         c.teamID,
		EnvironmentID:  c.envID,
		Model:          c.req.Model,
		ModelSlugs:     []string{pm.Slug, pm.Model.Slug},
		Region:         firstNonEmpty(string(ctx.Request.Header.Peek(headerRegion)), c.req.Metadata["region"]),
		UserTier:       firstNonEmpty(string(ctx.Request.Header.Peek(headerUserTier)), c.req.Metadata["user_tier"]),
		InputSize:      int64(len(c.body)),
		Metadata:       c.req.Metadata,
	}

	var (
		res *routing.Result
		err error
	)
	if prefs := splitList(string(ctx.Request.Header.Peek(headerRegionPreference))); len(prefs) > 0 {
		res, err = g.router.RouteWithRegionPreference(ctx, rc, prefs)
	} else {
		res, err = g.router.Route(ctx, rc)
	}
	if err != nil {
		g.recordDecision("", err)
		return nil, nil, err
	}
	c.decision = res.Decision
	g.recordDecision(res.Decision.Strategy, nil)
	return res.Selection, res.Cascade, nil
}

func (g *Gateway) recordDecision(strategy string, err error) {
	if g.metrics == nil {
		return
	}
	result := "routed"
	switch {
	case errors.Is(err, routing.ErrNoPolicy):
		result = "no_policy"
	case errors.Is(err, routing.ErrNoRoute):
		result = "no_route"
	case errors.Is(err, routing.ErrNoProvider):
		result = "no_provider"
	case err != nil:
		result = "error"
	}
	g.metrics.RecordRoutingDecision(strategy, result)
}

// complete serves a non-streaming request.
func (g *Gateway) complete(ctx *fasthttp.RequestCtx, c *call, first *routing.Selection, cascade *routing.Cascade) {
	var resp *providers.ChatResponse
	sel, err := g.executeCascade(ctx, c, first, cascade, func(actx context.Context, s *routing.Selection) error {
		r, err := g.client.Complete(actx, s.Target(), c.req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		g.fail(ctx, c, err)
		return
	}
	c.served = sel

	body, err := json.Marshal(resp)
	if err != nil {
		g.fail(ctx, c, apierr.Internal("failed to serialize response", err))
		return
	}

	u, estimated := responseUsage(c.req, resp)
	out := &outcome{
		finishReason: finishReasonOf(resp),
		usage:        u,
		estimated:    estimated,
		outputSize:   len(body),
	}
	out.cost = g.cost(ctx, c, sel, u)

	if c.idempotencySlot != "" {
		err := g.idempotency.Complete(ctx, c.idempotencySlot, cache.Response{
			Status:      fasthttp.StatusOK,
			ContentType: "application/json",
			Body:        body,
		})
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordIdempotency("complete", "error")
			} else {
				g.metrics.RecordIdempotency("complete", "ok")
			}
		}
		if err != nil {
			g.log.WarnContext(ctx, "idempotency_store_failed",
				slog.String("request_id", c.requestID),
				slog.String("error", err.Error()),
			)
		}
	}

	g.observeServed(c, false, out)
	g.record(c, out, "success", "")

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", c.requestID),
		slog.String("provider", sel.Provider.Slug),
		slog.String("provider_model", sel.Decision.ProviderModel().Slug),
		slog.Int64("input_tokens", u.PromptTokens),
		slog.Int64("output_tokens", u.CompletionTokens),
		slog.Int64("cost_micros", out.cost.Micros),
		slog.Duration("elapsed", time.Since(c.start)),
	)

	setRoutedHeaders(ctx, sel)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// outcome is what a served request produced.
type outcome struct {
	finishReason string
	usage        providers.Usage
	estimated    bool
	outputSize   int
	cost         pricing.Cost
}

// cost prices u for the served provider model. Pricing failures are logged
// and cost nothing.
func (g *Gateway) cost(ctx context.Context, c *call, sel *routing.Selection, u providers.Usage) pricing.Cost {
	if g.pricing == nil {
		return pricing.Cost{Currency: pricing.DefaultCurrency}
	}
	cost, err := g.pricing.ComputeCost(ctx, sel.Decision.Target.ProviderModelID,
		pricing.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}, time.Now())
	if err != nil {
		g.log.WarnContext(ctx, "cost_unavailable",
			slog.String("request_id", c.requestID),
			slog.String("provider_model_id", sel.Decision.Target.ProviderModelID),
			slog.String("error", err.Error()),
		)
		return pricing.Cost{Currency: pricing.DefaultCurrency}
	}
	return cost
}

func (g *Gateway) observeServed(c *call, stream bool, out *outcome) {
	if g.metrics == nil || c.served == nil {
		return
	}
	provider := c.served.Provider.Slug
	g.metrics.ObserveChatRequest(provider, stream, time.Since(c.start))
	g.metrics.AddTokens(provider, out.usage.PromptTokens, out.usage.CompletionTokens)
	g.metrics.AddCost(provider, out.cost.Currency, out.cost.Micros)
}

// fail writes err as a classified error response.
func (g *Gateway) fail(ctx *fasthttp.RequestCtx, c *call, err error) {
	e := toAPIError(err)
	apierr.WriteError(ctx, e)

	level := slog.LevelWarn
	if e.HTTPStatus() >= 500 {
		level = slog.LevelError
	}
	g.log.LogAttrs(ctx, level, "request_failed",
		slog.String("request_id", c.requestID),
		slog.String("kind", e.Kind.String()),
		slog.Int("status", e.HTTPStatus()),
		slog.Int("attempts", c.attempts),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(c.start)),
	)
	if g.metrics != nil {
		g.metrics.RecordRequestError(e.Kind.String())
	}
	g.releaseIdempotency(c)
	g.record(c, nil, "error", e.Kind.String())
}

func (g *Gateway) releaseIdempotency(c *call) {
	if c.idempotencySlot == "" {
		return
	}
	if err := g.idempotency.Release(g.baseCtx, c.idempotencySlot); err != nil {
		g.log.Warn("idempotency_release_failed",
			slog.String("request_id", c.requestID),
			slog.String("error", err.Error()),
		)
	}
	c.idempotencySlot = ""
}

// toAPIError classifies err into the client-facing taxonomy.
func toAPIError(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, scope.ErrInvalidKey):
		return apierr.Authentication("invalid API key")
	case errors.Is(err, alias.ErrNotFound):
		return apierr.Resolution("model not found")
	case errors.Is(err, routing.ErrNoPolicy):
		return apierr.Routing("no active routing policy", err)
	case errors.Is(err, routing.ErrNoRoute):
		return apierr.Routing("no routing rule matched with a healthy target", err)
	case errors.Is(err, routing.ErrNoProvider):
		return apierr.Routing("no available provider", err)
	}

	if perr, ok := providers.AsError(err); ok {
		switch perr.Code {
		case providers.CodeInvalidRequest:
			return apierr.Validation(perr.Message)
		case providers.CodeUnsupportedAuth:
			return apierr.Internal("provider credential is not usable", err)
		}
		return apierr.Provider(
			fmt.Sprintf("provider %s: %s", perr.Provider, perr.Message),
			perr.StatusCode, perr.Timeout(), perr.Retryable, err)
	}
	return apierr.Internal("internal error", err)
}

// responseUsage returns the provider-reported usage, or an estimate when the
// provider sent none.
func responseUsage(req *providers.ChatRequest, resp *providers.ChatResponse) (providers.Usage, bool) {
	if resp.Usage != nil {
		return *resp.Usage, false
	}
	chars := 0
	for _, ch := range resp.Choices {
		if ch.Message.Content != nil {
			chars += len(*ch.Message.Content)
		}
	}
	return estimateUsage(req, chars), true
}

// estimateUsage approximates usage from the prompt and the number of output
// characters (≈ 4 characters per token).
func estimateUsage(req *providers.ChatRequest, outputChars int) providers.Usage {
	in := int64(capability.EstimateTokens(req))
	out := int64(outputChars / 4)
	if outputChars > 0 && out == 0 {
		out = 1
	}
	return providers.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func finishReasonOf(resp *providers.ChatResponse) string {
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason != nil {
		return *resp.Choices[0].FinishReason
	}
	return ""
}

func setRoutedHeaders(ctx *fasthttp.RequestCtx, sel *routing.Selection) {
	ctx.Response.Header.Set(headerRoutedProvider, sel.Provider.Slug)
	ctx.Response.Header.Set(headerRoutedProviderModel, sel.Decision.ProviderModel().Slug)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
