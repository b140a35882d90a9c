package proxy

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/alias"
	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

const (
	serverReadTimeout  = 60 * time.Second
	serverWriteTimeout = 10 * time.Minute
)

// Handler returns the gateway's HTTP handler with the middleware chain
// applied.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.GET("/v1/models", g.handleModels)
	r.POST("/v1/routing/dry-run", g.handleDryRun)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	// The router's defaults call ctx.Error, which resets headers set by the
	// middleware chain.
	r.NotFound = handleNotFound
	r.MethodNotAllowed = handleMethodNotAllowed

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Server builds the fasthttp server for the gateway. Streams can run long,
// so the write timeout is generous.
func (g *Gateway) Server() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:               g.Handler(),
		Name:                  "llm-router",
		ReadTimeout:           serverReadTimeout,
		WriteTimeout:          serverWriteTimeout,
		NoDefaultServerHeader: true,
	}
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	return g.Server().ListenAndServe(addr)
}

func handleNotFound(ctx *fasthttp.RequestCtx) {
	apierr.Write(ctx, fasthttp.StatusNotFound,
		"unknown route "+string(ctx.Path()), apierr.TypeInvalidRequest, apierr.CodeNotFound)
}

func handleMethodNotAllowed(ctx *fasthttp.RequestCtx) {
	apierr.Write(ctx, fasthttp.StatusMethodNotAllowed,
		"method "+string(ctx.Method())+" not allowed", apierr.TypeInvalidRequest, apierr.CodeMethodNotAllowed)
}

// modelEntry is one row of the OpenAI model list.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels lists the names the caller can request: aliases visible to
// its scopes and every enabled provider model as "provider/slug".
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	c := &call{requestID: requestIDOf(ctx), start: time.Now()}
	if err := g.authenticate(ctx, c); err != nil {
		apierr.WriteError(ctx, toAPIError(err))
		return
	}

	pms, err := g.catalog.ProviderModels(ctx)
	if err != nil {
		apierr.WriteError(ctx, apierr.Internal("failed to list models", err))
		return
	}
	aliases, err := g.catalog.Aliases(ctx, c.orgID, c.teamID, c.envID)
	if err != nil {
		apierr.WriteError(ctx, apierr.Internal("failed to list aliases", err))
		return
	}

	byID := make(map[string]*catalog.ProviderModel, len(pms))
	seen := map[string]bool{}
	var data []modelEntry
	for i := range pms {
		pm := &pms[i]
		if pm.Provider.Status == catalog.StatusDisabled {
			continue
		}
		byID[pm.ID] = pm
		id := pm.Provider.Slug + "/" + pm.Slug
		if seen[id] {
			continue
		}
		seen[id] = true
		data = append(data, modelEntry{
			ID: id, Object: "model", Created: pm.CreatedAt.Unix(), OwnedBy: pm.Provider.Slug,
		})
	}
	// Aliases come ordered most specific scope first; the first one wins.
	for _, a := range aliases {
		pm, ok := byID[a.ProviderModelID]
		if !ok || seen[a.Alias] {
			continue
		}
		seen[a.Alias] = true
		data = append(data, modelEntry{
			ID: a.Alias, Object: "model", Created: a.CreatedAt.Unix(), OwnedBy: pm.Provider.Slug,
		})
	}
	slices.SortFunc(data, func(a, b modelEntry) int { return strings.Compare(a.ID, b.ID) })
	if data == nil {
		data = []modelEntry{}
	}

	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// dryRunRequest is the body of POST /v1/routing/dry-run.
type dryRunRequest struct {
	Model     string            `json:"model"`
	Region    string            `json:"region,omitempty"`
	UserTier  string            `json:"user_tier,omitempty"`
	InputSize int64             `json:"input_size,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type dryRunResponse struct {
	Model   *alias.ResolvedModel  `json:"resolved"`
	Routing *routing.DryRunResult `json:"routing"`
}

// handleDryRun reports how a request for a model would be routed without
// calling any provider.
func (g *Gateway) handleDryRun(ctx *fasthttp.RequestCtx) {
	c := &call{requestID: requestIDOf(ctx), start: time.Now()}
	if err := g.authenticate(ctx, c); err != nil {
		apierr.WriteError(ctx, toAPIError(err))
		return
	}

	var body dryRunRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if strings.TrimSpace(body.Model) == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "model is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	m, err := g.models.Resolve(ctx, body.Model, alias.Scope{
		OrganizationID: c.orgID,
		TeamID:         c.teamID,
		EnvironmentID:  c.envID,
	})
	if err != nil {
		if errors.Is(err, alias.ErrNotFound) {
			apierr.WriteError(ctx, apierr.Resolution("model \""+body.Model+"\" not found"))
			return
		}
		apierr.WriteError(ctx, apierr.Internal("failed to resolve model", err))
		return
	}

	res, err := g.router.DryRun(ctx, &routing.Context{
		OrganizationID: c.orgID,
		TeamID:         c.teamID,
		EnvironmentID:  c.envID,
		Model:          body.Model,
		ModelSlugs:     []string{m.ProviderModel.Slug, m.ProviderModel.Model.Slug},
		Region:         body.Region,
		UserTier:       body.UserTier,
		InputSize:      body.InputSize,
		Metadata:       body.Metadata,
	})
	if err != nil {
		apierr.WriteError(ctx, apierr.Internal("dry run failed", err))
		return
	}
	writeJSON(ctx, dryRunResponse{Model: m, Routing: res})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{
			"status":  "ok",
			"version": g.version,
			"routing": g.router.SystemHealth(),
		})
		return
	}
	snap := g.health.Snapshot()
	snap.Version = g.version
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		apierr.WriteError(ctx, apierr.Internal("failed to encode response", err))
		return
	}
	ctx.SetBody(data)
}
