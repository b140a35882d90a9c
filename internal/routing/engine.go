// Package routing picks the provider model that serves a request.
//
// The PolicyEngine evaluates active policies, their ordered rules and the
// rules' targets into a Decision. The Selector turns a Decision into a
// usable provider: it applies cached provider health, resolves the
// tenant's credential and walks fallbacks in order. Engine combines both
// and adds dry runs and provider health probing.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

var (
	// ErrNoPolicy is returned when no active policy is visible to the tenant.
	ErrNoPolicy = errors.New("routing: no active routing policy")
	// ErrNoRoute is returned when no rule matches with a healthy target.
	ErrNoRoute = errors.New("routing: no matching rule with a healthy target")
)

const probeConcurrency = 8

// Prober checks that a provider answers.
type Prober interface {
	HealthCheck(ctx context.Context, p *catalog.Provider, cred providers.Credential) (time.Duration, error)
}

// Result is a routed request: the decision and the provider picked for the
// first attempt. Cascade continues with the remaining candidates.
type Result struct {
	Decision  *Decision
	Selection *Selection
	Cascade   *Cascade
}

// Engine is the routing facade used by the gateway.
type Engine struct {
	store    catalog.Store
	policies *PolicyEngine
	selector *Selector
	prober   Prober
	logger   *slog.Logger
}

func NewEngine(store catalog.Store, policies *PolicyEngine, selector *Selector, prober Prober, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, policies: policies, selector: selector, prober: prober, logger: logger}
}

func (e *Engine) Selector() *Selector { return e.selector }

// Decide loads the tenant's active policies and evaluates them.
func (e *Engine) Decide(ctx context.Context, rc *Context) (*Decision, []catalog.RoutingPolicy, error) {
	policies, err := e.policies.LoadActivePolicies(ctx, rc)
	if err != nil {
		return nil, nil, err
	}
	if len(policies) == 0 {
		return nil, nil, ErrNoPolicy
	}
	d, err := e.policies.Execute(ctx, rc, policies)
	if err != nil {
		return nil, policies, err
	}
	if d == nil {
		return nil, policies, ErrNoRoute
	}
	e.logger.DebugContext(ctx, "routing_decision",
		slog.String("policy", d.PolicyName),
		slog.String("rule_id", d.RuleID),
		slog.String("strategy", d.Strategy),
		slog.String("provider_model", d.Target.ProviderModelID),
		slog.Int("fallbacks", len(d.Fallbacks)),
	)
	return d, policies, nil
}

// Route decides and selects the first usable provider.
func (e *Engine) Route(ctx context.Context, rc *Context) (*Result, error) {
	d, _, err := e.Decide(ctx, rc)
	if err != nil {
		return nil, err
	}
	c := e.selector.Cascade(rc, d)
	sel, err := c.Next(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Decision: d, Selection: sel, Cascade: c}, nil
}

// RouteWithRegionPreference routes once per preferred region, in order, and
// returns the first success. Without a match in any preferred region it
// routes with rc's own region.
func (e *Engine) RouteWithRegionPreference(ctx context.Context, rc *Context, regions []string) (*Result, error) {
	for _, region := range regions {
		rrc := *rc
		rrc.Region = region
		res, err := e.Route(ctx, &rrc)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrNoRoute) && !errors.Is(err, ErrNoProvider) {
			return nil, err
		}
	}
	return e.Route(ctx, rc)
}

// DryRunResult describes what Route would do without calling a provider.
type DryRunResult struct {
	Policies           []PolicySummary `json:"policies"`
	Decision           *Decision       `json:"decision,omitempty"`
	Selected           *SelectedTarget `json:"selected,omitempty"`
	AvailableProviders int             `json:"available_providers"`
	Error              string          `json:"error,omitempty"`
}

type PolicySummary struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Scope    catalog.Scope `json:"scope"`
	Strategy string        `json:"strategy"`
}

type SelectedTarget struct {
	Provider      string `json:"provider"`
	ProviderModel string `json:"provider_model"`
	Health        Health `json:"health"`
	TimeoutMs     int64  `json:"timeout_ms"`
}

// DryRun evaluates routing for rc. Routing failures are reported in the
// result; only catalog errors are returned.
func (e *Engine) DryRun(ctx context.Context, rc *Context) (*DryRunResult, error) {
	out := &DryRunResult{Policies: []PolicySummary{}}
	d, policies, err := e.Decide(ctx, rc)
	for _, p := range policies {
		out.Policies = append(out.Policies, PolicySummary{ID: p.ID, Name: p.Name, Scope: p.Scope, Strategy: p.Strategy})
	}
	switch {
	case errors.Is(err, ErrNoPolicy), errors.Is(err, ErrNoRoute):
		out.Error = err.Error()
		return out, nil
	case err != nil:
		return nil, err
	}
	out.Decision = d

	for _, cand := range e.selector.Cascade(rc, d).chain {
		if e.selector.ProviderHealth(&cand.Target.ProviderModel.Provider, rc.Region).Available() {
			out.AvailableProviders++
		}
	}
	sel, err := e.selector.SelectProvider(ctx, rc, d)
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}
	out.Selected = &SelectedTarget{
		Provider:      sel.Provider.Slug,
		ProviderModel: sel.Decision.ProviderModel().Slug,
		Health:        sel.Health,
		TimeoutMs:     sel.Timeout.Milliseconds(),
	}
	return out, nil
}

// SystemHealth counts cached provider health entries by status.
type SystemHealth struct {
	Healthy   int               `json:"healthy"`
	Degraded  int               `json:"degraded"`
	Unhealthy int               `json:"unhealthy"`
	Providers map[string]Health `json:"providers"`
}

func (e *Engine) SystemHealth() SystemHealth {
	sh := SystemHealth{Providers: e.selector.HealthEntries()}
	for _, h := range sh.Providers {
		switch h.Status {
		case HealthHealthy:
			sh.Healthy++
		case HealthDegraded:
			sh.Degraded++
		default:
			sh.Unhealthy++
		}
	}
	return sh
}

func (e *Engine) ClearHealthCache() { e.selector.ClearHealth() }

// BulkHealthCheck probes every catalog provider in parallel and caches the
// outcome. An authentication rejection still proves the provider is up and
// counts as healthy; other client errors mark it degraded and everything
// else unhealthy. Disabled providers are not probed.
func (e *Engine) BulkHealthCheck(ctx context.Context) (map[string]Health, error) {
	list, err := e.store.Providers(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Health, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i := range list {
		p := &list[i]
		if p.Status == catalog.StatusDisabled {
			results[i] = Health{Status: HealthUnhealthy, CheckedAt: time.Now()}
			continue
		}
		g.Go(func() error {
			results[i] = e.probe(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Health, len(list))
	for i := range list {
		e.selector.SetHealth(list[i].ID, "", results[i])
		out[list[i].Slug] = results[i]
	}
	return out, nil
}

func (e *Engine) probe(ctx context.Context, p *catalog.Provider) Health {
	latency, err := e.prober.HealthCheck(ctx, p, providers.Credential{})
	h := Health{Status: HealthHealthy, LatencyMs: float64(latency.Milliseconds()), SuccessRate: 1, CheckedAt: time.Now()}
	if err == nil {
		return h
	}
	perr, ok := providers.AsError(err)
	switch {
	case ok && (perr.StatusCode == 401 || perr.StatusCode == 403):
	case ok && !perr.Retryable && perr.StatusCode >= 400 && perr.StatusCode < 500:
		h.Status = HealthDegraded
		h.SuccessRate = 0
	default:
		h.Status = HealthUnhealthy
		h.SuccessRate = 0
	}
	e.logger.DebugContext(ctx, "provider_probe",
		slog.String("provider", p.Slug),
		slog.String("status", h.Status),
		slog.String("error", strings.TrimSpace(err.Error())),
	)
	return h
}
