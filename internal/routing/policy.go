package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-router/internal/catalog"
)

// Target is a routing target with its provider's health as recorded in the
// catalog.
type Target struct {
	catalog.RoutingTarget
	Healthy bool `json:"healthy"`
}

// Decision is the target picked for a request. Fallbacks are the other
// healthy targets of the same rule, in catalog order.
type Decision struct {
	PolicyID   string      `json:"policy_id"`
	PolicyName string      `json:"policy_name"`
	RuleID     string      `json:"rule_id"`
	Strategy   string      `json:"strategy"`
	Target     Target      `json:"target"`
	Fallbacks  []*Decision `json:"fallbacks,omitempty"`
}

// ProviderModel is the provider model the decision points at.
func (d *Decision) ProviderModel() *catalog.ProviderModel { return &d.Target.ProviderModel }

// Chain returns d followed by its fallbacks.
func (d *Decision) Chain() []*Decision {
	return append([]*Decision{d}, d.Fallbacks...)
}

// PolicyEngine evaluates active routing policies against a request.
type PolicyEngine struct {
	store  catalog.Store
	rng    *lockedRand
	logger *slog.Logger
}

func NewPolicyEngine(store catalog.Store, logger *slog.Logger) *PolicyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyEngine{
		store:  store,
		rng:    newLockedRand(uint64(time.Now().UnixNano())),
		logger: logger,
	}
}

// Seed makes weighted draws reproducible.
func (e *PolicyEngine) Seed(seed uint64) { e.rng = newLockedRand(seed) }

// LoadActivePolicies returns the active policies visible from rc, most
// specific scope first.
func (e *PolicyEngine) LoadActivePolicies(ctx context.Context, rc *Context) ([]catalog.RoutingPolicy, error) {
	policies, err := e.store.ActivePolicies(ctx, rc.OrganizationID, rc.TeamID, rc.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("routing: load policies: %w", err)
	}
	return policies, nil
}

func (e *PolicyEngine) LoadRules(ctx context.Context, policyID string) ([]catalog.RoutingRule, error) {
	rules, err := e.store.ActiveRules(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("routing: load rules of %s: %w", policyID, err)
	}
	return rules, nil
}

// LoadTargets returns a rule's targets. A target is healthy when its
// provider's status is active.
func (e *PolicyEngine) LoadTargets(ctx context.Context, ruleID string) ([]Target, error) {
	rows, err := e.store.Targets(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("routing: load targets of %s: %w", ruleID, err)
	}
	out := make([]Target, len(rows))
	for i, r := range rows {
		out[i] = Target{RoutingTarget: r, Healthy: r.ProviderModel.Provider.Status == catalog.StatusActive}
	}
	return out, nil
}

// Execute walks policies and their rules in order and returns a decision
// for the first rule that matches rc and has a healthy target. It returns
// nil when no rule qualifies.
func (e *PolicyEngine) Execute(ctx context.Context, rc *Context, policies []catalog.RoutingPolicy) (*Decision, error) {
	for _, p := range policies {
		rules, err := e.LoadRules(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, rule := range rules {
			if !Matches(rule.Condition, rc) {
				continue
			}
			targets, err := e.LoadTargets(ctx, rule.ID)
			if err != nil {
				return nil, err
			}
			healthy := make([]Target, 0, len(targets))
			for _, t := range targets {
				if t.Healthy {
					healthy = append(healthy, t)
				}
			}
			idx := choose(p.Strategy, healthy, e.rng)
			if idx < 0 {
				e.logger.DebugContext(ctx, "routing_rule_skipped",
					slog.String("policy", p.Name),
					slog.Int("rule_order", rule.Order),
					slog.String("reason", "no healthy target"),
				)
				continue
			}
			return decide(p, rule, healthy, idx), nil
		}
	}
	return nil, nil
}

func decide(p catalog.RoutingPolicy, rule catalog.RoutingRule, healthy []Target, idx int) *Decision {
	mk := func(t Target) *Decision {
		return &Decision{
			PolicyID:   p.ID,
			PolicyName: p.Name,
			RuleID:     rule.ID,
			Strategy:   p.Strategy,
			Target:     t,
		}
	}
	d := mk(healthy[idx])
	for i, t := range healthy {
		if i != idx {
			d.Fallbacks = append(d.Fallbacks, mk(t))
		}
	}
	return d
}
