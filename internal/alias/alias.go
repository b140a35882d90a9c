// Package alias resolves caller-supplied model names to concrete provider
// models.
//
// Resolution tries scoped aliases first in strict precedence order
// (environment, team, organization, global) and then falls back to direct
// slug matching. Bare slugs shared by several providers resolve to the
// provider whose slug sorts first, then to the lowest provider-model id.
package alias

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/ttlcache"
)

const cachePrefix = "model_resolution:"

// ErrNotFound is returned when neither an alias nor a direct slug matches.
var ErrNotFound = errors.New("alias: model not found")

// Scope is the tenancy the name is resolved for.
type Scope struct {
	OrganizationID string
	TeamID         string
	EnvironmentID  string
}

// Ref identifies the alias a resolution came from.
type Ref struct {
	ID    string        `json:"id"`
	Alias string        `json:"alias"`
	Scope catalog.Scope `json:"scope"`
}

// ResolvedModel is a provider model with its provider and shared model rows
// loaded.
type ResolvedModel struct {
	ProviderModel catalog.ProviderModel `json:"provider_model"`
	Alias         *Ref                  `json:"alias,omitempty"`
}

func (m *ResolvedModel) Provider() *catalog.Provider { return &m.ProviderModel.Provider }
func (m *ResolvedModel) Model() *catalog.Model       { return &m.ProviderModel.Model }

// Resolver resolves model names with a per-instance TTL cache.
type Resolver struct {
	store  catalog.Store
	cache  *ttlcache.Table[*ResolvedModel]
	group  singleflight.Group
	logger *slog.Logger
}

func NewResolver(store catalog.Store, ttl time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		cache:  ttlcache.New[*ResolvedModel](ttl),
		logger: logger,
	}
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

// nameKey escapes name so that ':' inside it cannot extend a prefix match.
func nameKey(name string) string {
	return cachePrefix + url.QueryEscape(name) + ":"
}

func cacheKey(name string, sc Scope) string {
	return nameKey(name) + orNull(sc.OrganizationID) + "-" + orNull(sc.TeamID) + "-" + orNull(sc.EnvironmentID)
}

// Resolve returns the provider model name refers to under sc. Successful
// resolutions are cached; misses are not.
func (r *Resolver) Resolve(ctx context.Context, name string, sc Scope) (*ResolvedModel, error) {
	key := cacheKey(name, sc)
	if m, ok := r.cache.Get(key); ok {
		return m, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.load(loadCtx, key, name, sc)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ResolvedModel), nil
	}
}

func (r *Resolver) load(ctx context.Context, key, name string, sc Scope) (*ResolvedModel, error) {
	m, err := r.viaAlias(ctx, name, sc)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m, err = r.direct(ctx, name)
		if err != nil {
			return nil, err
		}
	}
	if m == nil {
		return nil, ErrNotFound
	}
	r.cache.Set(key, m)
	return m, nil
}

type scopeProbe struct {
	scope catalog.Scope
	id    string
}

func (r *Resolver) viaAlias(ctx context.Context, name string, sc Scope) (*ResolvedModel, error) {
	var probes []scopeProbe
	if sc.EnvironmentID != "" {
		probes = append(probes, scopeProbe{catalog.ScopeEnvironment, sc.EnvironmentID})
	}
	if sc.TeamID != "" {
		probes = append(probes, scopeProbe{catalog.ScopeTeam, sc.TeamID})
	}
	if sc.OrganizationID != "" {
		probes = append(probes, scopeProbe{catalog.ScopeOrganization, sc.OrganizationID})
	}
	probes = append(probes, scopeProbe{catalog.ScopeGlobal, ""})

	for _, p := range probes {
		a, err := r.store.FindAlias(ctx, p.scope, p.id, name)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("alias: lookup %s alias: %w", p.scope, err)
		}

		pm, err := r.store.ProviderModel(ctx, a.ProviderModelID)
		if errors.Is(err, catalog.ErrNotFound) {
			// Dangling alias; keep looking in wider scopes.
			r.logger.Warn("alias_target_missing",
				slog.String("alias_id", a.ID),
				slog.String("provider_model_id", a.ProviderModelID),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("alias: load provider model: %w", err)
		}
		return &ResolvedModel{
			ProviderModel: *pm,
			Alias:         &Ref{ID: a.ID, Alias: a.Alias, Scope: a.Scope},
		}, nil
	}
	return nil, nil
}

// direct matches "provider/slug" within one provider, or a bare slug across
// all providers.
func (r *Resolver) direct(ctx context.Context, name string) (*ResolvedModel, error) {
	providerSlug, slug := "", name
	if p, s, ok := strings.Cut(name, "/"); ok && p != "" && s != "" {
		providerSlug, slug = p, s
	}

	rows, err := r.store.FindProviderModelsBySlug(ctx, providerSlug, slug)
	if err != nil {
		return nil, fmt.Errorf("alias: direct lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if len(rows) > 1 {
		r.logger.Debug("ambiguous_model_slug",
			slog.String("model", name),
			slog.Int("matches", len(rows)),
			slog.String("chosen_provider", rows[0].Provider.Slug),
		)
	}
	return &ResolvedModel{ProviderModel: rows[0]}, nil
}

// Invalidate drops the cached resolution of name for sc.
func (r *Resolver) Invalidate(name string, sc Scope) {
	r.cache.Delete(cacheKey(name, sc))
}

// InvalidateModel drops every cached resolution of name.
func (r *Resolver) InvalidateModel(name string) int {
	return r.cache.DeletePrefix(nameKey(name))
}

func (r *Resolver) Clear() { r.cache.Clear() }

func (r *Resolver) CacheStats() ttlcache.Stats { return r.cache.Stats() }
