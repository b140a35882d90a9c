// Package scope resolves caller API keys to tenant-scoped identities.
//
// A key is bound to exactly one environment, team or organization. Resolved
// contexts are cached per raw key for a fixed TTL; disabled or unknown keys
// are never cached.
package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/ttlcache"
)

// KeyPrefix is the secret-key prefix every accepted token carries.
const KeyPrefix = "sk-"

const cachePrefix = "api_key_context:"

// ErrInvalidKey is returned for unknown and disabled keys.
var ErrInvalidKey = errors.New("scope: invalid api key")

// ExtractCredential returns the token from an Authorization header value.
// Both "Bearer <token>" and a bare token are accepted; tokens without the
// sk- prefix are rejected.
func ExtractCredential(header string) (string, bool) {
	token := header
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		token = strings.TrimSpace(rest)
	}
	if !strings.HasPrefix(token, KeyPrefix) {
		return "", false
	}
	return token, true
}

// Resolver turns raw keys into catalog.KeyContext values.
type Resolver struct {
	store  catalog.Store
	cache  *ttlcache.Table[*catalog.KeyContext]
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver returns a Resolver caching contexts for ttl (300s when ttl is
// not positive).
func NewResolver(store catalog.Store, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		cache:  ttlcache.New[*catalog.KeyContext](ttl),
		logger: logger,
	}
}

// Resolve returns the context bound to token, or ErrInvalidKey.
func (r *Resolver) Resolve(ctx context.Context, token string) (*catalog.KeyContext, error) {
	cacheKey := cachePrefix + token
	if kc, ok := r.cache.Get(cacheKey); ok {
		return kc, nil
	}

	// The shared load must outlive any single caller; each caller still
	// gives up when its own ctx ends.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(cacheKey, func() (any, error) {
		return r.load(loadCtx, cacheKey, token)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*catalog.KeyContext), nil
	}
}

func (r *Resolver) load(ctx context.Context, cacheKey, token string) (*catalog.KeyContext, error) {
	kc, err := r.store.APIKeyContext(ctx, token)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("scope: resolve: %w", err)
	}
	if !kc.Key.Enabled {
		return nil, ErrInvalidKey
	}
	if kc.Binding.Scope == "" {
		kc.Binding.Scope = catalog.ScopeTeam
	}
	r.cache.Set(cacheKey, kc)
	return kc, nil
}

// Invalidate drops the cached context of token.
func (r *Resolver) Invalidate(token string) {
	r.cache.Delete(cachePrefix + token)
}

// Clear drops every cached context.
func (r *Resolver) Clear() { r.cache.Clear() }

// CacheStats reports the cached entry count.
func (r *Resolver) CacheStats() ttlcache.Stats {
	st := r.cache.Stats()
	// Keys embed raw secrets.
	st.Keys = nil
	return st
}

// Required is the tenancy a caller must be entitled to. Empty fields are not
// checked.
type Required struct {
	OrganizationID string
	TeamID         string
	EnvironmentID  string
}

// Chain returns the organization, team and environment ids the key belongs
// to, taken from the binding and falling back to the joined rows.
func Chain(kc *catalog.KeyContext) (orgID, teamID, envID string) {
	b := kc.Binding
	orgID, teamID, envID = b.OrganizationID, b.TeamID, b.EnvironmentID
	if orgID == "" && kc.Organization != nil {
		orgID = kc.Organization.ID
	}
	if teamID == "" && kc.Team != nil {
		teamID = kc.Team.ID
	}
	if envID == "" && kc.Environment != nil {
		envID = kc.Environment.ID
	}
	return orgID, teamID, envID
}

// ValidateScope reports whether kc may act on req.
//
// An env key matches only its own environment and its ancestors. A team key
// covers every environment of its team; an org key covers every team and
// environment of its organization. A required dimension below the key's
// scope is accepted only when req also names the key's own scope id, since
// containment cannot be established otherwise.
func ValidateScope(kc *catalog.KeyContext, req Required) bool {
	orgID, teamID, envID := Chain(kc)

	if req.OrganizationID != "" && req.OrganizationID != orgID {
		return false
	}

	switch kc.Binding.Scope {
	case catalog.ScopeEnvironment:
		if req.TeamID != "" && req.TeamID != teamID {
			return false
		}
		if req.EnvironmentID != "" && req.EnvironmentID != envID {
			return false
		}
	case catalog.ScopeTeam:
		if req.TeamID != "" && req.TeamID != teamID {
			return false
		}
		if req.EnvironmentID != "" && req.TeamID == "" {
			return false
		}
	case catalog.ScopeOrganization:
		if (req.TeamID != "" || req.EnvironmentID != "") && req.OrganizationID == "" {
			return false
		}
	default:
		return false
	}
	return true
}
