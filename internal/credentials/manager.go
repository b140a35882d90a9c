// Package credentials resolves provider credentials for a tenant.
//
// Credentials are looked up environment first, then team, then
// organization; the first active one wins. Secrets at rest are sealed by an
// injected Encryptor, or held in Vault.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ttlcache"
)

// Manager walks the scope cascade over a Store and caches hits.
type Manager struct {
	store  Store
	cache  *ttlcache.Table[providers.Credential]
	logger *slog.Logger
}

// NewManager caches resolved credentials for ttl; a non-positive ttl
// disables caching.
func NewManager(store Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: store, logger: logger}
	if ttl > 0 {
		m.cache = ttlcache.New[providers.Credential](ttl)
	}
	return m
}

// Resolve returns the provider credential for the most specific scope of
// (orgID, teamID, envID) that has one. Empty ids are skipped.
func (m *Manager) Resolve(ctx context.Context, p *catalog.Provider, orgID, teamID, envID string) (providers.Credential, error) {
	key := p.ID + ":" + orgID + ":" + teamID + ":" + envID
	if m.cache != nil {
		if cred, ok := m.cache.Get(key); ok {
			return cred, nil
		}
	}

	steps := []struct {
		scope catalog.Scope
		id    string
	}{
		{catalog.ScopeEnvironment, envID},
		{catalog.ScopeTeam, teamID},
		{catalog.ScopeOrganization, orgID},
	}
	for _, s := range steps {
		if s.id == "" {
			continue
		}
		cred, err := m.store.Lookup(ctx, p, s.scope, s.id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return providers.Credential{}, err
		}
		m.logger.DebugContext(ctx, "credential_resolved",
			slog.String("provider", p.Slug),
			slog.String("scope", string(s.scope)),
			slog.String("key", MaskKey(cred.APIKey)),
		)
		if m.cache != nil {
			m.cache.Set(key, cred)
		}
		return cred, nil
	}
	return providers.Credential{}, fmt.Errorf("%w: provider %s", ErrNotFound, p.Slug)
}

// Invalidate drops every cached credential of a provider.
func (m *Manager) Invalidate(providerID string) {
	if m.cache != nil {
		m.cache.DeletePrefix(providerID + ":")
	}
}
