package catalog_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/catalog/catalogtest"
)

const routingSeed = `
policies:
  - id: pol-global
    name: global default
    scope: global
    strategy: deterministic
    active: true
    rules:
      - id: rule-g1
        order: 2
        active: true
        targets:
          - {id: tgt-g1, provider_model_id: pm-openai-gpt4}
      - id: rule-g0
        order: 1
        active: true
        condition: {model: gpt-4}
        targets:
          - {id: tgt-g0a, provider_model_id: pm-azure-gpt4, position: 2}
          - {id: tgt-g0b, provider_model_id: pm-openai-gpt4, position: 1, weight: 3}
      - id: rule-off
        order: 3
        active: false
  - id: pol-env
    name: env override
    scope: env
    environment_id: env-1
    strategy: weighted
    active: true
  - id: pol-team-other
    name: other team
    scope: team
    team_id: team-2
    strategy: cost
    active: true
  - id: pol-inactive
    name: inactive
    scope: org
    organization_id: org-1
    strategy: cost
    active: false
`

type upperSealer struct{}

func (upperSealer) Encrypt(s string) (string, error) { return strings.ToUpper(s), nil }

func TestAPIKeyContext(t *testing.T) {
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Tenancy, nil)
	ctx := context.Background()

	kc, err := store.APIKeyContext(ctx, "sk-env-key")
	require.NoError(t, err)
	assert.Equal(t, "key-env", kc.Key.ID)
	assert.True(t, kc.Key.Enabled)
	assert.Equal(t, []string{"chat"}, kc.Key.Permissions)
	assert.Equal(t, catalog.ScopeEnvironment, kc.Binding.Scope)
	require.NotNil(t, kc.Environment)
	assert.Equal(t, "production", kc.Environment.Name)
	require.NotNil(t, kc.Team)
	require.NotNil(t, kc.Organization)

	kc, err = store.APIKeyContext(ctx, "sk-team-key")
	require.NoError(t, err)
	assert.Nil(t, kc.Environment)
	assert.Equal(t, "team-1", kc.Team.ID)

	_, err = store.APIKeyContext(ctx, "sk-unknown")
	assert.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestFindProviderModelsBySlug_Order(t *testing.T) {
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Models, nil)
	ctx := context.Background()

	rows, err := store.FindProviderModelsBySlug(ctx, "", "gpt-4")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "azure", rows[0].Provider.Slug)
	assert.Equal(t, "openai", rows[1].Provider.Slug)
	assert.Equal(t, "gpt-4", rows[0].Model.Slug)

	rows, err = store.FindProviderModelsBySlug(ctx, "openai", "gpt-4-0613")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "pm-openai-gpt4", rows[0].ID)

	rows, err = store.FindProviderModelsBySlug(ctx, "anthropic", "gpt-4")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestProviderModel_ParameterMapping(t *testing.T) {
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Models, nil)

	pm, err := store.ProviderModel(context.Background(), "pm-claude")
	require.NoError(t, err)
	assert.Equal(t, "max_tokens", pm.ParameterMapping["maxOutputTokens"])
	assert.Equal(t, catalog.KindAnthropic, pm.Provider.Kind)
	assert.Equal(t, 200000, pm.Model.ContextLength)

	_, err = store.ProviderModel(context.Background(), "missing")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestActivePolicies_ScopeOrder(t *testing.T) {
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Tenancy+catalogtest.Models+routingSeed, nil)

	pols, err := store.ActivePolicies(context.Background(), "org-1", "team-1", "env-1")
	require.NoError(t, err)
	require.Len(t, pols, 2)
	assert.Equal(t, "pol-env", pols[0].ID)
	assert.Equal(t, "pol-global", pols[1].ID)

	pols, err = store.ActivePolicies(context.Background(), "org-1", "team-1", "env-2")
	require.NoError(t, err)
	require.Len(t, pols, 1)
	assert.Equal(t, "pol-global", pols[0].ID)
}

func TestActiveRulesAndTargets(t *testing.T) {
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Tenancy+catalogtest.Models+routingSeed, nil)
	ctx := context.Background()

	rules, err := store.ActiveRules(ctx, "pol-global")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "rule-g0", rules[0].ID)
	assert.Equal(t, "gpt-4", rules[0].Condition.Model)

	targets, err := store.Targets(ctx, "rule-g0")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "tgt-g0b", targets[0].ID)
	assert.Equal(t, 3, targets[0].Weight)
	assert.Equal(t, 1, targets[1].Weight, "weight defaults to 1")
	assert.Equal(t, "openai", targets[0].ProviderModel.Provider.Slug)
}

func TestPriceEntries_Window(t *testing.T) {
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Models+`
prices:
  - {id: p1, provider_model_id: pm-openai-gpt4, unit: token-input, price_micros: 500, effective_from: 2024-01-01T00:00:00Z}
  - {id: p2, provider_model_id: pm-openai-gpt4, unit: token-output, price_micros: 1500}
  - {id: p3, provider_model_id: pm-openai-gpt4, unit: token-input, price_micros: 900, effective_to: 2023-12-31T23:59:59Z}
`, nil)

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rows, err := store.PriceEntries(context.Background(), "pm-openai-gpt4", at)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "p1", rows[0].ID)
	assert.Equal(t, "USD", rows[0].Currency)
	assert.Equal(t, "p2", rows[1].ID)
}

func TestPriceEntries_OffsetBoundary(t *testing.T) {
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Models+`
prices:
  - {id: p-offset, provider_model_id: pm-openai-gpt4, unit: token-input, price_micros: 500, effective_from: 2025-06-01T02:00:00+02:00}
  - {id: p-later, provider_model_id: pm-openai-gpt4, unit: token-input, price_micros: 700, effective_from: 2025-06-01T04:00:00+02:00}
  - {id: p-ended, provider_model_id: pm-openai-gpt4, unit: token-input, price_micros: 900, effective_to: 2025-06-01T02:30:00+02:00}
`, nil)

	// 02:00+02:00 is 00:00Z, so only the first window has opened by 01:00Z
	// and the third has already closed at 00:30Z.
	at := time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC)
	rows, err := store.PriceEntries(context.Background(), "pm-openai-gpt4", at)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p-offset", rows[0].ID)

	// The same instant expressed in another zone matches the same rows.
	rows, err = store.PriceEntries(context.Background(), "pm-openai-gpt4", at.In(time.FixedZone("PDT", -7*3600)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p-offset", rows[0].ID)
}

func TestCredential_SealedOnSeed(t *testing.T) {
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Tenancy+catalogtest.Models+`
credentials:
  - {id: cred-team, provider_id: prov-openai, scope: team, team_id: team-1, value: sk-upstream}
  - {id: cred-revoked, provider_id: prov-openai, scope: env, environment_id: env-1, value: sk-old, status: revoked}
`, upperSealer{})
	ctx := context.Background()

	c, err := store.Credential(ctx, "prov-openai", catalog.ScopeTeam, "team-1")
	require.NoError(t, err)
	assert.Equal(t, "SK-UPSTREAM", c.Secret)
	assert.Equal(t, "apiKey", c.Type)

	_, err = store.Credential(ctx, "prov-openai", catalog.ScopeEnvironment, "env-1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestSeed_CredentialWithoutSealer(t *testing.T) {
	db, _ := catalogtest.New(t)
	_, err := catalog.Seed(context.Background(), db, strings.NewReader(catalogtest.Models+`
credentials:
  - {id: c, provider_id: prov-openai, scope: global, value: secret}
`), nil)
	require.Error(t, err)
}

func TestSeed_Idempotent(t *testing.T) {
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Models, nil)
	catalogtest.Seed(t, db, catalogtest.Models, nil)

	pms, err := store.ProviderModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, pms, 3)
}
