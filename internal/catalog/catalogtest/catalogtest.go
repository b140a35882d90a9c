// Package catalogtest opens throwaway in-memory catalogs for tests.
package catalogtest

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nulpointcorp/llm-router/internal/catalog"
)

// New opens a migrated in-memory catalog private to t.
func New(t testing.TB) (*gorm.DB, *catalog.GormStore) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := catalog.Open(dsn)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("catalog sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := catalog.Migrate(db); err != nil {
		t.Fatalf("migrate catalog: %v", err)
	}
	return db, catalog.NewGormStore(db)
}

// Seed applies a YAML seed document and fails t on error.
func Seed(t testing.TB, db *gorm.DB, doc string, sealer catalog.Sealer) {
	t.Helper()
	if _, err := catalog.Seed(context.Background(), db, strings.NewReader(doc), sealer); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
}

// Tenancy is a one-organization, one-team, one-environment fixture with an
// environment-bound key "sk-env-key", a team-bound key "sk-team-key" and a
// disabled key "sk-disabled".
const Tenancy = `
organizations:
  - {id: org-1, name: Acme, slug: acme}
  - {id: org-2, name: Other, slug: other}
teams:
  - {id: team-1, organization_id: org-1, name: Platform}
  - {id: team-2, organization_id: org-2, name: Elsewhere}
environments:
  - {id: env-1, team_id: team-1, name: production}
  - {id: env-2, team_id: team-1, name: staging}
api_keys:
  - id: key-env
    name: prod key
    key: sk-env-key
    user_id: user-1
    enabled: true
    permissions: [chat]
    binding: {scope: env, organization_id: org-1, team_id: team-1, environment_id: env-1}
  - id: key-team
    name: team key
    key: sk-team-key
    enabled: true
    binding: {scope: team, organization_id: org-1, team_id: team-1}
  - id: key-org
    name: org key
    key: sk-org-key
    enabled: true
    binding: {scope: org, organization_id: org-1}
  - id: key-disabled
    name: revoked
    key: sk-disabled
    enabled: false
    binding: {scope: team, organization_id: org-1, team_id: team-1}
`

// Models is a catalog of two providers exposing gpt-4 and one Anthropic
// model.
const Models = `
providers:
  - {id: prov-openai, name: OpenAI, slug: openai, kind: openai, status: active}
  - {id: prov-azure, name: Azure OpenAI, slug: azure, kind: openai, status: active}
  - {id: prov-anthropic, name: Anthropic, slug: anthropic, kind: anthropic, status: active}
models:
  - {id: mdl-gpt4, slug: gpt-4, display_name: GPT-4, input_modalities: [text, image], output_modalities: [text], context_length: 8192}
  - {id: mdl-claude, slug: claude-sonnet, display_name: Claude Sonnet, input_modalities: [text, image], output_modalities: [text], context_length: 200000}
provider_models:
  - {id: pm-openai-gpt4, provider_id: prov-openai, model_id: mdl-gpt4, slug: gpt-4-0613, max_output_tokens: 4096}
  - {id: pm-azure-gpt4, provider_id: prov-azure, model_id: mdl-gpt4, slug: gpt-4-azure, max_output_tokens: 4096}
  - {id: pm-claude, provider_id: prov-anthropic, model_id: mdl-claude, slug: claude-sonnet-4-5, max_output_tokens: 8192, parameter_mapping: {maxOutputTokens: max_tokens}}
`
