// Package catalog is the read side of the router's catalog: tenants, API
// keys, providers, models, aliases, routing policies, prices and provider
// credentials.
//
// The core resolvers depend only on the Store interface. GormStore backs it
// with gorm over SQLite; Migrate creates the schema and Seed loads a YAML
// document. Administration of the catalog is outside this package.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("catalog: not found")

// KeyContext is an API key joined to its binding and the tenancy rows the
// binding points at.
type KeyContext struct {
	Key          APIKey        `json:"api_key"`
	Binding      KeyBinding    `json:"binding"`
	Organization *Organization `json:"organization,omitempty"`
	Team         *Team         `json:"team,omitempty"`
	Environment  *Environment  `json:"environment,omitempty"`
}

// Store is the catalog contract consumed by the router core.
type Store interface {
	APIKeyContext(ctx context.Context, rawKey string) (*KeyContext, error)

	FindAlias(ctx context.Context, scope Scope, scopeID, alias string) (*ModelAlias, error)
	// FindProviderModelsBySlug matches slug against provider-model and model
	// slugs, optionally within one provider. Rows are ordered by provider
	// slug, then provider-model id.
	FindProviderModelsBySlug(ctx context.Context, providerSlug, slug string) ([]ProviderModel, error)
	ProviderModel(ctx context.Context, id string) (*ProviderModel, error)
	ProviderModels(ctx context.Context) ([]ProviderModel, error)
	Aliases(ctx context.Context, orgID, teamID, envID string) ([]ModelAlias, error)

	// ActivePolicies returns scope-eligible active policies ordered env,
	// team, org, global.
	ActivePolicies(ctx context.Context, orgID, teamID, envID string) ([]RoutingPolicy, error)
	ActiveRules(ctx context.Context, policyID string) ([]RoutingRule, error)
	Targets(ctx context.Context, ruleID string) ([]RoutingTarget, error)

	PriceEntries(ctx context.Context, providerModelID string, at time.Time) ([]PriceBookEntry, error)
	Providers(ctx context.Context) ([]Provider, error)

	Credential(ctx context.Context, providerID string, scope Scope, scopeID string) (*ProviderCredential, error)
}

// HashKey returns the lookup hash stored for a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Open opens the catalog database. dsn is a SQLite DSN such as
// "file:router.db?cache=shared".
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	return db, nil
}

// Migrate creates or updates every catalog table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

// GormStore implements Store on a gorm database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the underlying handle for collaborators sharing the database.
func (s *GormStore) DB() *gorm.DB { return s.db }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) APIKeyContext(ctx context.Context, rawKey string) (*KeyContext, error) {
	db := s.db.WithContext(ctx)

	var kc KeyContext
	if err := db.Where("key_hash = ?", HashKey(rawKey)).First(&kc.Key).Error; err != nil {
		return nil, notFound(err)
	}
	if err := db.Where("api_key_id = ?", kc.Key.ID).First(&kc.Binding).Error; err != nil {
		return nil, notFound(err)
	}

	if id := kc.Binding.OrganizationID; id != "" {
		var org Organization
		if err := db.First(&org, "id = ?", id).Error; err == nil {
			kc.Organization = &org
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if id := kc.Binding.TeamID; id != "" {
		var team Team
		if err := db.First(&team, "id = ?", id).Error; err == nil {
			kc.Team = &team
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if id := kc.Binding.EnvironmentID; id != "" {
		var env Environment
		if err := db.First(&env, "id = ?", id).Error; err == nil {
			kc.Environment = &env
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return &kc, nil
}

// scopeColumn returns the id column that carries the scope id.
func scopeColumn(scope Scope) string {
	switch scope {
	case ScopeEnvironment:
		return "environment_id"
	case ScopeTeam:
		return "team_id"
	case ScopeOrganization:
		return "organization_id"
	default:
		return ""
	}
}

func (s *GormStore) FindAlias(ctx context.Context, scope Scope, scopeID, alias string) (*ModelAlias, error) {
	q := s.db.WithContext(ctx).Where("scope = ? AND alias = ?", scope, alias)
	if col := scopeColumn(scope); col != "" {
		q = q.Where(col+" = ?", scopeID)
	}
	var row ModelAlias
	if err := q.First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

func (s *GormStore) FindProviderModelsBySlug(ctx context.Context, providerSlug, slug string) ([]ProviderModel, error) {
	q := s.db.WithContext(ctx).
		Model(&ProviderModel{}).
		Joins("JOIN providers ON providers.id = provider_models.provider_id").
		Joins("JOIN models ON models.id = provider_models.model_id").
		Where("(provider_models.slug = ? OR models.slug = ?)", slug, slug)
	if providerSlug != "" {
		q = q.Where("providers.slug = ?", providerSlug)
	}

	var rows []ProviderModel
	err := q.Preload("Provider").Preload("Model").
		Order("providers.slug ASC").Order("provider_models.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *GormStore) ProviderModel(ctx context.Context, id string) (*ProviderModel, error) {
	var row ProviderModel
	err := s.db.WithContext(ctx).Preload("Provider").Preload("Model").First(&row, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

func (s *GormStore) ProviderModels(ctx context.Context) ([]ProviderModel, error) {
	var rows []ProviderModel
	err := s.db.WithContext(ctx).Preload("Provider").Preload("Model").
		Order("slug ASC").Order("id ASC").Find(&rows).Error
	return rows, err
}

// eligible narrows q to rows visible from the given tenancy ids.
func eligible(q *gorm.DB, orgID, teamID, envID string) *gorm.DB {
	cond := q.Session(&gorm.Session{NewDB: true}).Where("scope = ?", ScopeGlobal)
	if envID != "" {
		cond = cond.Or("scope = ? AND environment_id = ?", ScopeEnvironment, envID)
	}
	if teamID != "" {
		cond = cond.Or("scope = ? AND team_id = ?", ScopeTeam, teamID)
	}
	if orgID != "" {
		cond = cond.Or("scope = ? AND organization_id = ?", ScopeOrganization, orgID)
	}
	return q.Where(cond)
}

func (s *GormStore) Aliases(ctx context.Context, orgID, teamID, envID string) ([]ModelAlias, error) {
	var rows []ModelAlias
	err := eligible(s.db.WithContext(ctx), orgID, teamID, envID).
		Order("alias ASC").Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Alias != rows[j].Alias {
			return rows[i].Alias < rows[j].Alias
		}
		return rows[i].Scope.Rank() < rows[j].Scope.Rank()
	})
	return rows, nil
}

func (s *GormStore) ActivePolicies(ctx context.Context, orgID, teamID, envID string) ([]RoutingPolicy, error) {
	var rows []RoutingPolicy
	err := eligible(s.db.WithContext(ctx).Where("active = ?", true), orgID, teamID, envID).
		Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Scope.Rank() < rows[j].Scope.Rank()
	})
	return rows, nil
}

func (s *GormStore) ActiveRules(ctx context.Context, policyID string) ([]RoutingRule, error) {
	var rows []RoutingRule
	err := s.db.WithContext(ctx).
		Where("policy_id = ? AND active = ?", policyID, true).
		Order("rule_order ASC").Find(&rows).Error
	return rows, err
}

func (s *GormStore) Targets(ctx context.Context, ruleID string) ([]RoutingTarget, error) {
	var rows []RoutingTarget
	err := s.db.WithContext(ctx).
		Preload("ProviderModel.Provider").Preload("ProviderModel.Model").
		Where("rule_id = ?", ruleID).
		Order("position ASC").Order("id ASC").Find(&rows).Error
	return rows, err
}

func (s *GormStore) PriceEntries(ctx context.Context, providerModelID string, at time.Time) ([]PriceBookEntry, error) {
	var rows []PriceBookEntry
	at = at.UTC()
	err := s.db.WithContext(ctx).
		Where("provider_model_id = ?", providerModelID).
		Where("(effective_from IS NULL OR effective_from <= ?)", at).
		Where("(effective_to IS NULL OR effective_to >= ?)", at).
		Order("id ASC").Find(&rows).Error
	return rows, err
}

func (s *GormStore) Providers(ctx context.Context) ([]Provider, error) {
	var rows []Provider
	err := s.db.WithContext(ctx).Order("slug ASC").Find(&rows).Error
	return rows, err
}

func (s *GormStore) Credential(ctx context.Context, providerID string, scope Scope, scopeID string) (*ProviderCredential, error) {
	q := s.db.WithContext(ctx).
		Where("provider_id = ? AND scope = ? AND status = ?", providerID, scope, CredentialActive)
	if col := scopeColumn(scope); col != "" {
		q = q.Where(col+" = ?", scopeID)
	}
	var row ProviderCredential
	if err := q.Order("id ASC").First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}
