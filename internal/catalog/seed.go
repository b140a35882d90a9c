package catalog

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SeedKey is an API key entry of a seed document.
type SeedKey struct {
	APIKey  `yaml:",inline"`
	Binding KeyBinding `yaml:"binding"`
}

// SeedDocument is the YAML layout accepted by Seed. Rules nest under their
// policy and targets under their rule.
type SeedDocument struct {
	Organizations  []Organization       `yaml:"organizations"`
	Teams          []Team               `yaml:"teams"`
	Environments   []Environment        `yaml:"environments"`
	APIKeys        []SeedKey            `yaml:"api_keys"`
	Providers      []Provider           `yaml:"providers"`
	Models         []Model              `yaml:"models"`
	ProviderModels []ProviderModel      `yaml:"provider_models"`
	Aliases        []ModelAlias         `yaml:"aliases"`
	Policies       []RoutingPolicy      `yaml:"policies"`
	Prices         []PriceBookEntry     `yaml:"prices"`
	Credentials    []ProviderCredential `yaml:"credentials"`
}

// Sealer encrypts plaintext credential values before they are stored.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
}

// SeedStats counts the rows written by Seed.
type SeedStats struct {
	Rows int
}

// Seed decodes a YAML seed document from r and upserts every row by id.
// Credentials carrying a plaintext value are sealed first; a document with
// credentials needs a non-nil sealer.
func Seed(ctx context.Context, db *gorm.DB, r io.Reader, sealer Sealer) (SeedStats, error) {
	var doc SeedDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return SeedStats{}, fmt.Errorf("catalog: seed: decode: %w", err)
	}
	return Apply(ctx, db, &doc, sealer)
}

// Apply upserts a decoded seed document in one transaction.
func Apply(ctx context.Context, db *gorm.DB, doc *SeedDocument, sealer Sealer) (SeedStats, error) {
	var st SeedStats
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		up := func(v any) error {
			if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error; err != nil {
				return err
			}
			st.Rows++
			return nil
		}

		for i := range doc.Organizations {
			if err := up(&doc.Organizations[i]); err != nil {
				return fmt.Errorf("organization %q: %w", doc.Organizations[i].ID, err)
			}
		}
		for i := range doc.Teams {
			if err := up(&doc.Teams[i]); err != nil {
				return fmt.Errorf("team %q: %w", doc.Teams[i].ID, err)
			}
		}
		for i := range doc.Environments {
			if err := up(&doc.Environments[i]); err != nil {
				return fmt.Errorf("environment %q: %w", doc.Environments[i].ID, err)
			}
		}
		for i := range doc.APIKeys {
			k := &doc.APIKeys[i]
			if k.Key != "" {
				k.KeyHash = HashKey(k.Key)
			}
			if k.KeyHash == "" {
				return fmt.Errorf("api key %q: missing key", k.ID)
			}
			if err := up(&k.APIKey); err != nil {
				return fmt.Errorf("api key %q: %w", k.ID, err)
			}
			b := k.Binding
			b.APIKeyID = k.APIKey.ID
			if b.ID == "" {
				b.ID = k.APIKey.ID + "-binding"
			}
			if b.Scope == "" {
				b.Scope = ScopeTeam
			}
			if err := up(&b); err != nil {
				return fmt.Errorf("api key %q binding: %w", k.ID, err)
			}
		}
		for i := range doc.Providers {
			p := &doc.Providers[i]
			if p.Status == "" {
				p.Status = StatusActive
			}
			if err := up(p); err != nil {
				return fmt.Errorf("provider %q: %w", p.Slug, err)
			}
		}
		for i := range doc.Models {
			if err := up(&doc.Models[i]); err != nil {
				return fmt.Errorf("model %q: %w", doc.Models[i].Slug, err)
			}
		}
		for i := range doc.ProviderModels {
			if err := up(&doc.ProviderModels[i]); err != nil {
				return fmt.Errorf("provider model %q: %w", doc.ProviderModels[i].Slug, err)
			}
		}
		for i := range doc.Aliases {
			if err := up(&doc.Aliases[i]); err != nil {
				return fmt.Errorf("alias %q: %w", doc.Aliases[i].Alias, err)
			}
		}
		for i := range doc.Policies {
			if err := applyPolicy(&doc.Policies[i], up); err != nil {
				return err
			}
		}
		for i := range doc.Prices {
			p := &doc.Prices[i]
			if p.Currency == "" {
				p.Currency = "USD"
			}
			if err := up(p); err != nil {
				return fmt.Errorf("price %q: %w", p.ID, err)
			}
		}
		for i := range doc.Credentials {
			c := &doc.Credentials[i]
			if c.Value != "" {
				if sealer == nil {
					return fmt.Errorf("credential %q: no encryptor configured", c.ID)
				}
				sealed, err := sealer.Encrypt(c.Value)
				if err != nil {
					return fmt.Errorf("credential %q: %w", c.ID, err)
				}
				c.Secret = sealed
			}
			if c.Status == "" {
				c.Status = CredentialActive
			}
			if c.Type == "" {
				c.Type = "apiKey"
			}
			if err := up(c); err != nil {
				return fmt.Errorf("credential %q: %w", c.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return SeedStats{}, fmt.Errorf("catalog: seed: %w", err)
	}
	return st, nil
}

func applyPolicy(p *RoutingPolicy, up func(any) error) error {
	if err := up(p); err != nil {
		return fmt.Errorf("policy %q: %w", p.Name, err)
	}
	for ri := range p.Rules {
		rule := &p.Rules[ri]
		rule.PolicyID = p.ID
		if err := up(rule); err != nil {
			return fmt.Errorf("policy %q rule %d: %w", p.Name, rule.Order, err)
		}
		for ti := range rule.Targets {
			t := &rule.Targets[ti]
			t.RuleID = rule.ID
			if t.Position == 0 {
				t.Position = ti
			}
			if t.Weight <= 0 {
				t.Weight = 1
			}
			if err := up(t); err != nil {
				return fmt.Errorf("policy %q rule %d target: %w", p.Name, rule.Order, err)
			}
		}
	}
	return nil
}
