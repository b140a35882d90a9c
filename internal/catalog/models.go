package catalog

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Scope is the tenancy level a catalog row applies to.
type Scope string

const (
	ScopeEnvironment  Scope = "env"
	ScopeTeam         Scope = "team"
	ScopeOrganization Scope = "org"
	ScopeGlobal       Scope = "global"
)

// Rank orders scopes by precedence: env=0, team=1, org=2, global=3.
func (s Scope) Rank() int {
	switch s {
	case ScopeEnvironment:
		return 0
	case ScopeTeam:
		return 1
	case ScopeOrganization:
		return 2
	default:
		return 3
	}
}

// Provider status values.
const (
	StatusActive   = "active"
	StatusDegraded = "degraded"
	StatusDisabled = "disabled"
)

// Provider kinds select the adapter variant.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindCohere    = "cohere"
	KindGoogleAI  = "google-ai"
)

// Price units.
const (
	UnitTokenInput  = "token-input"
	UnitTokenOutput = "token-output"
	UnitRequest     = "request"
	UnitImage       = "image"
	UnitAudio       = "audio"
	UnitWebSearch   = "web-search"
)

// Credential status values.
const (
	CredentialActive  = "active"
	CredentialRevoked = "revoked"
	CredentialExpired = "expired"
)

// Base carries the id and timestamps shared by every row. Rows created
// without an id get a random UUID.
type Base struct {
	ID        string    `gorm:"primaryKey" yaml:"id" json:"id"`
	CreatedAt time.Time `yaml:"-" json:"-"`
	UpdatedAt time.Time `yaml:"-" json:"-"`
}

func (b *Base) BeforeCreate(*gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// ── Tenancy ──────────────────────────────────────────────────────────────────

type Organization struct {
	Base `yaml:",inline"`
	Name string `yaml:"name" json:"name"`
	Slug string `gorm:"uniqueIndex" yaml:"slug" json:"slug"`
}

type Team struct {
	Base           `yaml:",inline"`
	OrganizationID string `gorm:"index" yaml:"organization_id" json:"organization_id"`
	Name           string `yaml:"name" json:"name"`
}

type Environment struct {
	Base   `yaml:",inline"`
	TeamID string `gorm:"index" yaml:"team_id" json:"team_id"`
	Name   string `yaml:"name" json:"name"`
}

// APIKey is stored by the SHA-256 of the raw key; the raw key itself is
// never persisted.
type APIKey struct {
	Base        `yaml:",inline"`
	Name        string   `yaml:"name" json:"name"`
	KeyHash     string   `gorm:"uniqueIndex" yaml:"-" json:"-"`
	UserID      string   `yaml:"user_id" json:"user_id,omitempty"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Permissions []string `gorm:"serializer:json" yaml:"permissions" json:"permissions,omitempty"`

	// Key is the raw key read from a seed file.
	Key string `gorm:"-" yaml:"key" json:"-"`
}

// KeyBinding attaches an API key to one tenancy scope. Only the ids up to
// the bound scope are populated.
type KeyBinding struct {
	Base           `yaml:",inline"`
	APIKeyID       string `gorm:"uniqueIndex" yaml:"api_key_id" json:"api_key_id"`
	Scope          Scope  `yaml:"scope" json:"scope"`
	OrganizationID string `yaml:"organization_id" json:"organization_id,omitempty"`
	TeamID         string `yaml:"team_id" json:"team_id,omitempty"`
	EnvironmentID  string `yaml:"environment_id" json:"environment_id,omitempty"`
}

// ── Models ───────────────────────────────────────────────────────────────────

type Provider struct {
	Base    `yaml:",inline"`
	Name    string `yaml:"name" json:"name"`
	Slug    string `gorm:"uniqueIndex" yaml:"slug" json:"slug"`
	Kind    string `yaml:"kind" json:"kind"`
	Status  string `yaml:"status" json:"status"`
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
}

type Model struct {
	Base             `yaml:",inline"`
	Slug             string   `gorm:"uniqueIndex" yaml:"slug" json:"slug"`
	DisplayName      string   `yaml:"display_name" json:"display_name"`
	InputModalities  []string `gorm:"serializer:json" yaml:"input_modalities" json:"input_modalities,omitempty"`
	OutputModalities []string `gorm:"serializer:json" yaml:"output_modalities" json:"output_modalities,omitempty"`
	ContextLength    int      `yaml:"context_length" json:"context_length,omitempty"`
}

// ProviderModel is a model as exposed by one provider. ParameterMapping maps
// logical parameter keys (maxOutputTokens, topP, ...) to provider-native
// request field names.
type ProviderModel struct {
	Base                `yaml:",inline"`
	ProviderID          string            `gorm:"index;uniqueIndex:idx_provider_slug" yaml:"provider_id" json:"provider_id"`
	ModelID             string            `gorm:"index" yaml:"model_id" json:"model_id"`
	Slug                string            `gorm:"uniqueIndex:idx_provider_slug" yaml:"slug" json:"slug"`
	EndpointPath        string            `yaml:"endpoint_path" json:"endpoint_path,omitempty"`
	InputModalities     []string          `gorm:"serializer:json" yaml:"input_modalities" json:"input_modalities,omitempty"`
	OutputModalities    []string          `gorm:"serializer:json" yaml:"output_modalities" json:"output_modalities,omitempty"`
	MaxOutputTokens     int               `yaml:"max_output_tokens" json:"max_output_tokens,omitempty"`
	ContextLength       int               `yaml:"context_length" json:"context_length,omitempty"`
	Tokenizer           string            `yaml:"tokenizer" json:"tokenizer,omitempty"`
	Quantization        string            `yaml:"quantization" json:"quantization,omitempty"`
	EmbeddingDimensions int               `yaml:"embedding_dimensions" json:"embedding_dimensions,omitempty"`
	ParameterMapping    map[string]string `gorm:"serializer:json" yaml:"parameter_mapping" json:"parameter_mapping,omitempty"`
	SafetyFlags         map[string]bool   `gorm:"serializer:json" yaml:"safety_flags" json:"safety_flags,omitempty"`

	Provider Provider `gorm:"foreignKey:ProviderID" yaml:"-" json:"provider"`
	Model    Model    `gorm:"foreignKey:ModelID" yaml:"-" json:"model"`
}

// ModelAlias maps a scoped name to a provider model. Scope ids are set only
// for the alias's own scope.
type ModelAlias struct {
	Base            `yaml:",inline"`
	Scope           Scope  `gorm:"uniqueIndex:idx_alias_scope" yaml:"scope" json:"scope"`
	OrganizationID  string `gorm:"uniqueIndex:idx_alias_scope" yaml:"organization_id" json:"organization_id,omitempty"`
	TeamID          string `gorm:"uniqueIndex:idx_alias_scope" yaml:"team_id" json:"team_id,omitempty"`
	EnvironmentID   string `gorm:"uniqueIndex:idx_alias_scope" yaml:"environment_id" json:"environment_id,omitempty"`
	Alias           string `gorm:"uniqueIndex:idx_alias_scope" yaml:"alias" json:"alias"`
	ProviderModelID string `gorm:"index" yaml:"provider_model_id" json:"provider_model_id"`
}

// ── Routing ──────────────────────────────────────────────────────────────────

type RoutingPolicy struct {
	Base           `yaml:",inline"`
	Name           string `yaml:"name" json:"name"`
	Scope          Scope  `gorm:"index" yaml:"scope" json:"scope"`
	OrganizationID string `yaml:"organization_id" json:"organization_id,omitempty"`
	TeamID         string `yaml:"team_id" json:"team_id,omitempty"`
	EnvironmentID  string `yaml:"environment_id" json:"environment_id,omitempty"`
	Strategy       string `yaml:"strategy" json:"strategy"`
	Active         bool   `gorm:"index" yaml:"active" json:"active"`

	Rules []RoutingRule `gorm:"foreignKey:PolicyID" yaml:"rules" json:"-"`
}

type RoutingRule struct {
	Base      `yaml:",inline"`
	PolicyID  string    `gorm:"uniqueIndex:idx_rule_order" yaml:"policy_id" json:"policy_id"`
	Order     int       `gorm:"column:rule_order;uniqueIndex:idx_rule_order" yaml:"order" json:"order"`
	Condition Condition `gorm:"serializer:json" yaml:"condition" json:"condition"`
	Active    bool      `yaml:"active" json:"active"`

	Targets []RoutingTarget `gorm:"foreignKey:RuleID" yaml:"targets" json:"-"`
}

// Condition is the match expression of a rule. Every field that is set must
// match; an empty Condition matches everything.
type Condition struct {
	Model        string            `json:"model,omitempty" yaml:"model,omitempty"`
	ModelPattern string            `json:"modelPattern,omitempty" yaml:"model_pattern,omitempty"`
	Region       string            `json:"region,omitempty" yaml:"region,omitempty"`
	UserTier     string            `json:"userTier,omitempty" yaml:"user_tier,omitempty"`
	TimeOfDay    *TimeWindow       `json:"timeOfDay,omitempty" yaml:"time_of_day,omitempty"`
	RequestSize  *SizeRange        `json:"requestSize,omitempty" yaml:"request_size,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TimeWindow is an inclusive hour range, e.g. start 9 end 17.
type TimeWindow struct {
	Start    int    `json:"start" yaml:"start"`
	End      int    `json:"end" yaml:"end"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

type SizeRange struct {
	Min *int64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *int64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// RoutingTarget is one candidate of a rule. LatencyMs and CostScore feed the
// performance, cost and hybrid strategies; nil means unknown.
type RoutingTarget struct {
	Base            `yaml:",inline"`
	RuleID          string   `gorm:"index" yaml:"rule_id" json:"rule_id"`
	ProviderModelID string   `yaml:"provider_model_id" json:"provider_model_id"`
	Position        int      `yaml:"position" json:"position"`
	Weight          int      `yaml:"weight" json:"weight"`
	TimeoutMs       int      `yaml:"timeout_ms" json:"timeout_ms,omitempty"`
	MaxRetries      int      `yaml:"max_retries" json:"max_retries,omitempty"`
	Regions         []string `gorm:"serializer:json" yaml:"regions" json:"regions,omitempty"`
	LatencyMs       *float64 `yaml:"latency_ms" json:"latency_ms,omitempty"`
	CostScore       *float64 `yaml:"cost_score" json:"cost_score,omitempty"`

	ProviderModel ProviderModel `gorm:"foreignKey:ProviderModelID" yaml:"-" json:"-"`
}

// ── Pricing ──────────────────────────────────────────────────────────────────

// PriceBookEntry prices one unit of a provider model. PriceMicros is per
// 1000 units except for the request unit, which is flat.
type PriceBookEntry struct {
	Base            `yaml:",inline"`
	ProviderModelID string     `gorm:"index" yaml:"provider_model_id" json:"provider_model_id"`
	Region          string     `yaml:"region" json:"region,omitempty"`
	Unit            string     `yaml:"unit" json:"unit"`
	PriceMicros     int64      `yaml:"price_micros" json:"price_micros"`
	Currency        string     `yaml:"currency" json:"currency"`
	EffectiveFrom   *time.Time `yaml:"effective_from" json:"effective_from,omitempty"`
	EffectiveTo     *time.Time `yaml:"effective_to" json:"effective_to,omitempty"`
}

// BeforeSave stores the window bounds in UTC. The sqlite driver persists
// times as text, so bounds must share one offset to compare correctly.
func (p *PriceBookEntry) BeforeSave(*gorm.DB) error {
	p.EffectiveFrom = utcPtr(p.EffectiveFrom)
	p.EffectiveTo = utcPtr(p.EffectiveTo)
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// ── Credentials ──────────────────────────────────────────────────────────────

// ProviderCredential holds an encrypted provider secret for one scope.
type ProviderCredential struct {
	Base           `yaml:",inline"`
	ProviderID     string `gorm:"index" yaml:"provider_id" json:"provider_id"`
	Scope          Scope  `yaml:"scope" json:"scope"`
	OrganizationID string `yaml:"organization_id" json:"organization_id,omitempty"`
	TeamID         string `yaml:"team_id" json:"team_id,omitempty"`
	EnvironmentID  string `yaml:"environment_id" json:"environment_id,omitempty"`
	Type           string `yaml:"type" json:"type"`
	Secret         string `yaml:"-" json:"-"`
	Status         string `yaml:"status" json:"status"`
	OrgExternalID  string `yaml:"org_external_id" json:"org_external_id,omitempty"`
	Region         string `yaml:"region" json:"region,omitempty"`

	// Value is the plaintext secret read from a seed file.
	Value string `gorm:"-" yaml:"value" json:"-"`
}

// ── Usage log ────────────────────────────────────────────────────────────────

type RequestRecord struct {
	ID             string         `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
	OrganizationID string         `json:"organization_id,omitempty"`
	TeamID         string         `gorm:"index" json:"team_id,omitempty"`
	EnvironmentID  string         `json:"environment_id,omitempty"`
	APIKeyID       string         `gorm:"index" json:"api_key_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	RequestType    string         `json:"request_type"`
	RequestedModel string         `gorm:"index" json:"requested_model"`
	InputSize      int            `json:"input_size"`
	Status         string         `json:"status"`
	LatencyMs      int64          `json:"latency_ms"`
	ErrorClass     string         `json:"error_class,omitempty"`
	ClientIP       string         `json:"client_ip,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	Metadata       map[string]any `gorm:"serializer:json" json:"metadata,omitempty"`
}

type ResponseRecord struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	RequestID    string    `gorm:"index" json:"request_id"`
	FinishReason string    `json:"finish_reason,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	OutputSize   int       `json:"output_size"`
	Status       string    `json:"status"`
}

type UsageEvent struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
	RequestID       string    `gorm:"index" json:"request_id"`
	APIKeyID        string    `gorm:"index" json:"api_key_id,omitempty"`
	OrganizationID  string    `json:"organization_id,omitempty"`
	TeamID          string    `json:"team_id,omitempty"`
	EnvironmentID   string    `json:"environment_id,omitempty"`
	ProviderID      string    `json:"provider_id"`
	ProviderSlug    string    `json:"provider_slug"`
	ModelSlug       string    `json:"model_slug"`
	ProviderModelID string    `gorm:"index" json:"provider_model_id"`
	Alias           string    `json:"alias,omitempty"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	CostMicros      int64     `json:"cost_micros"`
	Currency        string    `json:"currency"`
}

// AllModels lists every table for migrations.
func AllModels() []any {
	return []any{
		&Organization{}, &Team{}, &Environment{},
		&APIKey{}, &KeyBinding{},
		&Provider{}, &Model{}, &ProviderModel{}, &ModelAlias{},
		&RoutingPolicy{}, &RoutingRule{}, &RoutingTarget{},
		&PriceBookEntry{}, &ProviderCredential{},
		&RequestRecord{}, &ResponseRecord{}, &UsageEvent{},
	}
}
