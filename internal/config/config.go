// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file, when present, is loaded
// into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATABASE_URL becomes
// database_url in YAML.
//
// Provider API keys are not configuration: they live in the catalog (sealed
// with CREDENTIAL_ENCRYPTION_KEY) or in Vault.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Credential sources.
const (
	CredentialSourceDatabase = "database"
	CredentialSourceVault    = "vault"
)

// Usage sinks.
const (
	UsageSinkDatabase   = "database"
	UsageSinkClickHouse = "clickhouse"
	UsageSinkLog        = "log"
	UsageSinkNone       = "none"
)

// Cache modes.
const (
	CacheModeRedis  = "redis"
	CacheModeMemory = "memory"
	CacheModeNone   = "none"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	Catalog     CatalogConfig
	Routing     RoutingConfig
	Provider    ProviderConfig
	Credentials CredentialsConfig
	Usage       UsageConfig

	// Redis holds the connection URL shared by the replay store and the RPM
	// limiter.
	Redis RedisConfig

	// Idempotency controls the replay store behind Idempotency-Key.
	Idempotency IdempotencyConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// CatalogConfig locates the catalog database and the resolver caches in
// front of it.
type CatalogConfig struct {
	// DatabaseURL is the sqlite DSN of the catalog.
	DatabaseURL string
	// SeedFile is an optional YAML seed applied at start.
	SeedFile string

	APIKeyCacheTTL time.Duration
	ModelCacheTTL  time.Duration
	HealthCacheTTL time.Duration
}

// RoutingConfig holds selector defaults.
type RoutingConfig struct {
	MaxFallbackAttempts int
	EnableFallback      bool
	DefaultTimeout      time.Duration
	DefaultMaxRetries   int
	// FallbackOrder reorders fallback options: round_robin,
	// least_connections, weighted or random. Empty keeps catalog order.
	FallbackOrder string
}

// ProviderConfig holds adapter call timeouts.
type ProviderConfig struct {
	Timeout      time.Duration
	ImageTimeout time.Duration
}

// CredentialsConfig selects where provider credentials come from.
type CredentialsConfig struct {
	// Source is "database" or "vault". Default: database.
	Source string
	// EncryptionKey is the master secret sealing credentials in the catalog.
	EncryptionKey string

	Vault VaultConfig
}

// VaultConfig holds HashiCorp Vault settings for the vault source.
type VaultConfig struct {
	Address    string
	Token      string
	Mount      string
	PathPrefix string
}

// UsageConfig selects the usage-log sink.
type UsageConfig struct {
	// Sink is one of database, clickhouse, log, none. Default: database.
	Sink string

	ClickHouse ClickHouseConfig
}

// ClickHouseConfig holds connection settings for the clickhouse sink.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// IdempotencyConfig controls idempotent replay.
type IdempotencyConfig struct {
	// Mode selects the replay store backend:
	//   "redis"   Redis-backed (requires REDIS_URL). Shared across replicas.
	//   "memory"  In-process TTL store. Not shared across replicas.
	//   "none"    Replay disabled; Idempotency-Key is ignored.
	// Default: "memory".
	Mode string

	// TTL is how long a completed response stays replayable. Default: 24h.
	TTL time.Duration

	// NoReplayExact lists model names whose responses are never stored.
	NoReplayExact []string

	// NoReplayPatterns lists Go regular expressions matched against model
	// names. Matching requests are never stored.
	NoReplayPatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trip the
	// breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per API key.
	// 0 disables rate limiting. Needs Redis. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := fromViper(v)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Catalog.
	v.SetDefault("DATABASE_URL", "file:router.db?cache=shared")
	v.SetDefault("CATALOG_SEED_FILE", "")
	v.SetDefault("API_KEY_CACHE_TTL", "300s")
	v.SetDefault("MODEL_CACHE_TTL", "300s")
	v.SetDefault("HEALTH_CACHE_TTL", "60s")

	// Routing.
	v.SetDefault("ROUTING_MAX_FALLBACK_ATTEMPTS", 3)
	v.SetDefault("ROUTING_ENABLE_FALLBACK", true)
	v.SetDefault("ROUTING_DEFAULT_TIMEOUT", "30s")
	v.SetDefault("ROUTING_DEFAULT_MAX_RETRIES", 3)
	v.SetDefault("ROUTING_FALLBACK_ORDER", "")

	// Adapters.
	v.SetDefault("PROVIDER_TIMEOUT", "60s")
	v.SetDefault("PROVIDER_IMAGE_TIMEOUT", "120s")

	// Credentials.
	v.SetDefault("CREDENTIAL_SOURCE", CredentialSourceDatabase)
	v.SetDefault("VAULT_MOUNT", "secret")
	v.SetDefault("VAULT_PATH_PREFIX", "llm-router")

	// Usage log.
	v.SetDefault("USAGE_SINK", UsageSinkDatabase)
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	// Idempotent replay.
	v.SetDefault("CACHE_MODE", CacheModeMemory)
	v.SetDefault("IDEMPOTENCY_TTL", "24h")

	// Circuit breaker.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Catalog: CatalogConfig{
			DatabaseURL:    v.GetString("DATABASE_URL"),
			SeedFile:       v.GetString("CATALOG_SEED_FILE"),
			APIKeyCacheTTL: v.GetDuration("API_KEY_CACHE_TTL"),
			ModelCacheTTL:  v.GetDuration("MODEL_CACHE_TTL"),
			HealthCacheTTL: v.GetDuration("HEALTH_CACHE_TTL"),
		},

		Routing: RoutingConfig{
			MaxFallbackAttempts: v.GetInt("ROUTING_MAX_FALLBACK_ATTEMPTS"),
			EnableFallback:      v.GetBool("ROUTING_ENABLE_FALLBACK"),
			DefaultTimeout:      v.GetDuration("ROUTING_DEFAULT_TIMEOUT"),
			DefaultMaxRetries:   v.GetInt("ROUTING_DEFAULT_MAX_RETRIES"),
			FallbackOrder:       strings.ToLower(v.GetString("ROUTING_FALLBACK_ORDER")),
		},

		Provider: ProviderConfig{
			Timeout:      v.GetDuration("PROVIDER_TIMEOUT"),
			ImageTimeout: v.GetDuration("PROVIDER_IMAGE_TIMEOUT"),
		},

		Credentials: CredentialsConfig{
			Source:        strings.ToLower(v.GetString("CREDENTIAL_SOURCE")),
			EncryptionKey: v.GetString("CREDENTIAL_ENCRYPTION_KEY"),
			Vault: VaultConfig{
				Address:    v.GetString("VAULT_ADDR"),
				Token:      v.GetString("VAULT_TOKEN"),
				Mount:      v.GetString("VAULT_MOUNT"),
				PathPrefix: v.GetString("VAULT_PATH_PREFIX"),
			},
		},

		Usage: UsageConfig{
			Sink: strings.ToLower(v.GetString("USAGE_SINK")),
			ClickHouse: ClickHouseConfig{
				Addr:     v.GetString("CLICKHOUSE_ADDR"),
				Database: v.GetString("CLICKHOUSE_DATABASE"),
				Username: v.GetString("CLICKHOUSE_USERNAME"),
				Password: v.GetString("CLICKHOUSE_PASSWORD"),
			},
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Idempotency: IdempotencyConfig{
			Mode:             strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:              v.GetDuration("IDEMPOTENCY_TTL"),
			NoReplayExact:    v.GetStringSlice("IDEMPOTENCY_NO_REPLAY_EXACT"),
			NoReplayPatterns: v.GetStringSlice("IDEMPOTENCY_NO_REPLAY_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Catalog.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL must not be empty")
	}

	ttls := []struct {
		name string
		d    time.Duration
	}{
		{"API_KEY_CACHE_TTL", c.Catalog.APIKeyCacheTTL},
		{"MODEL_CACHE_TTL", c.Catalog.ModelCacheTTL},
		{"HEALTH_CACHE_TTL", c.Catalog.HealthCacheTTL},
		{"ROUTING_DEFAULT_TIMEOUT", c.Routing.DefaultTimeout},
		{"PROVIDER_TIMEOUT", c.Provider.Timeout},
		{"PROVIDER_IMAGE_TIMEOUT", c.Provider.ImageTimeout},
		{"IDEMPOTENCY_TTL", c.Idempotency.TTL},
		{"CB_TIME_WINDOW", c.CircuitBreaker.TimeWindow},
		{"CB_HALF_OPEN_TIMEOUT", c.CircuitBreaker.HalfOpenTimeout},
	}
	for _, t := range ttls {
		if t.d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration", t.name)
		}
	}

	if c.Routing.MaxFallbackAttempts < 0 {
		return fmt.Errorf("config: ROUTING_MAX_FALLBACK_ATTEMPTS must be ≥ 0, got %d", c.Routing.MaxFallbackAttempts)
	}
	if c.Routing.DefaultMaxRetries < 1 {
		return fmt.Errorf("config: ROUTING_DEFAULT_MAX_RETRIES must be ≥ 1, got %d", c.Routing.DefaultMaxRetries)
	}
	switch c.Routing.FallbackOrder {
	case "", "round_robin", "least_connections", "weighted", "random":
	default:
		return fmt.Errorf(
			"config: invalid ROUTING_FALLBACK_ORDER %q; must be one of: round_robin, least_connections, weighted, random",
			c.Routing.FallbackOrder,
		)
	}

	switch c.Credentials.Source {
	case CredentialSourceDatabase:
		if c.Credentials.EncryptionKey == "" {
			return errors.New("config: CREDENTIAL_ENCRYPTION_KEY is required when CREDENTIAL_SOURCE=database")
		}
	case CredentialSourceVault:
		if c.Credentials.Vault.Address == "" {
			return errors.New("config: VAULT_ADDR is required when CREDENTIAL_SOURCE=vault")
		}
	default:
		return fmt.Errorf(
			"config: invalid CREDENTIAL_SOURCE %q; must be one of: database, vault",
			c.Credentials.Source,
		)
	}

	switch c.Usage.Sink {
	case UsageSinkDatabase, UsageSinkLog, UsageSinkNone:
	case UsageSinkClickHouse:
		if c.Usage.ClickHouse.Addr == "" {
			return errors.New("config: CLICKHOUSE_ADDR is required when USAGE_SINK=clickhouse")
		}
	default:
		return fmt.Errorf(
			"config: invalid USAGE_SINK %q; must be one of: database, clickhouse, log, none",
			c.Usage.Sink,
		)
	}

	switch c.Idempotency.Mode {
	case CacheModeRedis, CacheModeMemory, CacheModeNone:
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Idempotency.Mode,
		)
	}
	if c.Idempotency.Mode == CacheModeRedis && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process store",
		)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}

	return nil
}

// NeedsRedis reports whether any enabled subsystem needs a Redis connection.
func (c *Config) NeedsRedis() bool {
	return c.Idempotency.Mode == CacheModeRedis || (c.RateLimit.RPMLimit > 0 && c.Redis.URL != "")
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
