package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nulpointcorp/llm-router/internal/alias"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/credentials"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/pricing"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-router/internal/providers/cohere"
	"github.com/nulpointcorp/llm-router/internal/providers/googleai"
	"github.com/nulpointcorp/llm-router/internal/providers/openai"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/scope"
	"github.com/nulpointcorp/llm-router/internal/usagelog"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis or the RPM limiter is on.
func (a *App) initInfra(ctx context.Context) error {
	if !a.cfg.NeedsRedis() {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initCatalog opens and migrates the catalog database and applies the seed
// file when one is configured.
func (a *App) initCatalog(ctx context.Context) error {
	db, err := catalog.Open(a.cfg.Catalog.DatabaseURL)
	if err != nil {
		return err
	}
	a.db = db

	if err := catalog.Migrate(db); err != nil {
		return err
	}
	a.catalog = catalog.NewGormStore(db)

	if a.cfg.Credentials.EncryptionKey != "" {
		sealer, err := credentials.NewAESGCM(a.cfg.Credentials.EncryptionKey)
		if err != nil {
			return err
		}
		a.sealer = sealer
	}

	if a.cfg.Catalog.SeedFile == "" {
		return nil
	}

	f, err := os.Open(a.cfg.Catalog.SeedFile)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	var sealer catalog.Sealer
	if a.sealer != nil {
		sealer = a.sealer
	}
	stats, err := catalog.Seed(ctx, db, f, sealer)
	if err != nil {
		return err
	}
	a.log.Info("catalog seeded",
		slog.String("file", a.cfg.Catalog.SeedFile),
		slog.Int("rows", stats.Rows),
	)

	return nil
}

// initCredentials builds the credential manager over the configured source.
func (a *App) initCredentials(_ context.Context) error {
	var store credentials.Store

	switch a.cfg.Credentials.Source {
	case config.CredentialSourceDatabase:
		if a.sealer == nil {
			return fmt.Errorf("database credential source needs an encryption key")
		}
		store = credentials.NewDBStore(a.catalog, a.sealer)

	case config.CredentialSourceVault:
		vs, err := credentials.NewVaultStore(credentials.VaultConfig{
			Address: a.cfg.Credentials.Vault.Address,
			Token:   a.cfg.Credentials.Vault.Token,
			Mount:   a.cfg.Credentials.Vault.Mount,
			Prefix:  a.cfg.Credentials.Vault.PathPrefix,
		})
		if err != nil {
			return err
		}
		store = vs

	default:
		return fmt.Errorf("unknown credential source: %s", a.cfg.Credentials.Source)
	}

	a.creds = credentials.NewManager(store, a.cfg.Catalog.APIKeyCacheTTL, a.log)
	a.log.Info("credential source ready", slog.String("source", a.cfg.Credentials.Source))

	return nil
}

// initProviders registers one adapter per provider kind behind a shared
// HTTP executor.
func (a *App) initProviders(_ context.Context) error {
	registry := providers.NewRegistry(
		openai.New(a.log),
		anthropic.New(a.log),
		googleai.New(a.log),
		cohere.New(a.log),
	)
	a.client = providers.NewClient(registry, providers.NewExecutor(nil))
	a.client.SetTimeouts(a.cfg.Provider.Timeout, a.cfg.Provider.ImageTimeout)

	a.log.Info("adapters loaded", slog.Any("kinds", registry.Kinds()))

	return nil
}

// initRouting builds the resolvers, the policy engine and the selector.
func (a *App) initRouting(_ context.Context) error {
	a.keys = scope.NewResolver(a.catalog, a.cfg.Catalog.APIKeyCacheTTL, a.log)
	a.models = alias.NewResolver(a.catalog, a.cfg.Catalog.ModelCacheTTL, a.log)

	selector := routing.NewSelector(a.creds, routing.SelectorConfig{
		HealthTTL:           a.cfg.Catalog.HealthCacheTTL,
		MaxFallbackAttempts: a.cfg.Routing.MaxFallbackAttempts,
		DisableFallback:     !a.cfg.Routing.EnableFallback,
		DefaultTimeout:      a.cfg.Routing.DefaultTimeout,
		DefaultMaxRetries:   a.cfg.Routing.DefaultMaxRetries,
		FallbackOrder:       a.cfg.Routing.FallbackOrder,
	}, a.log)
	policies := routing.NewPolicyEngine(a.catalog, a.log)

	a.engine = routing.NewEngine(a.catalog, policies, selector, a.client, a.log)
	a.pricing = pricing.NewAccountant(a.catalog, a.log)

	return nil
}

// initServices creates the metrics registry, the usage log, the replay
// store and the rate limiter.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if err := a.initUsageLog(ctx); err != nil {
		return fmt.Errorf("usage log: %w", err)
	}
	if err := a.initReplay(ctx); err != nil {
		return fmt.Errorf("idempotency: %w", err)
	}

	switch {
	case a.cfg.RateLimit.RPMLimit <= 0:
	case a.rdb == nil:
		a.log.Warn("rate limiting disabled: RPM_LIMIT needs REDIS_URL",
			slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	default:
		a.rpmLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit, a.log)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	return nil
}

func (a *App) initUsageLog(ctx context.Context) error {
	var sink usagelog.Sink

	switch a.cfg.Usage.Sink {
	case config.UsageSinkDatabase:
		sink = usagelog.NewGormSink(a.db)
	case config.UsageSinkClickHouse:
		ch, err := usagelog.NewClickHouseSink(ctx, usagelog.ClickHouseConfig{
			Addr:     a.cfg.Usage.ClickHouse.Addr,
			Database: a.cfg.Usage.ClickHouse.Database,
			Username: a.cfg.Usage.ClickHouse.Username,
			Password: a.cfg.Usage.ClickHouse.Password,
		})
		if err != nil {
			return err
		}
		sink = ch
	case config.UsageSinkLog:
		sink = usagelog.NewLogSink(a.log)
	case config.UsageSinkNone:
		a.log.Info("usage log: disabled")
		return nil
	default:
		return fmt.Errorf("unknown usage sink: %s", a.cfg.Usage.Sink)
	}

	w, err := usagelog.New(a.baseCtx, sink, usagelog.Options{}, a.log)
	if err != nil {
		_ = sink.Close()
		return err
	}
	a.usage = w
	a.prom.TrackUsageLog(w)
	a.log.Info("usage log ready", slog.String("sink", a.cfg.Usage.Sink))

	return nil
}

func (a *App) initReplay(_ context.Context) error {
	var store cache.Cache

	switch a.cfg.Idempotency.Mode {
	case config.CacheModeRedis:
		rc := cache.NewRedisCacheFromClient(a.rdb)
		a.cacheProbe = rc.Ping
		store = rc
		a.log.Info("replay store: redis")

	case config.CacheModeMemory:
		// Not shared across replicas.
		a.memCache = cache.NewMemoryCache(a.baseCtx)
		store = a.memCache
		a.log.Info("replay store: memory (in-process)")

	case config.CacheModeNone:
		a.log.Info("replay store: disabled")
		return nil

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Idempotency.Mode)
	}

	a.replay = cache.NewIdempotency(store, a.cfg.Idempotency.TTL)

	if len(a.cfg.Idempotency.NoReplayExact) > 0 || len(a.cfg.Idempotency.NoReplayPatterns) > 0 {
		f, err := cache.NewModelFilter(a.cfg.Idempotency.NoReplayExact, a.cfg.Idempotency.NoReplayPatterns)
		if err != nil {
			return fmt.Errorf("no-replay filter: %w", err)
		}
		a.noReplay = f
		a.log.Info("no-replay filter loaded", slog.Int("rules", f.Len()))
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return fmt.Errorf("catalog handle: %w", err)
	}

	a.health = proxy.NewHealthChecker(a.baseCtx, a.engine, proxy.HealthCheckerOptions{
		Cache:    a.cacheProbe,
		Database: sqlDB.PingContext,
		Metrics:  a.prom,
		Logger:   a.log,
	})

	gw := proxy.NewGateway(a.baseCtx, proxy.Core{
		Keys:      a.keys,
		Models:    a.models,
		Router:    a.engine,
		Providers: a.client,
		Pricing:   a.pricing,
		Catalog:   a.catalog,
	}, proxy.GatewayOptions{
		Logger:      a.log,
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	})

	// ── Optional subsystems ──────────────────────────────────────────────────
	if a.rpmLimiter != nil {
		gw.SetRateLimiter(a.rpmLimiter)
	}
	if a.usage != nil {
		gw.SetUsageLog(a.usage)
	}
	if a.replay != nil {
		gw.SetIdempotency(a.replay, a.noReplay)
	}
	gw.SetHealthChecker(a.health)

	a.gw = gw

	return nil
}
