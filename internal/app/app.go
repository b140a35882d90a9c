// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra        external connections (Redis when needed)
//  2. initCatalog      catalog database, migrations, optional seed
//  3. initCredentials  provider credential store (database or Vault)
//  4. initProviders    adapter registry and HTTP executor
//  5. initRouting      resolvers, policy engine, selector, pricing
//  6. initServices     metrics, usage log, replay store, rate limiter
//  7. initGateway      health checker and the HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/nulpointcorp/llm-router/internal/alias"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/credentials"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/pricing"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/scope"
	"github.com/nulpointcorp/llm-router/internal/usagelog"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections; nil when not configured.
	rdb *redis.Client

	db      *gorm.DB
	catalog *catalog.GormStore

	sealer *credentials.AESGCM
	creds  *credentials.Manager

	client  *providers.Client
	keys    *scope.Resolver
	models  *alias.Resolver
	engine  *routing.Engine
	pricing *pricing.Accountant

	prom        *metrics.Registry
	usage       *usagelog.Writer
	memCache    *cache.MemoryCache
	replay      *cache.Idempotency
	noReplay    *cache.ModelFilter
	rpmLimiter  *ratelimit.RPMLimiter
	health      *proxy.HealthChecker
	cacheProbe  proxy.Probe
	gw          *proxy.Gateway
	closeOnce   sync.Once
	startupTime time.Time
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log, startupTime: time.Now()}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"catalog", a.initCatalog},
		{"credentials", a.initCredentials},
		{"providers", a.initProviders},
		{"routing", a.initRouting},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	a.log.Info("app initialised", slog.Duration("took", time.Since(a.startupTime)))
	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting router",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Idempotency.Mode),
		slog.String("credential_source", a.cfg.Credentials.Source),
		slog.String("usage_sink", a.cfg.Usage.Sink),
		slog.Any("adapters", a.client.Registry().Kinds()),
	)

	srv := a.gw.Server()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Gateway exposes the HTTP surface, mainly for tests.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.health != nil {
		a.health.Close()
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.log.Error("usage log close error", slog.String("error", err.Error()))
		}
	}
	if a.memCache != nil {
		_ = a.memCache.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.log.Error("catalog close error", slog.String("error", err.Error()))
			}
		}
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Callers decide whether an error is fatal.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
