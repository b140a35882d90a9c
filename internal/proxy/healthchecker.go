package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/routing"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 10 * time.Second
)

// ProviderProber probes every catalog provider. routing.Engine satisfies it.
type ProviderProber interface {
	BulkHealthCheck(ctx context.Context) (map[string]routing.Health, error)
}

// Probe checks one backing component; nil means "not configured".
type Probe func(ctx context.Context) error

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	prober  ProviderProber
	cache   Probe
	db      Probe
	baseCtx context.Context
	metrics *metrics.Registry
	log     *slog.Logger

	mu        sync.RWMutex
	providers map[string]routing.Health

	cacheStatus componentStatus
	dbStatus    componentStatus

	startTime time.Time
	interval  time.Duration
	done      chan struct{}
	wg        sync.WaitGroup
}

// HealthCheckerOptions configures NewHealthChecker.
type HealthCheckerOptions struct {
	Cache    Probe
	Database Probe
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	// Interval between probe rounds; defaults to 30s.
	Interval time.Duration
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes.
func NewHealthChecker(ctx context.Context, prober ProviderProber, opts HealthCheckerOptions) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = healthProbeInterval
	}
	hc := &HealthChecker{
		prober:    prober,
		cache:     opts.Cache,
		db:        opts.Database,
		baseCtx:   ctx,
		metrics:   opts.Metrics,
		log:       log,
		providers: map[string]routing.Health{},
		startTime: time.Now(),
		interval:  interval,
		done:      make(chan struct{}),
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string                    `json:"status"`
	Version       string                    `json:"version,omitempty"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Providers     map[string]routing.Health `json:"providers"`
	Cache         string                    `json:"cache"`
	Database      string                    `json:"database"`
}

// Snapshot builds a snapshot from the latest probe results. The overall
// status is degraded when any provider is not healthy or the database is
// down.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	hc.mu.RLock()
	provs := make(map[string]routing.Health, len(hc.providers))
	for slug, h := range hc.providers {
		provs[slug] = h
		if h.Status != routing.HealthHealthy {
			overall = "degraded"
		}
	}
	hc.mu.RUnlock()

	db := hc.dbStatus.get()
	if db == "down" || hc.cacheStatus.get() == "degraded" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         hc.cacheStatus.get(),
		Database:      db,
	}
}

// ReadinessOK returns true when the catalog database is reachable (used by
// GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	if hc.prober != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := hc.prober.BulkHealthCheck(ctx)
			if err != nil {
				hc.log.Warn("provider_health_check_failed", slog.String("error", err.Error()))
				return
			}
			hc.mu.Lock()
			hc.providers = res
			hc.mu.Unlock()
			if hc.metrics != nil {
				for slug, h := range res {
					hc.metrics.SetProviderHealth(slug, h.Status)
				}
			}
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		hc.cacheStatus.set(check(ctx, hc.cache, "degraded"))
	}()
	go func() {
		defer wg.Done()
		hc.dbStatus.set(check(ctx, hc.db, "down"))
	}()

	wg.Wait()
}

func check(ctx context.Context, p Probe, failed string) string {
	if p == nil || p(ctx) == nil {
		return "ok"
	}
	return failed
}
