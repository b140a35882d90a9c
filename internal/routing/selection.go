package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ttlcache"
)

// Health states of a provider in a region.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

const (
	// DefaultHealthTTL is how long a provider health entry is trusted.
	DefaultHealthTTL = 60 * time.Second

	DefaultMaxFallbackAttempts = 3

	minDegradedSuccessRate = 0.8
	outcomeWindow          = 20
	minOutcomes            = 5
	unhealthySuccessRate   = 0.5
)

// ErrNoProvider is returned when neither a decision's target nor any of its
// fallbacks can be used.
var ErrNoProvider = errors.New("routing: no available provider")

// Health is the cached health of one provider in one region.
type Health struct {
	Status      string    `json:"status"`
	LatencyMs   float64   `json:"latency_ms"`
	SuccessRate float64   `json:"success_rate"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Available applies the availability rule: unhealthy never qualifies,
// degraded qualifies only with a success rate of at least 0.8.
func (h Health) Available() bool {
	switch h.Status {
	case HealthUnhealthy:
		return false
	case HealthDegraded:
		return h.SuccessRate >= minDegradedSuccessRate
	default:
		return true
	}
}

// CredentialResolver yields the credential a tenant uses for a provider.
type CredentialResolver interface {
	Resolve(ctx context.Context, p *catalog.Provider, orgID, teamID, envID string) (providers.Credential, error)
}

// Selection is a usable provider for one attempt.
type Selection struct {
	Decision   *Decision
	Provider   *catalog.Provider
	Credential providers.Credential
	Health     Health
	Timeout    time.Duration
	MaxRetries int
}

// Target builds the adapter target of s.
func (s *Selection) Target() providers.Target {
	return providers.Target{
		ProviderModel: s.Decision.ProviderModel(),
		Credential:    s.Credential,
		Timeout:       s.Timeout,
	}
}

// SelectorConfig tunes a Selector. Zero values take defaults.
type SelectorConfig struct {
	HealthTTL           time.Duration
	MaxFallbackAttempts int
	DisableFallback     bool
	DefaultTimeout      time.Duration
	DefaultMaxRetries   int
	// FallbackOrder reorders fallback options with one of the Pick methods;
	// empty keeps catalog order.
	FallbackOrder string
}

// outcomes is a ring of recent call results for one provider and region.
type outcomes struct {
	ok      [outcomeWindow]bool
	latency [outcomeWindow]float64
	n, next int
}

func (o *outcomes) add(ok bool, latencyMs float64) {
	o.ok[o.next] = ok
	o.latency[o.next] = latencyMs
	o.next = (o.next + 1) % outcomeWindow
	if o.n < outcomeWindow {
		o.n++
	}
}

func (o *outcomes) rates() (success, latency float64) {
	if o.n == 0 {
		return 1, 0
	}
	okCount, sum := 0, 0.0
	for i := 0; i < o.n; i++ {
		if o.ok[i] {
			okCount++
		}
		sum += o.latency[i]
	}
	return float64(okCount) / float64(o.n), sum / float64(o.n)
}

// Selector turns routing decisions into usable providers: it checks
// provider health, resolves credentials and walks fallbacks.
type Selector struct {
	creds  CredentialResolver
	cfg    SelectorConfig
	health *ttlcache.Table[Health]
	logger *slog.Logger

	mu      sync.Mutex
	history map[string]*outcomes

	conns sync.Map // provider id -> *atomic.Int64
	rr    atomic.Uint64
	rng   *lockedRand
}

func NewSelector(creds CredentialResolver, cfg SelectorConfig, logger *slog.Logger) *Selector {
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = DefaultHealthTTL
	}
	if cfg.MaxFallbackAttempts <= 0 {
		cfg.MaxFallbackAttempts = DefaultMaxFallbackAttempts
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = providers.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		creds:   creds,
		cfg:     cfg,
		health:  ttlcache.New[Health](cfg.HealthTTL),
		logger:  logger,
		history: make(map[string]*outcomes),
		rng:     newLockedRand(uint64(time.Now().UnixNano())),
	}
}

func healthKey(providerID, region string) string {
	if region == "" {
		region = "default"
	}
	return providerID + ":" + region
}

// ProviderHealth returns the cached health of p in region, deriving it from
// the catalog status and recent outcomes on a miss.
func (s *Selector) ProviderHealth(p *catalog.Provider, region string) Health {
	key := healthKey(p.ID, region)
	if h, ok := s.health.Get(key); ok {
		return h
	}
	h := s.derive(p, key)
	s.health.Set(key, h)
	return h
}

func (s *Selector) derive(p *catalog.Provider, key string) Health {
	s.mu.Lock()
	success, latency := 1.0, 0.0
	n := 0
	if o := s.history[key]; o != nil {
		success, latency = o.rates()
		n = o.n
	}
	s.mu.Unlock()

	h := Health{Status: HealthHealthy, LatencyMs: latency, SuccessRate: success, CheckedAt: time.Now()}
	switch {
	case p.Status == catalog.StatusDisabled:
		h.Status = HealthUnhealthy
	case n >= minOutcomes && success < unhealthySuccessRate:
		h.Status = HealthUnhealthy
	case p.Status == catalog.StatusDegraded, n >= minOutcomes && success < minDegradedSuccessRate:
		h.Status = HealthDegraded
	}
	return h
}

// SetHealth overrides the cached health of a provider, as probes do.
func (s *Selector) SetHealth(providerID, region string, h Health) {
	if h.CheckedAt.IsZero() {
		h.CheckedAt = time.Now()
	}
	s.health.Set(healthKey(providerID, region), h)
}

// Observe records the outcome of a provider call. The next health lookup
// for that provider and region is derived afresh.
func (s *Selector) Observe(providerID, region string, latency time.Duration, err error) {
	key := healthKey(providerID, region)
	s.mu.Lock()
	o := s.history[key]
	if o == nil {
		o = &outcomes{}
		s.history[key] = o
	}
	o.add(err == nil, float64(latency.Milliseconds()))
	s.mu.Unlock()
	s.health.Delete(key)
}

// ClearHealth empties the health cache.
func (s *Selector) ClearHealth() { s.health.Clear() }

// HealthEntries returns every cached health entry keyed by provider:region.
func (s *Selector) HealthEntries() map[string]Health {
	st := s.health.Stats()
	out := make(map[string]Health, st.Size)
	for _, k := range st.Keys {
		if h, ok := s.health.Get(k); ok {
			out[k] = h
		}
	}
	return out
}

// SelectProvider returns the first usable entry of d's chain. The primary is
// tried first, then at most MaxFallbackAttempts fallbacks.
func (s *Selector) SelectProvider(ctx context.Context, rc *Context, d *Decision) (*Selection, error) {
	return s.Cascade(rc, d).Next(ctx)
}

// Cascade walks a decision's chain one usable provider at a time.
type Cascade struct {
	s     *Selector
	rc    *Context
	chain []*Decision
	pos   int
}

// Cascade prepares the ordered candidate chain of d.
func (s *Selector) Cascade(rc *Context, d *Decision) *Cascade {
	chain := []*Decision{d}
	if !s.cfg.DisableFallback {
		fallbacks := d.Fallbacks
		if s.cfg.FallbackOrder != "" {
			fallbacks = s.Order(s.cfg.FallbackOrder, fallbacks)
		}
		if len(fallbacks) > s.cfg.MaxFallbackAttempts {
			fallbacks = fallbacks[:s.cfg.MaxFallbackAttempts]
		}
		chain = append(chain, fallbacks...)
	}
	return &Cascade{s: s, rc: rc, chain: chain}
}

// Remaining reports how many candidates have not been tried yet.
func (c *Cascade) Remaining() int { return len(c.chain) - c.pos }

// Next returns the next usable candidate, skipping unavailable providers
// and providers the tenant has no credential for. It returns ErrNoProvider
// once the chain is exhausted.
func (c *Cascade) Next(ctx context.Context) (*Selection, error) {
	for c.pos < len(c.chain) {
		d := c.chain[c.pos]
		c.pos++
		sel, reason, err := c.s.qualify(ctx, c.rc, d)
		if err != nil {
			return nil, err
		}
		if sel != nil {
			c.s.logger.DebugContext(ctx, "provider_selected",
				slog.String("provider", sel.Provider.Slug),
				slog.String("provider_model", d.Target.ProviderModelID),
				slog.Bool("fallback", c.pos > 1),
			)
			return sel, nil
		}
		c.s.logger.WarnContext(ctx, "provider_skipped",
			slog.String("provider", d.Target.ProviderModel.Provider.Slug),
			slog.String("provider_model", d.Target.ProviderModelID),
			slog.String("reason", reason),
		)
	}
	return nil, ErrNoProvider
}

func (s *Selector) qualify(ctx context.Context, rc *Context, d *Decision) (*Selection, string, error) {
	p := &d.Target.ProviderModel.Provider
	h := s.ProviderHealth(p, rc.Region)
	if !h.Available() {
		return nil, "provider " + h.Status, nil
	}
	cred, err := s.creds.Resolve(ctx, p, rc.OrganizationID, rc.TeamID, rc.EnvironmentID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, fmt.Sprintf("no credential: %v", err), nil
	}
	if cred.Region == "" {
		cred.Region = rc.Region
	}

	timeout := s.cfg.DefaultTimeout
	if d.Target.TimeoutMs > 0 {
		timeout = time.Duration(d.Target.TimeoutMs) * time.Millisecond
	}
	retries := s.cfg.DefaultMaxRetries
	if d.Target.MaxRetries > 0 {
		retries = d.Target.MaxRetries
	}
	return &Selection{
		Decision:   d,
		Provider:   p,
		Credential: cred,
		Health:     h,
		Timeout:    timeout,
		MaxRetries: retries,
	}, "", nil
}

// ── Connection tracking and auxiliary pickers ───────────────────────────────

func (s *Selector) counter(providerID string) *atomic.Int64 {
	v, _ := s.conns.LoadOrStore(providerID, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Acquire marks one in-flight call to a provider.
func (s *Selector) Acquire(providerID string) { s.counter(providerID).Add(1) }

// Release undoes Acquire.
func (s *Selector) Release(providerID string) { s.counter(providerID).Add(-1) }

// Connections returns the in-flight call count of a provider.
func (s *Selector) Connections(providerID string) int64 { return s.counter(providerID).Load() }

// Pick methods.
const (
	PickRoundRobin       = "round_robin"
	PickLeastConnections = "least_connections"
	PickWeighted         = "weighted"
	PickRandom           = "random"
)

// Pick chooses one decision with an auxiliary method. It returns nil for an
// empty list.
func (s *Selector) Pick(method string, ds []*Decision) *Decision {
	if len(ds) == 0 {
		return nil
	}
	switch method {
	case PickRoundRobin:
		return ds[int(s.rr.Add(1)-1)%len(ds)]
	case PickLeastConnections:
		best := ds[0]
		for _, d := range ds[1:] {
			if s.Connections(d.Target.ProviderModel.ProviderID) < s.Connections(best.Target.ProviderModel.ProviderID) {
				best = d
			}
		}
		return best
	case PickWeighted:
		ts := make([]Target, len(ds))
		for i, d := range ds {
			ts[i] = d.Target
		}
		return ds[weighted(ts, s.rng)]
	case PickRandom:
		return ds[s.rng.IntN(len(ds))]
	default:
		return ds[0]
	}
}

// Order returns ds rearranged by repeatedly picking with method.
func (s *Selector) Order(method string, ds []*Decision) []*Decision {
	rest := append([]*Decision(nil), ds...)
	out := make([]*Decision, 0, len(ds))
	for len(rest) > 0 {
		d := s.Pick(method, rest)
		out = append(out, d)
		for i := range rest {
			if rest[i] == d {
				rest = append(rest[:i], rest[i+1:]...)
				break
			}
		}
	}
	return out
}
