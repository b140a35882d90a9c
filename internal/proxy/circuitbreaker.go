package proxy

import (
	"sync"
	"time"
)

// cbState is the state of one provider's breaker.
type cbState int

const (
	cbClosed   cbState = 0 // attempts pass through
	cbOpen     cbState = 1 // attempts are rejected until the half-open timer fires
	cbHalfOpen cbState = 2 // a single probe attempt is in flight
)

func (s cbState) String() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Circuit breaker defaults.
const (
	DefaultCBErrorThreshold  = 5
	DefaultCBTimeWindow      = 60 * time.Second
	DefaultCBHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning. Zero fields use the defaults.
type CBConfig struct {
	// ErrorThreshold failures inside TimeWindow open the breaker.
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

func (c CBConfig) withDefaults() CBConfig {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultCBErrorThreshold
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = DefaultCBTimeWindow
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = DefaultCBHalfOpenTimeout
	}
	return c
}

// breaker is the state machine for a single provider.
type breaker struct {
	mu       sync.Mutex
	state    cbState
	failures int
	window   time.Time
	openedAt time.Time
	probing  bool
}

func (b *breaker) allow(now time.Time, cfg CBConfig) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case cbOpen:
		if now.Sub(b.openedAt) < cfg.HalfOpenTimeout {
			return false
		}
		b.state = cbHalfOpen
	case cbHalfOpen:
		if b.probing {
			return false
		}
	default:
		return true
	}
	b.probing = true
	return true
}

func (b *breaker) success(now time.Time) {
	b.mu.Lock()
	b.state, b.failures, b.probing, b.window = cbClosed, 0, false, now
	b.mu.Unlock()
}

func (b *breaker) failure(now time.Time, cfg CBConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.window) > cfg.TimeWindow {
		b.failures, b.window = 0, now
	}
	b.failures++
	b.probing = false

	// A failed probe reopens immediately.
	if b.state == cbHalfOpen || b.failures >= cfg.ErrorThreshold {
		b.state, b.openedAt = cbOpen, now
	}
}

func (b *breaker) current() cbState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CircuitBreaker keeps one breaker per catalog provider id, created on first
// use. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg      CBConfig
	breakers sync.Map // provider id -> *breaker
	now      func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Allow reports whether the provider may take the next attempt. An open
// breaker whose half-open timer has elapsed lets exactly one probe through.
func (cb *CircuitBreaker) Allow(provider string) bool {
	return cb.get(provider).allow(cb.now(), cb.cfg)
}

// RecordSuccess closes the provider's breaker.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.get(provider).success(cb.now())
}

// RecordFailure counts a failure against the provider's rolling window.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	cb.get(provider).failure(cb.now(), cb.cfg)
}

// State returns the provider's breaker state.
func (cb *CircuitBreaker) State(provider string) cbState {
	return cb.get(provider).current()
}

// StateLabel returns "closed", "open" or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	return cb.State(provider).String()
}

func (cb *CircuitBreaker) get(provider string) *breaker {
	if b, ok := cb.breakers.Load(provider); ok {
		return b.(*breaker)
	}
	b, _ := cb.breakers.LoadOrStore(provider, &breaker{window: cb.now()})
	return b.(*breaker)
}
