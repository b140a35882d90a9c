package routing

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Strategies a policy can name.
const (
	StrategyDeterministic = "deterministic"
	StrategyWeighted      = "weighted"
	StrategyPerformance   = "performance"
	StrategyCost          = "cost"
	StrategyHybrid        = "hybrid"
)

const (
	hybridLatencyWeight = 0.6
	hybridCostWeight    = 0.4
)

// lockedRand is a *rand.Rand safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed uint64) *lockedRand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// choose returns the index of the target picked by strategy among healthy
// targets, or -1 when there are none. Unknown strategies behave as
// deterministic.
func choose(strategy string, targets []Target, rng *lockedRand) int {
	if len(targets) == 0 {
		return -1
	}
	switch strategy {
	case StrategyWeighted:
		return weighted(targets, rng)
	case StrategyPerformance:
		return argmin(targets, func(t Target) float64 { return orInf(t.LatencyMs) })
	case StrategyCost:
		return argmin(targets, func(t Target) float64 { return orInf(t.CostScore) })
	case StrategyHybrid:
		return hybrid(targets)
	default:
		return 0
	}
}

func weight(t Target) int {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

// weighted draws from the cumulative weight distribution.
func weighted(targets []Target, rng *lockedRand) int {
	total := 0
	for _, t := range targets {
		total += weight(t)
	}
	r := rng.IntN(total)
	for i, t := range targets {
		r -= weight(t)
		if r < 0 {
			return i
		}
	}
	return len(targets) - 1
}

// argmin returns the first index with the lowest score.
func argmin(targets []Target, score func(Target) float64) int {
	best, bestScore := 0, math.Inf(1)
	for i, t := range targets {
		if s := score(t); s < bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

// hybrid scores 0.6*latency + 0.4*cost, each divided by the largest known
// value among the targets. An unknown value scores 1, the worst normalized
// value.
func hybrid(targets []Target) int {
	maxLat, maxCost := maxOf(targets, func(t Target) *float64 { return t.LatencyMs }),
		maxOf(targets, func(t Target) *float64 { return t.CostScore })
	return argmin(targets, func(t Target) float64 {
		return hybridLatencyWeight*normalize(t.LatencyMs, maxLat) +
			hybridCostWeight*normalize(t.CostScore, maxCost)
	})
}

func maxOf(targets []Target, field func(Target) *float64) float64 {
	m := 0.0
	for _, t := range targets {
		if v := field(t); v != nil && *v > m {
			m = *v
		}
	}
	return m
}

func normalize(v *float64, max float64) float64 {
	if v == nil {
		return 1
	}
	if max <= 0 {
		return 0
	}
	return *v / max
}

func orInf(v *float64) float64 {
	if v == nil {
		return math.Inf(1)
	}
	return *v
}
