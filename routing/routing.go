// Package routing implements the Routing Optimizer (C3): per-virtual-model
// upstream selection over the candidate providers the health store
// reports as admissible, using one of five load-balancing strategies
// chosen from the candidate pool's statistics.
package routing

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/corelane/aipipeline/core"
	"github.com/corelane/aipipeline/health"
)

// Target is one candidate upstream for a VirtualModel.
type Target struct {
	ProviderID string
	Weight     float64
	Priority   int
}

// VirtualModel is the logical routing target: an id plus an ordered,
// non-empty list of Targets.
type VirtualModel struct {
	ID      string
	Targets []Target
}

// Strategy names the load-balancing algorithm a decision was made with.
type Strategy string

const (
	StrategyHealthAware     Strategy = "health-aware"
	StrategyLeastLatency    Strategy = "least-latency"
	StrategyWeightedRandom  Strategy = "weighted-random"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyLeastConnection Strategy = "least-connections"
)

// Decision is the result of one routing call.
type Decision struct {
	ProviderID         string
	Strategy           Strategy
	Fallbacks          []string
	EstimatedLatency   time.Duration
	SuccessProbability float64
	Metadata           map[string]interface{}
}

// Options tunes the router's behavior.
type Options struct {
	// EnableLoadBalancing false forces round-robin unconditionally.
	EnableLoadBalancing bool
	Logger              core.Logger
	Rand                *rand.Rand
}

// DefaultOptions enables load balancing with a process-seeded RNG.
func DefaultOptions() Options {
	return Options{
		EnableLoadBalancing: true,
		Rand:                rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Router is the C3 Routing Optimizer.
type Router struct {
	opts   Options
	health *health.Store
	logger core.Logger

	rrMu sync.Mutex
	rr   map[string]*uint64
}

// New constructs a Router over the given health store.
func New(store *health.Store, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Router{opts: opts, health: store, logger: logger, rr: make(map[string]*uint64)}
}

// Decide picks one provider (+ ordered fallback list) for vm, per the
// candidate-intersection/strategy-selection/application algorithm.
func (r *Router) Decide(vm VirtualModel) (Decision, error) {
	if len(vm.Targets) == 0 {
		return Decision{}, fmt.Errorf("routing: virtual model %q has no targets: %w", vm.ID, core.ErrInvalidConfiguration)
	}

	candidates := r.candidates(vm)
	if len(candidates) == 0 {
		return Decision{}, core.ErrNoHealthyProvider
	}

	strategy := r.selectStrategy(candidates)
	chosen := r.apply(strategy, vm, candidates)

	fallbacks := r.fallbackOrder(candidates, chosen)

	snap := r.health.Snapshot(chosen)
	return Decision{
		ProviderID:         chosen,
		Strategy:           strategy,
		Fallbacks:          fallbacks,
		EstimatedLatency:   snap.EMALatency,
		SuccessProbability: 1 - snap.ErrorRate,
		Metadata: map[string]interface{}{
			"candidate_count": len(candidates),
		},
	}, nil
}

type candidate struct {
	providerID string
	snap       health.Snapshot
	weight     float64 // 1.0 healthy, 0.1 merely-non-open
}

// candidates intersects vm.Targets with providers whose health is
// healthy AND whose circuit is not Open.
func (r *Router) candidates(vm VirtualModel) []candidate {
	out := make([]candidate, 0, len(vm.Targets))
	for _, t := range vm.Targets {
		if !r.health.CanExecute(t.ProviderID) {
			continue
		}
		snap := r.health.Snapshot(t.ProviderID)
		weight := 0.1
		if snap.IsHealthy {
			weight = 1.0
		}
		if t.Weight > 0 {
			weight *= t.Weight
		}
		out = append(out, candidate{providerID: t.ProviderID, snap: snap, weight: weight})
	}
	return out
}

func (r *Router) selectStrategy(candidates []candidate) Strategy {
	if !r.opts.EnableLoadBalancing {
		return StrategyRoundRobin
	}

	var sumScore float64
	for _, c := range candidates {
		sumScore += c.snap.HealthScore
	}
	meanScore := sumScore / float64(len(candidates))
	if meanScore < 0.5 {
		return StrategyHealthAware
	}

	if latencyVariance(candidates) > float64(100*time.Millisecond) {
		return StrategyLeastLatency
	}

	return StrategyWeightedRandom
}

func latencyVariance(candidates []candidate) float64 {
	if len(candidates) < 2 {
		return 0
	}
	var sum float64
	for _, c := range candidates {
		sum += float64(c.snap.EMALatency)
	}
	mean := sum / float64(len(candidates))
	var variance float64
	for _, c := range candidates {
		d := float64(c.snap.EMALatency) - mean
		variance += d * d
	}
	return variance / float64(len(candidates))
}

func (r *Router) apply(strategy Strategy, vm VirtualModel, candidates []candidate) string {
	switch strategy {
	case StrategyRoundRobin:
		return r.roundRobin(candidates)
	case StrategyWeightedRandom:
		return r.weightedRandom(candidates)
	case StrategyLeastLatency:
		return argminLatency(candidates)
	case StrategyLeastConnection:
		return argminInFlight(candidates)
	case StrategyHealthAware:
		return argmaxHealthScore(candidates)
	}
	return argmaxHealthScore(candidates)
}

// canonicalKey builds a stable key over the sorted candidate id set, so
// the round-robin index is keyed per candidate-set rather than per
// virtual-model (a virtual model whose candidate set shrinks due to an
// outage gets its own rotation).
func canonicalKey(candidates []candidate) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.providerID
	}
	sort.Strings(ids)
	key := ""
	for _, id := range ids {
		key += id + "|"
	}
	return key
}

// roundRobin keys a rolling index by the canonical candidate-set id
// list; only this method mutates it, under rrMu, per the design's
// single-writer discipline for the index.
func (r *Router) roundRobin(candidates []candidate) string {
	key := canonicalKey(candidates)

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.providerID
	}
	sort.Strings(ids)

	r.rrMu.Lock()
	counter := r.rr[key]
	if counter == nil {
		var c uint64
		counter = &c
		r.rr[key] = counter
	}
	idx := *counter % uint64(len(ids))
	*counter++
	r.rrMu.Unlock()

	return ids[idx]
}

func (r *Router) weightedRandom(candidates []candidate) string {
	var total float64
	for _, c := range candidates {
		total += c.weight
	}
	u := r.opts.Rand.Float64() * total
	var cumulative float64
	for _, c := range candidates {
		cumulative += c.weight
		if cumulative >= u {
			return c.providerID
		}
	}
	return candidates[len(candidates)-1].providerID
}

func argminLatency(candidates []candidate) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.snap.EMALatency < best.snap.EMALatency ||
			(c.snap.EMALatency == best.snap.EMALatency && c.providerID < best.providerID) {
			best = c
		}
	}
	return best.providerID
}

func argminInFlight(candidates []candidate) string {
	best := candidates[0]
	bestLoad := best.snap.TotalRequests - uint64(countCompleted(best.snap))
	for _, c := range candidates[1:] {
		load := c.snap.TotalRequests - uint64(countCompleted(c.snap))
		if load < bestLoad || (load == bestLoad && c.providerID < best.providerID) {
			best = c
			bestLoad = load
		}
	}
	return best.providerID
}

func countCompleted(s health.Snapshot) int64 {
	return int64(s.TotalRequests) - s.InFlight
}

func argmaxHealthScore(candidates []candidate) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.snap.HealthScore > best.snap.HealthScore ||
			(c.snap.HealthScore == best.snap.HealthScore && c.providerID < best.providerID) {
			best = c
		}
	}
	return best.providerID
}

// fallbackOrder returns the remaining candidates in decreasing
// health-score order, tie-broken lexicographically.
func (r *Router) fallbackOrder(candidates []candidate, chosen string) []string {
	rest := make([]candidate, 0, len(candidates)-1)
	for _, c := range candidates {
		if c.providerID != chosen {
			rest = append(rest, c)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].snap.HealthScore != rest[j].snap.HealthScore {
			return rest[i].snap.HealthScore > rest[j].snap.HealthScore
		}
		return rest[i].providerID < rest[j].providerID
	})
	out := make([]string, len(rest))
	for i, c := range rest {
		out[i] = c.providerID
	}
	return out
}

