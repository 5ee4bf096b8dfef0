package routing

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelane/aipipeline/core"
	"github.com/corelane/aipipeline/health"
)

func newTestRouter(t *testing.T) (*Router, *health.Store) {
	t.Helper()
	hcfg := health.DefaultConfig()
	hcfg.ProbeInterval = time.Hour
	store := health.New(hcfg, nil)
	t.Cleanup(store.Destroy)

	opts := DefaultOptions()
	opts.Rand = rand.New(rand.NewSource(42))
	return New(store, opts), store
}

func TestDecideRejectsEmptyTargets(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.Decide(VirtualModel{ID: "vm-a"})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestDecideNoHealthyProvider(t *testing.T) {
	r, store := newTestRouter(t)
	for i := 0; i < 5; i++ {
		store.RecordRequestResult("p1", false, time.Millisecond)
	}
	_, err := r.Decide(VirtualModel{ID: "vm-a", Targets: []Target{{ProviderID: "p1"}}})
	assert.ErrorIs(t, err, core.ErrNoHealthyProvider)
}

func TestDecideHappyPathSingleTarget(t *testing.T) {
	r, _ := newTestRouter(t)
	decision, err := r.Decide(VirtualModel{ID: "vm-a", Targets: []Target{{ProviderID: "p1"}}})
	require.NoError(t, err)
	assert.Equal(t, "p1", decision.ProviderID)
	assert.Empty(t, decision.Fallbacks)
}

func TestFallbackOrderByHealthScore(t *testing.T) {
	r, store := newTestRouter(t)
	store.RecordRequestResult("p2", false, time.Millisecond)
	store.RecordRequestResult("p2", false, time.Millisecond)

	decision, err := r.Decide(VirtualModel{ID: "vm-a", Targets: []Target{{ProviderID: "p1"}, {ProviderID: "p2"}}})
	require.NoError(t, err)

	if decision.ProviderID == "p1" {
		require.Equal(t, []string{"p2"}, decision.Fallbacks)
	} else {
		require.Equal(t, []string{"p1"}, decision.Fallbacks)
	}
}

func TestRoundRobinFairnessOverManyCalls(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableLoadBalancing = false
	hcfg := health.DefaultConfig()
	hcfg.ProbeInterval = time.Hour
	store := health.New(hcfg, nil)
	defer store.Destroy()
	r := New(store, opts)

	vm := VirtualModel{ID: "vm-rr", Targets: []Target{{ProviderID: "p1"}, {ProviderID: "p2"}, {ProviderID: "p3"}}}

	counts := map[string]int{}
	const n = 999
	for i := 0; i < n; i++ {
		d, err := r.Decide(vm)
		require.NoError(t, err)
		counts[d.ProviderID]++
	}

	for _, c := range counts {
		assert.Equal(t, n/3, c)
	}
}

func TestRoundRobinForcedWhenLoadBalancingDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableLoadBalancing = false
	hcfg := health.DefaultConfig()
	hcfg.ProbeInterval = time.Hour
	store := health.New(hcfg, nil)
	defer store.Destroy()
	r := New(store, opts)

	vm := VirtualModel{ID: "vm-a", Targets: []Target{{ProviderID: "p1"}, {ProviderID: "p2"}}}
	decision, err := r.Decide(vm)
	require.NoError(t, err)
	assert.Equal(t, StrategyRoundRobin, decision.Strategy)
}
