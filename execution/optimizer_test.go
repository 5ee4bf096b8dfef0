package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelane/aipipeline/core"
	"github.com/corelane/aipipeline/health"
	"github.com/corelane/aipipeline/modules"
	"github.com/corelane/aipipeline/modules/moduletest"
	"github.com/corelane/aipipeline/pipeline"
	"github.com/corelane/aipipeline/routing"
	"github.com/corelane/aipipeline/tracker"
)

type testDeps struct {
	opt       *Optimizer
	providers map[string]*moduletest.CannedProvider
	mu        sync.Mutex
}

func (d *testDeps) resolver(id string) (modules.Provider, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.providers[id]
	return p, ok
}

func newTestOptimizer(t *testing.T, cfg Config, providers map[string]*moduletest.CannedProvider) *testDeps {
	t.Helper()

	tcfg := tracker.DefaultConfig()
	tcfg.SweepInterval = time.Hour
	tr := tracker.New(tcfg)
	t.Cleanup(tr.Destroy)

	hcfg := health.DefaultConfig()
	hcfg.ProbeInterval = time.Hour
	hs := health.New(hcfg, nil)
	t.Cleanup(hs.Destroy)

	router := routing.New(hs, routing.DefaultOptions())
	exec := pipeline.NewExecutor(pipeline.DefaultConfig(), tr, hs, &moduletest.EchoSwitch{}, moduletest.PassthroughWorkflow{}, moduletest.IdentityCompatibility{})

	deps := &testDeps{providers: providers}
	opt := New(cfg, tr, hs, router, exec, deps.resolver, &moduletest.EchoSwitch{}, moduletest.PassthroughWorkflow{}, moduletest.IdentityCompatibility{})
	t.Cleanup(opt.Destroy)
	deps.opt = opt
	return deps
}

func TestExecuteCachesSecondCallAsHit(t *testing.T) {
	cfg := DefaultConfig()
	deps := newTestOptimizer(t, cfg, map[string]*moduletest.CannedProvider{
		"p1": {ID: "p1", Response: "answer"},
	})
	vm := routing.VirtualModel{ID: "vm-a", Targets: []routing.Target{{ProviderID: "p1", Weight: 1}}}

	r1 := deps.opt.Execute(context.Background(), "hello", vm, "openai", "openai")
	require.True(t, r1.Success)
	assert.False(t, r1.CacheHit)

	r2 := deps.opt.Execute(context.Background(), "hello", vm, "openai", "openai")
	require.True(t, r2.Success)
	assert.True(t, r2.CacheHit)
	assert.Equal(t, r1.Response, r2.Response)
}

func TestExecuteRetriesOnTransientFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	deps := newTestOptimizer(t, cfg, map[string]*moduletest.CannedProvider{
		"p1": {ID: "p1", Response: "answer", FailFirstN: 1,
			Err: &core.PipelineError{Kind: core.KindStepError, Retryable: true, Cause: errors.New("503")}},
	})
	vm := routing.VirtualModel{ID: "vm-a", Targets: []routing.Target{{ProviderID: "p1", Weight: 1}}}

	result := deps.opt.Execute(context.Background(), "hello", vm, "openai", "openai")
	require.True(t, result.Success)
	assert.Equal(t, "answer", result.Response)
}

func TestExecuteBackpressureRejectsWhenSaturated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 1
	cfg.AdmissionWait = 20 * time.Millisecond
	deps := newTestOptimizer(t, cfg, map[string]*moduletest.CannedProvider{
		"p1": {ID: "p1", Response: "answer"},
	})

	release, err := deps.opt.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	vm := routing.VirtualModel{ID: "vm-a", Targets: []routing.Target{{ProviderID: "p1", Weight: 1}}}
	result := deps.opt.Execute(context.Background(), "hello", vm, "openai", "openai")
	require.False(t, result.Success)
	require.Error(t, result.Err)
}

func TestExecuteStreamingReleasesAdmissionOnCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 1
	deps := newTestOptimizer(t, cfg, map[string]*moduletest.CannedProvider{
		"p1": {ID: "p1", Response: "chunk"},
	})
	vm := routing.VirtualModel{ID: "vm-a", Targets: []routing.Target{{ProviderID: "p1", Weight: 1}}}

	ch, err := deps.opt.ExecuteStreaming(context.Background(), "hello", vm, "openai", "openai")
	require.NoError(t, err)
	for range ch {
	}

	// admission slot must have been released; a second call should not
	// block on backpressure.
	ch2, err := deps.opt.ExecuteStreaming(context.Background(), "hello", vm, "openai", "openai")
	require.NoError(t, err)
	for range ch2 {
	}
}
