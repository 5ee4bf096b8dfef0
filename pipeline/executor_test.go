package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelane/aipipeline/health"
	"github.com/corelane/aipipeline/modules/moduletest"
	"github.com/corelane/aipipeline/tracker"
)

func newTestExecutor(t *testing.T) (*Executor, *tracker.Tracker, *health.Store) {
	t.Helper()
	tcfg := tracker.DefaultConfig()
	tcfg.SweepInterval = time.Hour
	tr := tracker.New(tcfg)
	t.Cleanup(tr.Destroy)

	hcfg := health.DefaultConfig()
	hcfg.ProbeInterval = time.Hour
	hs := health.New(hcfg, nil)
	t.Cleanup(hs.Destroy)

	exec := NewExecutor(DefaultConfig(), tr, hs, &moduletest.EchoSwitch{}, moduletest.PassthroughWorkflow{}, moduletest.IdentityCompatibility{})
	return exec, tr, hs
}

func TestExecuteHappyPathSevenSteps(t *testing.T) {
	exec, tr, _ := newTestExecutor(t)
	tr.StartSession("sess-1", "req-1")

	ectx := NewExecutionContext(context.Background(), "sess-1", "req-1", "exec-1", "trace-1", "vm-a", time.Now())
	ectx.ProviderID = "p1"

	provider := &moduletest.CannedProvider{ID: "p1", Response: "hi from provider"}

	result := exec.Execute(ectx, provider, "openai", "openai", "hi")

	require.True(t, result.Success)
	require.Len(t, result.Steps, 7)
	assert.Equal(t, "hi from provider", result.Response)

	for i := 1; i < len(result.Steps); i++ {
		assert.True(t, !result.Steps[i].StartTime.Before(result.Steps[i-1].StartTime))
	}
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	exec, tr, _ := newTestExecutor(t)
	tr.StartSession("sess-1", "req-1")

	ectx := NewExecutionContext(context.Background(), "sess-1", "req-1", "exec-1", "trace-1", "vm-a", time.Now())
	ectx.ProviderID = "p1"

	provider := &moduletest.CannedProvider{ID: "p1", FailFirstN: 99}

	result := exec.Execute(ectx, provider, "openai", "openai", "hi")

	require.False(t, result.Success)
	require.Error(t, result.Err)
	assert.Equal(t, StageErrorHandling, ectx.Stage())

	var failedSteps int
	for _, s := range result.Steps {
		if s.Err != nil {
			failedSteps++
		}
	}
	assert.Equal(t, 1, failedSteps, "only the provider_call step should fail")
}

func TestExecuteCancellationStopsBeforeNextStep(t *testing.T) {
	exec, tr, _ := newTestExecutor(t)
	tr.StartSession("sess-1", "req-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ectx := NewExecutionContext(ctx, "sess-1", "req-1", "exec-1", "trace-1", "vm-a", time.Now())
	ectx.ProviderID = "p1"
	provider := &moduletest.CannedProvider{ID: "p1", Response: "unreachable"}

	result := exec.Execute(ectx, provider, "openai", "openai", "hi")
	require.False(t, result.Success)
	assert.Equal(t, StageErrorHandling, ectx.Stage())
}

func TestExecutionContextRejectsTransitionAfterTerminal(t *testing.T) {
	ectx := NewExecutionContext(context.Background(), "s", "r", "e", "t", "vm", time.Now())
	require.NoError(t, ectx.Advance(StageCompleted, 0))
	assert.Error(t, ectx.Advance(StageErrorHandling, 0))
}
