package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelane/aipipeline/modules/moduletest"
)

func drain(t *testing.T, ch <-chan StepMarker) []StepMarker {
	t.Helper()
	var out []StepMarker
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestExecuteStreamingHappyPath(t *testing.T) {
	exec, tr, _ := newTestExecutor(t)
	tr.StartSession("sess-1", "req-1")

	ectx := NewExecutionContext(context.Background(), "sess-1", "req-1", "exec-1", "trace-1", "vm-a", time.Now())
	ectx.ProviderID = "p1"
	provider := &moduletest.CannedProvider{ID: "p1", Response: "chunk"}

	markers := drain(t, exec.ExecuteStreaming(ectx, provider, "openai", "openai", "hi"))

	require.NotEmpty(t, markers)
	assert.Equal(t, StageCompleted, ectx.Stage())

	var sawProviderOutput bool
	for _, m := range markers {
		if m.Step == StepProviderCall && m.Kind == "output" {
			sawProviderOutput = true
		}
		assert.NotEqual(t, "error", m.Kind)
	}
	assert.True(t, sawProviderOutput)
}

func TestExecuteStreamingCancelledBeforeStart(t *testing.T) {
	exec, tr, _ := newTestExecutor(t)
	tr.StartSession("sess-1", "req-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ectx := NewExecutionContext(ctx, "sess-1", "req-1", "exec-1", "trace-1", "vm-a", time.Now())
	ectx.ProviderID = "p1"
	provider := &moduletest.CannedProvider{ID: "p1", Response: "unreachable"}

	markers := drain(t, exec.ExecuteStreaming(ectx, provider, "openai", "openai", "hi"))

	require.Len(t, markers, 1)
	assert.Equal(t, "error", markers[0].Kind)
}

func TestExecuteStreamingProviderFailure(t *testing.T) {
	exec, tr, _ := newTestExecutor(t)
	tr.StartSession("sess-1", "req-1")

	ectx := NewExecutionContext(context.Background(), "sess-1", "req-1", "exec-1", "trace-1", "vm-a", time.Now())
	ectx.ProviderID = "p1"
	provider := &moduletest.CannedProvider{ID: "p1", FailFirstN: 99}

	markers := drain(t, exec.ExecuteStreaming(ectx, provider, "openai", "openai", "hi"))

	require.NotEmpty(t, markers)
	last := markers[len(markers)-1]
	assert.Equal(t, "error", last.Kind)
	assert.Equal(t, StageErrorHandling, ectx.Stage())
}
