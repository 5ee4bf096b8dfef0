package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	pe := NewStepError("provider", "provider_call", cause)

	require.ErrorIs(t, pe, cause)
	assert.Equal(t, KindStepError, pe.Kind)
	assert.Equal(t, "provider", pe.ModuleID)
	assert.Equal(t, "provider_call", pe.StepName)
}

func TestIsRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryable(ErrCircuitOpen))
	assert.True(t, IsRetryable(ErrNoHealthyProvider))
	assert.False(t, IsRetryable(ErrRequestTimeout))
	assert.False(t, IsRetryable(ErrCancelled))
	assert.False(t, IsRetryable(ErrBackpressureRejected))
	assert.False(t, IsRetryable(nil))
}

func TestIsRetryableHonorsPipelineErrorFlag(t *testing.T) {
	retryable := &PipelineError{Kind: KindStepError, Retryable: true, Cause: errors.New("503")}
	terminal := &PipelineError{Kind: KindStepError, Retryable: false, Cause: errors.New("401")}

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(terminal))
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(ErrCancelled))
	assert.False(t, IsCancellation(ErrRequestTimeout))
}
