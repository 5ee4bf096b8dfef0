package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.ProbeInterval = time.Hour
	s := New(cfg, nil)
	t.Cleanup(s.Destroy)
	return s, clock
}

func TestHealthScoreFreshProviderIsPoint7(t *testing.T) {
	s, _ := newTestStore(t)
	snap := s.Snapshot("p1")
	assert.InDelta(t, 0.7, snap.HealthScore, 0.0001)
}

func TestHealthScoreBounds(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 20; i++ {
		s.RecordRequestResult("p1", i%3 != 0, time.Duration(i)*100*time.Millisecond)
	}
	snap := s.Snapshot("p1")
	assert.GreaterOrEqual(t, snap.HealthScore, 0.0)
	assert.LessOrEqual(t, snap.HealthScore, 1.0)
}

func TestErrorRateComputation(t *testing.T) {
	s, _ := newTestStore(t)
	s.RecordRequestResult("p1", true, time.Millisecond)
	s.RecordRequestResult("p1", false, time.Millisecond)
	s.RecordRequestResult("p1", false, time.Millisecond)

	snap := s.Snapshot("p1")
	assert.InDelta(t, 2.0/3.0, snap.ErrorRate, 0.0001)
}

func TestCircuitOpensAtThresholdAndRecovers(t *testing.T) {
	s, clock := newTestStore(t)

	for i := 0; i < 5; i++ {
		s.RecordRequestResult("p1", false, time.Millisecond)
	}
	require.Equal(t, StateOpen, s.Snapshot("p1").CircuitState)
	assert.False(t, s.CanExecute("p1"))

	clock.advance(61 * time.Second)
	assert.True(t, s.GetOrCreate("p1").breaker.CanExecute())

	err := s.GetOrCreate("p1").breaker.Execute(nil, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.Snapshot("p1").CircuitState)
}

func TestConsecutiveFailsResetOnlyOnClose(t *testing.T) {
	s, _ := newTestStore(t)
	cb := s.GetOrCreate("p1").breaker

	cb.completeCall(false)
	cb.completeCall(false)
	assert.Equal(t, 2, cb.consecutiveFails)

	cb.completeCall(true)
	assert.Equal(t, 0, cb.consecutiveFails)
}

func TestInFlightTracksIncrementDecrement(t *testing.T) {
	s, _ := newTestStore(t)
	s.IncrementInFlight("p1")
	s.IncrementInFlight("p1")
	assert.EqualValues(t, 2, s.GetOrCreate("p1").InFlight())

	s.DecrementInFlight("p1")
	assert.EqualValues(t, 1, s.GetOrCreate("p1").InFlight())
}
