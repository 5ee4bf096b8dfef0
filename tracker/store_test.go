package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(t *testing.T) (*Tracker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.SweepInterval = time.Hour // don't let the sweeper race the test
	tr := New(cfg)
	t.Cleanup(tr.Destroy)
	return tr, clock
}

func TestStartSessionIsIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t)

	reqID1 := tr.StartSession("sess-1", "")
	reqID2 := tr.StartSession("sess-1", "")

	assert.Equal(t, reqID1, reqID2)
}

func TestRecordIONeverAppearsInTwoSessions(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.StartSession("sess-1", "req-1")
	tr.StartSession("sess-2", "req-2")

	tr.RecordIO(NewRecordInput{SessionID: "sess-1", RequestID: "req-1", ModuleID: "pipeline", StepName: "x", Type: TypeRequest})

	recs1 := tr.GetRecords(RecordFilter{SessionID: "sess-1"})
	recs2 := tr.GetRecords(RecordFilter{SessionID: "sess-2"})

	require.Len(t, recs1, 2) // session_start + the appended record
	assert.Empty(t, recs2)
}

func TestRecordIORejectedAfterEndSession(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.StartSession("sess-1", "req-1")
	tr.EndSession("sess-1")

	id := tr.RecordIO(NewRecordInput{SessionID: "sess-1", RequestID: "req-1", ModuleID: "pipeline", StepName: "late", Type: TypeRequest})
	assert.Empty(t, id)
	assert.Equal(t, uint64(1), tr.DroppedRecords())
}

func TestTrackStepExecutionReSurfacesError(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.StartSession("sess-1", "req-1")

	wantErr := errors.New("boom")
	_, err := tr.TrackStepExecution("sess-1", "req-1", "provider", "provider_call", func() (interface{}, int, error) {
		return nil, 0, wantErr
	})

	assert.ErrorIs(t, err, wantErr)

	recs := tr.GetRecords(RecordFilter{SessionID: "sess-1", Type: TypeError})
	require.Len(t, recs, 1)
	assert.Equal(t, "provider_call", recs[0].StepName)
}

func TestGeneratePerformanceAnalysisBottleneck(t *testing.T) {
	tr, clock := newTestTracker(t)
	tr.StartSession("sess-1", "req-1")

	tr.TrackStepExecution("sess-1", "req-1", "switch", "switch_request", func() (interface{}, int, error) {
		clock.advance(10 * time.Millisecond)
		return "ok", 10, nil
	})
	tr.TrackStepExecution("sess-1", "req-1", "provider", "provider_call", func() (interface{}, int, error) {
		clock.advance(200 * time.Millisecond)
		return "ok", 10, nil
	})

	analysis := tr.GeneratePerformanceAnalysis("sess-1")
	assert.Equal(t, "provider", analysis.BottleneckModuleID)
	assert.Equal(t, "provider_call", analysis.BottleneckStepName)
	assert.Greater(t, analysis.TotalProcessingTime, time.Duration(0))
}

func TestSampleRateZeroAdmitsNothing(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.SampleRate = 0
	cfg.SweepInterval = time.Hour
	tr := New(cfg)
	defer tr.Destroy()

	id := tr.RecordIO(NewRecordInput{SessionID: "sess-1", ModuleID: "pipeline", StepName: "x", Type: TypeRequest})
	assert.Empty(t, id)
}

func TestSweepPrunesOldRecords(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.RetentionHorizon = time.Minute
	cfg.SweepInterval = time.Hour
	tr := New(cfg)
	defer tr.Destroy()

	tr.StartSession("sess-1", "req-1")
	clock.advance(2 * time.Minute)
	tr.sweep()

	recs := tr.GetRecords(RecordFilter{})
	assert.Empty(t, recs)
}
