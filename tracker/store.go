package tracker

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corelane/aipipeline/core"
)

// Config holds the tracker's tunables. Loading these from a config file
// is out of scope; a caller constructs and passes this struct in.
type Config struct {
	// Enabled turns tracking on. When false, recordIO is a silent no-op.
	Enabled bool

	// RingCapacity bounds the global cross-session record buffer.
	RingCapacity int

	// RetentionHorizon is how long a record survives in the global ring
	// before the sweeper prunes it.
	RetentionHorizon time.Duration

	// SweepInterval is how often the retention sweeper runs.
	SweepInterval time.Duration

	// SessionGrace is how long a SessionContext survives after
	// endSession before it is dropped.
	SessionGrace time.Duration

	// SampleRate admits each recordIO call independently with this
	// probability. 0 admits nothing; 1 (or more) always admits.
	SampleRate float64

	Logger core.Logger
	Clock  core.Clock
}

// DefaultConfig matches the defaults named in the design: 10k ring
// capacity, 1h retention, 60s sweep, 1h session grace, no sampling.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		RingCapacity:     10000,
		RetentionHorizon: time.Hour,
		SweepInterval:    60 * time.Second,
		SessionGrace:     time.Hour,
		SampleRate:       1.0,
	}
}

// Tracker is the C1 I/O Tracker: session lifecycle, per-step record
// append, bounded global retention, and performance analysis.
type Tracker struct {
	cfg    Config
	logger core.Logger
	clock  core.Clock

	mu       sync.RWMutex
	sessions map[string]*SessionContext
	ring     []*IORecord // ring buffer, append-and-trim
	dropped  uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Tracker and starts its retention sweeper. Call
// Destroy to stop the sweeper and drain in-flight work.
func New(cfg Config) *Tracker {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 10000
	}
	if cfg.RetentionHorizon <= 0 {
		cfg.RetentionHorizon = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.SessionGrace <= 0 {
		cfg.SessionGrace = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	t := &Tracker{
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		sessions: make(map[string]*SessionContext),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// StartSession creates a SessionContext. If sessionID already exists the
// call is idempotent and returns the existing request id. Emits a
// session_start transformation record.
func (t *Tracker) StartSession(sessionID string, requestID string) string {
	now := t.clock.Now()
	t.mu.Lock()
	if existing, ok := t.sessions[sessionID]; ok {
		t.mu.Unlock()
		return existing.RequestID
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	sess := newSessionContext(sessionID, requestID, now)
	t.sessions[sessionID] = sess
	t.mu.Unlock()

	t.RecordIO(NewRecordInput{
		SessionID: sessionID,
		RequestID: requestID,
		ModuleID:  "pipeline",
		StepName:  "session_start",
		Type:      TypeTransformation,
	})
	return requestID
}

func (t *Tracker) sampleAdmit() bool {
	if t.cfg.SampleRate >= 1 {
		return true
	}
	if t.cfg.SampleRate <= 0 {
		return false
	}
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return t.rng.Float64() < t.cfg.SampleRate
}

// RecordIO appends a record to its session and the global ring. Fails
// silently (returns "") if tracking is disabled or the sample draw
// rejects this call.
func (t *Tracker) RecordIO(in NewRecordInput) string {
	if !t.cfg.Enabled {
		return ""
	}
	if !t.sampleAdmit() {
		return ""
	}

	rec := &IORecord{
		ID:             uuid.NewString(),
		Timestamp:      t.clock.Now(),
		SessionID:      in.SessionID,
		RequestID:      in.RequestID,
		ModuleID:       in.ModuleID,
		StepName:       in.StepName,
		Type:           in.Type,
		PayloadBytes:   in.PayloadBytes,
		ProcessingTime: in.ProcessingTime,
		Data:           in.Data,
	}

	t.mu.RLock()
	sess, ok := t.sessions[in.SessionID]
	t.mu.RUnlock()

	if ok {
		if !sess.append(rec) {
			t.incDropped()
			t.logger.Warn("tracker: append rejected, session ended", map[string]interface{}{
				"session_id": in.SessionID,
			})
			return ""
		}
	}

	t.mu.Lock()
	t.ring = append(t.ring, rec)
	if len(t.ring) > t.cfg.RingCapacity {
		over := len(t.ring) - t.cfg.RingCapacity
		t.ring = t.ring[over:]
	}
	t.mu.Unlock()

	return rec.ID
}

func (t *Tracker) incDropped() {
	t.mu.Lock()
	t.dropped++
	t.mu.Unlock()
}

// DroppedRecords returns the number of recordIO calls that failed to
// append (session already ended). Never includes sampling rejections;
// those are an intentional admission decision, not a failure.
func (t *Tracker) DroppedRecords() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}

// TrackRequest is a convenience wrapper emitting a request-type record.
func (t *Tracker) TrackRequest(sessionID, requestID, moduleID, stepName string, payloadBytes int, data interface{}) string {
	return t.RecordIO(NewRecordInput{
		SessionID:    sessionID,
		RequestID:    requestID,
		ModuleID:     moduleID,
		StepName:     stepName,
		Type:         TypeRequest,
		PayloadBytes: payloadBytes,
		Data:         data,
	})
}

// TrackResponse is a convenience wrapper emitting a response-type record.
func (t *Tracker) TrackResponse(sessionID, requestID, moduleID, stepName string, payloadBytes int, data interface{}) string {
	return t.RecordIO(NewRecordInput{
		SessionID:    sessionID,
		RequestID:    requestID,
		ModuleID:     moduleID,
		StepName:     stepName,
		Type:         TypeResponse,
		PayloadBytes: payloadBytes,
		Data:         data,
	})
}

// TrackStepExecution captures start-time, invokes op, and emits either a
// transformation record (on success) or an error record (on failure)
// carrying the elapsed time. The original error is re-surfaced to the
// caller unchanged.
func (t *Tracker) TrackStepExecution(sessionID, requestID, moduleID, stepName string, op func() (interface{}, int, error)) (interface{}, error) {
	start := t.clock.Now()
	out, payloadBytes, err := op()
	elapsed := t.clock.Now().Sub(start)

	if err != nil {
		t.RecordIO(NewRecordInput{
			SessionID:      sessionID,
			RequestID:      requestID,
			ModuleID:       moduleID,
			StepName:       stepName,
			Type:           TypeError,
			ProcessingTime: elapsed,
			Data:           err.Error(),
		})
		return nil, err
	}

	t.RecordIO(NewRecordInput{
		SessionID:      sessionID,
		RequestID:      requestID,
		ModuleID:       moduleID,
		StepName:       stepName,
		Type:           TypeTransformation,
		PayloadBytes:   payloadBytes,
		ProcessingTime: elapsed,
		Data:           out,
	})
	return out, nil
}

// GetRecords returns records matching filter, newest-first. It searches
// the global ring, which spans all sessions.
func (t *Tracker) GetRecords(filter RecordFilter) []*IORecord {
	t.mu.RLock()
	snapshot := make([]*IORecord, len(t.ring))
	copy(snapshot, t.ring)
	t.mu.RUnlock()

	out := make([]*IORecord, 0, len(snapshot))
	for _, r := range snapshot {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// GeneratePerformanceAnalysis rolls up records for sessionID, or across
// the whole global ring when sessionID is empty.
func (t *Tracker) GeneratePerformanceAnalysis(sessionID string) PerformanceAnalysis {
	var records []*IORecord
	if sessionID != "" {
		t.mu.RLock()
		sess, ok := t.sessions[sessionID]
		t.mu.RUnlock()
		if !ok {
			return PerformanceAnalysis{}
		}
		records = sess.snapshotRecords()
	} else {
		t.mu.RLock()
		records = make([]*IORecord, len(t.ring))
		copy(records, t.ring)
		t.mu.RUnlock()
	}

	if len(records) == 0 {
		return PerformanceAnalysis{}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })

	type bucketKey struct{ moduleID, stepName string }
	totals := make(map[bucketKey]time.Duration)
	counts := make(map[bucketKey]int)

	var totalTime time.Duration
	var latencySum, latencyMin, latencyMax time.Duration
	var latencyCount int
	latencyMin = time.Duration(1<<63 - 1)

	for _, r := range records {
		totalTime += r.ProcessingTime
		key := bucketKey{r.ModuleID, r.StepName}
		totals[key] += r.ProcessingTime
		counts[key]++

		if r.Type == TypeRequest || r.Type == TypeResponse {
			latencySum += r.ProcessingTime
			latencyCount++
			if r.ProcessingTime < latencyMin {
				latencyMin = r.ProcessingTime
			}
			if r.ProcessingTime > latencyMax {
				latencyMax = r.ProcessingTime
			}
		}
	}

	var bottleneckKey bucketKey
	var bottleneckAvg time.Duration
	for key, total := range totals {
		avg := total / time.Duration(counts[key])
		if avg > bottleneckAvg {
			bottleneckAvg = avg
			bottleneckKey = key
		}
	}

	first := records[0].Timestamp
	last := records[len(records)-1].Timestamp
	elapsedSeconds := last.Sub(first).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(len(records)) / elapsedSeconds
	}

	avgStep := totalTime / time.Duration(len(records))

	stats := LatencyStats{Count: latencyCount}
	if latencyCount > 0 {
		stats.Mean = latencySum / time.Duration(latencyCount)
		stats.Min = latencyMin
		stats.Max = latencyMax
	}

	return PerformanceAnalysis{
		TotalProcessingTime: totalTime,
		AverageStepTime:     avgStep,
		BottleneckModuleID:  bottleneckKey.moduleID,
		BottleneckStepName:  bottleneckKey.stepName,
		Throughput:          throughput,
		NetworkLatency:      stats,
		SampleSize:          len(records),
	}
}

// EndSession appends a session_end record and schedules the session for
// deletion after the configured grace period.
func (t *Tracker) EndSession(sessionID string) {
	t.mu.RLock()
	sess, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return
	}

	t.RecordIO(NewRecordInput{
		SessionID: sessionID,
		RequestID: sess.RequestID,
		ModuleID:  "pipeline",
		StepName:  "session_end",
		Type:      TypeTransformation,
	})
	sess.markEnded(t.clock.Now())
}

func (t *Tracker) sweepLoop() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) sweep() {
	now := t.clock.Now()
	horizon := t.cfg.RetentionHorizon

	t.mu.Lock()
	cutoff := 0
	for cutoff < len(t.ring) && now.Sub(t.ring[cutoff].Timestamp) > horizon {
		cutoff++
	}
	if cutoff > 0 {
		t.ring = t.ring[cutoff:]
	}
	for id, sess := range t.sessions {
		if sess.pastGrace(now, t.cfg.SessionGrace) {
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()
}

// Destroy stops the retention sweeper, waiting up to 5s for it to drain.
func (t *Tracker) Destroy() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	select {
	case <-t.doneCh:
	case <-time.After(5 * time.Second):
		t.logger.Warn("tracker: sweeper did not stop within grace window", nil)
	}
}
