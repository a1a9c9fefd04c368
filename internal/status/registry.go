// Package status implements the observable status/throughput registry of
// spec §4.6, the single value UI indicators subscribe to. Grounded on the
// teacher's internal/ingestion/metrics.go MetricsTracker (mutex-protected
// struct, Update(fn)/Snapshot()/Reset(), listener callbacks standing in for
// an observable), generalized from a fixed metrics struct to the registry's
// derived status/rate/latency model.
package status

import (
	"sync"
	"time"
)

// State is the coarse pipeline status UI indicators render (spec §4.6).
type State string

const (
	StateOff      State = "off"
	StateLive     State = "live"
	StateDraining State = "draining"
	StateError    State = "error"
)

const (
	failureThreshold   = 3
	drainingDepthFloor = 10
	latencyRingSize    = 100
	bytesPerReading    = 120
)

// Snapshot is the immutable value Observe() returns.
type Snapshot struct {
	Status                State
	ConsecutiveFailures   int
	ReadingsPerSec        float64
	ReadingsPerSecByKind  map[string]float64
	BatchesSentPerSec     float64
	BatchesFailedPerSec   float64
	BytesPerSec           float64
	TotalReadings         int64
	TotalBatchesSent      int64
	TotalBatchesFailed    int64
	TotalBytes            int64
	QueueDepth            int64
	HasPending            bool
	LatencyAvgMS          float64
	LatencyMinMS          float64
	LatencyMaxMS          float64
	LatencyP95MS          float64
	LatencyLastMS         float64
}

type windowCounters struct {
	readings       int64
	readingsByKind map[string]int64
	batchesSent    int64
	batchesFailed  int64
}

// Registry is the mutex-protected observable registry (spec §4.6). It owns
// an internal 1s timer that rolls per-second rates; callers report via the
// report_* methods and read via Observe.
type Registry struct {
	mu sync.RWMutex

	running             bool
	consecutiveFailures int

	window     windowCounters
	lastRollAt time.Time

	rateReadingsPerSec      float64
	rateReadingsPerSecByKind map[string]float64
	rateBatchesSentPerSec   float64
	rateBatchesFailedPerSec float64

	totalReadings      int64
	totalBatchesSent   int64
	totalBatchesFailed int64
	totalBytes         int64

	queueDepth int64

	latency    []float64 // ring buffer, oldest overwritten first
	latencyPos int

	stopCh chan struct{}
}

// New builds a Registry in the "off" state.
func New() *Registry {
	return &Registry{
		window:                   windowCounters{readingsByKind: map[string]int64{}},
		rateReadingsPerSecByKind: map[string]float64{},
	}
}

// Start marks the registry live and starts its internal per-second rollup
// timer (spec §4.6). Safe to call once per streaming session.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.lastRollAt = time.Now()
	r.stopCh = make(chan struct{})
	stop := r.stopCh
	r.mu.Unlock()

	go r.rollLoop(stop)
}

func (r *Registry) rollLoop(stop chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.roll()
		}
	}
}

func (r *Registry) roll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	elapsed := time.Since(r.lastRollAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	r.rateReadingsPerSec = float64(r.window.readings) / elapsed
	r.rateReadingsPerSecByKind = dividedCounts(r.window.readingsByKind, elapsed)
	r.rateBatchesSentPerSec = float64(r.window.batchesSent) / elapsed
	r.rateBatchesFailedPerSec = float64(r.window.batchesFailed) / elapsed
	r.window = windowCounters{readingsByKind: map[string]int64{}}
	r.lastRollAt = time.Now()
}

func dividedCounts(m map[string]int64, elapsed float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = float64(v) / elapsed
	}
	return out
}

// SetOff resets the registry to the off state with counters reset (spec
// §4.5 shutdown step 6 / §4.6 set_off()).
func (r *Registry) SetOff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
	r.running = false
	r.consecutiveFailures = 0
	r.window = windowCounters{readingsByKind: map[string]int64{}}
	r.rateReadingsPerSec = 0
	r.rateReadingsPerSecByKind = map[string]float64{}
	r.rateBatchesSentPerSec = 0
	r.rateBatchesFailedPerSec = 0
	r.totalReadings = 0
	r.totalBatchesSent = 0
	r.totalBatchesFailed = 0
	r.totalBytes = 0
	r.queueDepth = 0
	r.latency = nil
	r.latencyPos = 0
}

// ReportSuccess resets the consecutive-failure counter (spec §4.6).
func (r *Registry) ReportSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
}

// ReportFailure increments the consecutive-failure counter (spec §4.6).
func (r *Registry) ReportFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
}

// ReportReadings records count new readings of the given kind, updating
// running totals and the current per-second window (spec §4.6).
func (r *Registry) ReportReadings(count int64, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalReadings += count
	r.totalBytes += count * bytesPerReading
	r.window.readings += count
	r.window.readingsByKind[kind] += count
}

// ReportBatchSent records one successfully-sent batch (spec §4.6).
// readingCount is accepted but not stored; reading totals come from
// ReportReadings.
func (r *Registry) ReportBatchSent(readingCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalBatchesSent++
	r.window.batchesSent++
}

// ReportBatchFailed records one failed batch (spec §4.6).
func (r *Registry) ReportBatchFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalBatchesFailed++
	r.window.batchesFailed++
}

// ReportLatency appends one round-trip latency sample to the rolling ring
// of at most 100 samples (spec §4.6).
func (r *Registry) ReportLatency(ms int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := float64(ms)
	if len(r.latency) < latencyRingSize {
		r.latency = append(r.latency, v)
	} else {
		r.latency[r.latencyPos] = v
		r.latencyPos = (r.latencyPos + 1) % latencyRingSize
	}
}

// ReportQueueDepth records the current persistent-queue depth (spec §4.6).
func (r *Registry) ReportQueueDepth(depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueDepth = depth
}

// Observe returns an immutable snapshot of the current state, deriving
// status from the reported counters (spec §4.6 / §4.5 replacement-for-
// callback-hooks note).
func (r *Registry) Observe() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byKind := make(map[string]float64, len(r.rateReadingsPerSecByKind))
	for k, v := range r.rateReadingsPerSecByKind {
		byKind[k] = v
	}

	return Snapshot{
		Status:               r.deriveStatus(),
		ConsecutiveFailures:  r.consecutiveFailures,
		ReadingsPerSec:       r.rateReadingsPerSec,
		ReadingsPerSecByKind: byKind,
		BatchesSentPerSec:    r.rateBatchesSentPerSec,
		BatchesFailedPerSec:  r.rateBatchesFailedPerSec,
		BytesPerSec:          r.rateReadingsPerSec * bytesPerReading,
		TotalReadings:        r.totalReadings,
		TotalBatchesSent:     r.totalBatchesSent,
		TotalBatchesFailed:   r.totalBatchesFailed,
		TotalBytes:           r.totalBytes,
		QueueDepth:           r.queueDepth,
		HasPending:           r.queueDepth > 0,
		LatencyAvgMS:         latencyAvg(r.latency),
		LatencyMinMS:         latencyMin(r.latency),
		LatencyMaxMS:         latencyMax(r.latency),
		LatencyP95MS:         latencyP95(r.latency),
		LatencyLastMS:        latencyLast(r.latency, r.latencyPos),
	}
}

// deriveStatus computes status ∈ {off, live, draining, error} per spec
// §4.6. Caller must hold at least a read lock.
func (r *Registry) deriveStatus() State {
	if !r.running {
		return StateOff
	}
	if r.consecutiveFailures >= failureThreshold {
		return StateError
	}
	if r.queueDepth >= drainingDepthFloor {
		return StateDraining
	}
	return StateLive
}
