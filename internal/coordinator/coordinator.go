// Package coordinator ties components A-D and F-G together (spec §4.5): it
// owns the pipeline's lifecycle, the adaptive flush interval, and the
// foreground/background transition handling. Grounded on the teacher's
// internal/ingestion/processor.go Processor.Start/Stop lifecycle
// (context.CancelFunc + sync.WaitGroup + ticker-driven loop), generalized
// from a fixed-interval batch flusher to the self-tuning one spec §4.5/§9
// describes.
package coordinator

import (
	"context"
	"sync"
	"time"

	"sensor-streamer/internal/background"
	"sensor-streamer/internal/batch"
	"sensor-streamer/internal/identity"
	"sensor-streamer/internal/queue"
	"sensor-streamer/internal/sensor"
	"sensor-streamer/internal/status"
	"sensor-streamer/internal/transport"
)

const (
	targetBatchSize    = 100
	minFlushInterval   = 50 * time.Millisecond
	maxFlushInterval   = 1000 * time.Millisecond
	flushSizeThreshold = 200
	emaAlpha           = 0.3
	adjustWindow       = 2 * time.Second

	maintenanceInterval = 1 * time.Hour
	maintenanceWarmup   = 30 * time.Second
)

// Preconditions mirrors spec §4.5: "all must hold" before the pipeline may
// start, and a going-false on any triggers stop.
type Preconditions struct {
	Authenticated     bool
	PermissionGranted bool
	Navigating        bool
	FeatureEnabled    bool
	PlatformSupported bool
}

func (p Preconditions) satisfied() bool {
	return p.Authenticated && p.PermissionGranted && p.Navigating && p.FeatureEnabled && p.PlatformSupported
}

// Logger is the narrow logging surface the coordinator needs.
type Logger interface {
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Deps bundles the already-constructed components the coordinator
// orchestrates — it owns their lifecycle from here on (spec §4.5 ownership
// graph), but their construction is left to the caller (cmd/streamer) since
// it varies with runtime config (endpoint, retention, rate).
type Deps struct {
	Queue       *queue.Queue
	Client      *transport.Client
	Drainer     *transport.Drainer
	Registry    *status.Registry
	Identity    *identity.Store
	Reader      *sensor.Reader
	Background  *background.Task
	Logger      Logger
	NowFn       func() int64
	DriverID    *string
	VehicleID   *string
	AckedRetentionMS  int64
	FailedRetentionMS int64
}

// Coordinator implements the streaming lifecycle of spec §4.5.
type Coordinator struct {
	deps     Deps
	buffer   *sensor.DoubleBuffer
	deviceID string

	mu            sync.Mutex
	running       bool
	flushInterval time.Duration
	windowCount   int64
	windowStart   time.Time
	lastAdjust    time.Time
	flushTimer    *time.Timer

	drainCancel       context.CancelFunc
	maintenanceCancel context.CancelFunc
	wg                sync.WaitGroup
}

// New constructs a Coordinator with the initial flush interval hinted by
// config (spec §6 SENSOR_BATCH_MS), clamped into [50ms, 1000ms].
func New(deps Deps, bufferCapacity int, initialFlushInterval time.Duration) *Coordinator {
	interval := clampInterval(initialFlushInterval)
	return &Coordinator{
		deps:          deps,
		buffer:        sensor.NewDoubleBuffer(bufferCapacity),
		flushInterval: interval,
	}
}

func clampInterval(d time.Duration) time.Duration {
	if d < minFlushInterval {
		return minFlushInterval
	}
	if d > maxFlushInterval {
		return maxFlushInterval
	}
	return d
}

// Start runs the spec §4.5 start sequence. pre must already be satisfied;
// callers re-evaluate preconditions externally (e.g. on every navigation/
// permission/auth state change) and call Stop() the moment one goes false.
func (c *Coordinator) Start(ctx context.Context, pre Preconditions, nowMS int64) error {
	if !pre.satisfied() {
		return errPreconditionsNotMet
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	deviceID, err := c.deps.Identity.DeviceID(ctx, nowMS)
	if err != nil {
		return err
	}
	c.deviceID = deviceID

	c.deps.Registry.Start()

	if c.deps.Background != nil {
		if err := c.deps.Background.Start(); err != nil {
			c.deps.Logger.Warnf("background location failed to start: %v", err)
		}
	}

	c.mu.Lock()
	c.running = true
	c.windowStart = time.Now()
	c.lastAdjust = time.Now()
	c.mu.Unlock()

	c.deps.Reader.Start(c.onReading)

	c.scheduleFlush()

	drainCtx, drainCancel := context.WithCancel(context.Background())
	c.drainCancel = drainCancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deps.Drainer.Run(drainCtx)
	}()

	maintenanceCtx, maintenanceCancel := context.WithCancel(context.Background())
	c.maintenanceCancel = maintenanceCancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.maintenanceLoop(maintenanceCtx)
	}()

	return nil
}

// onReading implements spec §4.5 start sequence step 6: push, count,
// report, and trigger a size-threshold flush.
func (c *Coordinator) onReading(r sensor.Reading) {
	c.buffer.Push(r)
	c.deps.Registry.ReportReadings(1, string(r.Kind))

	c.mu.Lock()
	c.windowCount++
	shouldFlush := c.buffer.Len() >= flushSizeThreshold
	c.mu.Unlock()

	if shouldFlush {
		c.flush()
	}
}

// scheduleFlush (re)arms the flush timer at the current adaptive interval.
func (c *Coordinator) scheduleFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(c.flushInterval, c.onFlushTimer)
}

func (c *Coordinator) onFlushTimer() {
	c.flush()
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		c.scheduleFlush()
	}
}

// flush implements spec §4.5's flush action: swap the buffer, persist +
// publish a batch if non-empty, then adapt the interval.
func (c *Coordinator) flush() {
	readings := c.buffer.Swap()
	if len(readings) > 0 {
		c.publishBatch(readings, batch.NewID(c.deviceID, c.deps.NowFn()))
	}
	c.maybeAdaptInterval()
}

func (c *Coordinator) publishBatch(readings []sensor.Reading, batchID string) {
	b := batch.Batch{
		BatchID:   batchID,
		DeviceID:  c.deviceID,
		DriverID:  c.deps.DriverID,
		VehicleID: c.deps.VehicleID,
		Readings:  readings,
	}

	readingsJSON, err := sensor.MarshalBatchReadings(readings)
	if err != nil {
		c.deps.Logger.Errorf("flush: marshal readings failed: %v", err)
		return
	}
	payload, err := transport.EncodeRowPayload(b, readingsJSON)
	if err != nil {
		c.deps.Logger.Errorf("flush: encode payload failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Queue.InsertPending(ctx, b.BatchID, payload, 1); err != nil {
		c.deps.Logger.Errorf("flush: persist batch %s failed: %v", b.BatchID, err)
		return
	}

	c.deps.Client.Publish(transport.NewLine(b, readingsJSON))
}

// maybeAdaptInterval implements spec §4.5's adaptive flush interval: every
// ≥2s, recompute the EMA toward the interval that would yield
// targetBatchSize readings per batch at the observed rate.
func (c *Coordinator) maybeAdaptInterval() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.lastAdjust)
	if elapsed < adjustWindow {
		return
	}
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return
	}
	rate := float64(c.windowCount) / seconds
	if rate <= 0 {
		c.windowCount = 0
		c.lastAdjust = time.Now()
		return
	}

	idealMS := (float64(targetBatchSize) / rate) * 1000
	currentMS := float64(c.flushInterval.Milliseconds())
	newMS := emaAlpha*idealMS + (1-emaAlpha)*currentMS

	c.flushInterval = clampInterval(time.Duration(newMS) * time.Millisecond)
	c.windowCount = 0
	c.lastAdjust = time.Now()
}

func (c *Coordinator) maintenanceLoop(ctx context.Context) {
	warmup := time.NewTimer(maintenanceWarmup)
	defer warmup.Stop()
	select {
	case <-ctx.Done():
		return
	case <-warmup.C:
		c.runMaintenance(ctx)
	}

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runMaintenance(ctx)
		}
	}
}

func (c *Coordinator) runMaintenance(ctx context.Context) {
	if err := c.deps.Queue.PerformMaintenance(ctx, c.deps.AckedRetentionMS, c.deps.FailedRetentionMS); err != nil {
		c.deps.Logger.Warnf("maintenance pass failed: %v", err)
	}
}

// Stop implements spec §4.5's shutdown sequence.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()

	readings := c.buffer.Swap()
	if len(readings) > 0 {
		c.publishBatch(readings, batch.FinalID(c.deviceID, c.deps.NowFn()))
	}

	c.deps.Reader.Stop()
	c.deps.Client.Shutdown()

	if c.drainCancel != nil {
		c.drainCancel()
	}
	if c.maintenanceCancel != nil {
		c.maintenanceCancel()
	}
	c.wg.Wait()

	if err := c.deps.Queue.Close(); err != nil {
		c.deps.Logger.Errorf("shutdown: queue close failed: %v", err)
	}
	if c.deps.Background != nil {
		c.deps.Background.Stop()
	}
	c.deps.Registry.SetOff()
}

// Resume implements spec §4.5's foreground transition: re-check permission
// (the caller passes the freshly-observed state) and rebind sensor
// subscriptions the OS may have torn down.
func (c *Coordinator) Resume(permissionGranted bool) error {
	if !permissionGranted {
		return errPreconditionsNotMet
	}
	c.deps.Reader.EnsureAllSensors(c.onReading)
	return nil
}
