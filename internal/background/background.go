// Package background implements the separately-registered location task of
// spec §4.8: it keeps producing location batches while the main streaming
// process is suspended, sharing the same persistent queue but with its own
// transport client and circuit breaker so a foreground outage doesn't
// starve background delivery and vice versa. Grounded on the teacher's
// internal/ingestion/processor.go goroutine-owns-its-channel worker shape
// (context.CancelFunc + sync.WaitGroup), narrowed from a pool of sensor/
// location workers to the single location-only task this component is.
package background

import (
	"context"
	"sync"

	"sensor-streamer/internal/batch"
	"sensor-streamer/internal/queue"
	"sensor-streamer/internal/sensor"
	"sensor-streamer/internal/transport"
)

// Logger is the narrow logging surface this task needs.
type Logger interface {
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Task runs the background location collector.
type Task struct {
	deviceID  string
	driverID  *string
	vehicleID *string

	source sensor.Source
	q      *queue.Queue
	client *transport.Client
	logger Logger
	nowFn  func() int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a background task. client must be a *transport.Client
// constructed with its own circuit breaker — spec §4.8 step 4's "simpler
// variant: 5 failures → 60s cooldown" — independent from the foreground
// client's breaker (spec §5: "two independent clients with independent
// breakers to isolate background cooldown from foreground").
func New(deviceID string, driverID, vehicleID *string, source sensor.Source, q *queue.Queue, client *transport.Client, logger Logger, nowFn func() int64) *Task {
	return &Task{
		deviceID:  deviceID,
		driverID:  driverID,
		vehicleID: vehicleID,
		source:    source,
		q:         q,
		client:    client,
		logger:    logger,
		nowFn:     nowFn,
	}
}

// Start begins emitting locations through onReading into persisted,
// immediately-attempted batches (spec §4.8 steps 1-4).
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.source.Start(ctx, t.onReading); err != nil {
			t.logger.Warnf("background location source failed to start: %v", err)
		}
	}()
	return nil
}

// Stop cancels the background source and waits for it to shut down (spec
// §4.5 shutdown step 5).
func (t *Task) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	t.source.Stop()
	t.wg.Wait()
}

// onReading implements spec §4.8's per-location sequence: build a bg_
// tagged batch, persist immediately, then attempt a direct send guarded by
// the task's own breaker.
func (t *Task) onReading(r sensor.Reading) {
	nowMS := t.nowFn()
	b := batch.Batch{
		BatchID:   batch.BackgroundID(t.deviceID, nowMS),
		DeviceID:  t.deviceID,
		DriverID:  t.driverID,
		VehicleID: t.vehicleID,
		Readings:  []sensor.Reading{r},
	}

	readingsJSON, err := sensor.MarshalBatchReadings(b.Readings)
	if err != nil {
		t.logger.Errorf("background: marshal reading failed: %v", err)
		return
	}
	payload, err := transport.EncodeRowPayload(b, readingsJSON)
	if err != nil {
		t.logger.Errorf("background: encode row payload failed: %v", err)
		return
	}

	ctx := context.Background()
	if err := t.q.InsertPendingImmediate(ctx, b.BatchID, payload, 1); err != nil {
		t.logger.Errorf("background: insert pending immediate failed: %v", err)
		return
	}

	line := transport.NewLine(b, readingsJSON)
	if t.client.CircuitOpen() {
		return // left pending; the foreground drain loop will pick it up later
	}
	// PublishNow acks the row itself on a 2xx response (transport.Client's
	// acker); on failure it stays pending for the foreground drain loop.
	if err := t.client.PublishNow(ctx, line); err != nil {
		t.logger.Warnf("background: direct send failed, left for foreground drain: %v", err)
	}
}
