package sensor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Callback receives every reading the three producers emit along with the
// kind, matching the coordinator's single on_reading hook from spec §4.5
// step 6.
type Callback func(r Reading)

// Source abstracts one OS sensor subscription so accel/gyro/location can
// share Start/Stop/Ensure plumbing. The mobile bridge this module links
// into supplies the real implementation (native callbacks); the ticker-based
// sources below stand in for it in local development and tests.
type Source interface {
	// Start begins emitting readings to fn until the context is cancelled
	// or Stop is called. Returns an error if the capability could not be
	// obtained (e.g. permission denied for location).
	Start(ctx context.Context, fn Callback) error
	Stop()
}

// Reader owns the three independent producers of spec §4.1: accelerometer,
// gyroscope and location. Location may fail to start independently of
// accel/gyro (spec §4.1 failure semantics).
type Reader struct {
	logger *zap.Logger
	onErr  func(kind Kind, err error)

	accel Source
	gyro  Source
	loc   Source

	mu      sync.Mutex
	started struct {
		accel, gyro, loc bool
	}
	cancel context.CancelFunc
}

// NewReader wires three sources behind the uniform Start/Stop/Ensure
// contract. onErr is invoked for recoverable source failures (location) and
// non-fatal ones (accel/gyro), matching spec §4.1's failure semantics: never
// tears down the pipeline.
func NewReader(logger *zap.Logger, accel, gyro, loc Source, onErr func(kind Kind, err error)) *Reader {
	return &Reader{
		logger: logger,
		onErr:  onErr,
		accel:  accel,
		gyro:   gyro,
		loc:    loc,
	}
}

// Start obtains foreground-sensor capability and begins all three
// producers; location failures are recoverable and logged but do not
// prevent accel/gyro from running.
func (r *Reader) Start(fn Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if err := r.accel.Start(ctx, fn); err != nil {
		r.logger.Warn("accelerometer subscription failed", zap.Error(err))
		r.onErr(KindAccel, err)
	} else {
		r.started.accel = true
	}

	if err := r.gyro.Start(ctx, fn); err != nil {
		r.logger.Warn("gyroscope subscription failed", zap.Error(err))
		r.onErr(KindGyro, err)
	} else {
		r.started.gyro = true
	}

	if err := r.loc.Start(ctx, fn); err != nil {
		r.logger.Warn("location subscription failed, will retry on resume", zap.Error(err))
		r.onErr(KindLocation, err)
	} else {
		r.started.loc = true
	}
}

// EnsureAllSensors is an idempotent re-subscription used after process
// resumption, when the OS may have killed foreground subscriptions while
// backgrounded (spec §4.1).
func (r *Reader) EnsureAllSensors(fn Callback) {
	r.mu.Lock()
	needAccel, needGyro, needLoc := !r.started.accel, !r.started.gyro, !r.started.loc
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	if needAccel {
		if err := r.accel.Start(ctx, fn); err == nil {
			r.mu.Lock()
			r.started.accel = true
			r.mu.Unlock()
		}
	}
	if needGyro {
		if err := r.gyro.Start(ctx, fn); err == nil {
			r.mu.Lock()
			r.started.gyro = true
			r.mu.Unlock()
		}
	}
	if needLoc {
		if err := r.loc.Start(ctx, fn); err == nil {
			r.mu.Lock()
			r.started.loc = true
			r.mu.Unlock()
		}
	}
}

// Stop detaches all subscriptions. Safe to call multiple times.
func (r *Reader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.accel.Stop()
	r.gyro.Stop()
	r.loc.Stop()
	r.started.accel, r.started.gyro, r.started.loc = false, false, false
}

// tickerSource is a simulated OS sensor producing synthetic readings at a
// fixed interval. It stands in for the native accel/gyro/location bridges
// that the mobile host this package links into would otherwise supply.
type tickerSource struct {
	kind     Kind
	interval time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	failNext bool // test hook: force the next Start to fail once
}

// NewMotionSource returns a simulated accelerometer/gyroscope source
// sampling at rateHz, clamped to an update interval of at least 10ms per
// spec §4.1.
func NewMotionSource(kind Kind, rateHz int) Source {
	interval := time.Second / time.Duration(maxInt(rateHz, 1))
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return &tickerSource{kind: kind, interval: interval}
}

// NewLocationSource returns a simulated GPS source emitting a fix roughly
// every second (spec §4.1: "update interval ≈1000 ms, emitting on every
// fix", distance filter disabled so stationary periods still produce fixes).
func NewLocationSource() Source {
	return &tickerSource{kind: KindLocation, interval: time.Second}
}

// FailNextStart is a test hook forcing the next Start call to return an
// error, used to exercise spec §4.1's "location subscription failure is
// recoverable" path.
func FailNextStart(s Source) {
	if ts, ok := s.(*tickerSource); ok {
		ts.mu.Lock()
		ts.failNext = true
		ts.mu.Unlock()
	}
}

func (s *tickerSource) Start(ctx context.Context, fn Callback) error {
	s.mu.Lock()
	if s.failNext {
		s.failNext = false
		s.mu.Unlock()
		return errTransientSourceFailure
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	go s.run(runCtx, fn)
	return nil
}

func (s *tickerSource) run(ctx context.Context, fn Callback) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(s.synthesize())
		}
	}
}

func (s *tickerSource) synthesize() Reading {
	now := time.Now().UnixMilli()
	switch s.kind {
	case KindLocation:
		speed := rand.Float64() * 25
		return NewLocation(now, LocationFix{
			Lat:      37.7 + rand.NormFloat64()*0.01,
			Lng:      -122.4 + rand.NormFloat64()*0.01,
			Accuracy: ptr(5 + rand.Float64()*10),
			Altitude: ptr(10 + rand.Float64()*5),
			Speed:    &speed,
			Heading:  ptr(rand.Float64() * 360),
		})
	case KindAccel:
		return NewMotion(KindAccel, now, rand.NormFloat64()*0.2, rand.NormFloat64()*0.2, 9.8+rand.NormFloat64()*0.2)
	default:
		return NewMotion(KindGyro, now, rand.NormFloat64()*0.05, rand.NormFloat64()*0.05, rand.NormFloat64()*0.05)
	}
}

func (s *tickerSource) Stop() {
	s.mu.Lock()
	running := s.running
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if running && cancel != nil {
		cancel()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var errTransientSourceFailure = &sourceError{"simulated sensor source failure"}

type sourceError struct{ msg string }

func (e *sourceError) Error() string { return e.msg }
