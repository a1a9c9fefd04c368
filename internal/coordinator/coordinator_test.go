package coordinator

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"sensor-streamer/internal/identity"
	"sensor-streamer/internal/queue"
	"sensor-streamer/internal/sensor"
	"sensor-streamer/internal/status"
	"sensor-streamer/internal/transport"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Warnf(format string, args ...any)  { l.t.Logf("warn: "+format, args...) }
func (l testLogger) Errorf(format string, args ...any) { l.t.Logf("error: "+format, args...) }

// manualSource lets a test fire readings on demand instead of a real ticker.
type manualSource struct {
	fn sensor.Callback
}

func (s *manualSource) Start(ctx context.Context, fn sensor.Callback) error {
	s.fn = fn
	return nil
}
func (s *manualSource) Stop() {}
func (s *manualSource) emit(r sensor.Reading) {
	if s.fn != nil {
		s.fn(r)
	}
}

func newTestCoordinator(t *testing.T, serverURL string) (*Coordinator, *queue.Queue, *manualSource) {
	t.Helper()

	qPath := filepath.Join(t.TempDir(), "queue.db")
	q, err := queue.Open(qPath, testLogger{t})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open identity db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	idStore, err := identity.Open(db)
	if err != nil {
		t.Fatalf("open identity store: %v", err)
	}

	registry := status.New()
	client := transport.New(transport.Config{BaseURL: serverURL, User: "u", Password: "p"}, q, registry, testLogger{t})
	drainer := transport.NewDrainer(client, q, registry, testLogger{t})

	accel := &manualSource{}
	logger, _ := zap.NewDevelopment()
	reader := sensor.NewReader(logger, accel, &manualSource{}, &manualSource{}, func(kind sensor.Kind, err error) {})

	coord := New(Deps{
		Queue:    q,
		Client:   client,
		Drainer:  drainer,
		Registry: registry,
		Identity: idStore,
		Reader:   reader,
		Logger:   testLogger{t},
		NowFn:    func() int64 { return 1000 },
	}, 1024, 200*time.Millisecond)

	return coord, q, accel
}

func TestCoordinatorStartFlushAndStopPersistsBatches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	coord, q, accel := newTestCoordinator(t, server.URL)

	pre := Preconditions{Authenticated: true, PermissionGranted: true, Navigating: true, FeatureEnabled: true, PlatformSupported: true}
	if err := coord.Start(context.Background(), pre, 1000); err != nil {
		t.Fatalf("start: %v", err)
	}

	accel.emit(sensor.NewMotion(sensor.KindAccel, 1000, 0.1, 0.1, 9.8))
	accel.emit(sensor.NewMotion(sensor.KindAccel, 1001, 0.1, 0.1, 9.8))

	coord.Stop()

	stats, err := q.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending+stats.Sent+stats.Acked == 0 {
		t.Fatalf("expected the final flush on Stop to persist at least one batch, got %+v", stats)
	}
}

func TestCoordinatorStartRejectsUnsatisfiedPreconditions(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, "http://example.invalid")

	pre := Preconditions{Authenticated: false}
	if err := coord.Start(context.Background(), pre, 1000); err == nil {
		t.Fatalf("expected Start to reject unsatisfied preconditions")
	}
}

func TestCoordinatorStartIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	coord, _, _ := newTestCoordinator(t, server.URL)
	pre := Preconditions{Authenticated: true, PermissionGranted: true, Navigating: true, FeatureEnabled: true, PlatformSupported: true}

	if err := coord.Start(context.Background(), pre, 1000); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := coord.Start(context.Background(), pre, 1000); err != nil {
		t.Fatalf("second start must be a no-op, got error: %v", err)
	}
	coord.Stop()
}
