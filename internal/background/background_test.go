package background

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"sensor-streamer/internal/queue"
	"sensor-streamer/internal/sensor"
	"sensor-streamer/internal/transport"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Warnf(format string, args ...any)  { l.t.Logf("warn: "+format, args...) }
func (l testLogger) Errorf(format string, args ...any) { l.t.Logf("error: "+format, args...) }

type noReportReporter struct{}

func (noReportReporter) ReportSuccess()               {}
func (noReportReporter) ReportFailure()               {}
func (noReportReporter) ReportLatency(ms int64)       {}
func (noReportReporter) ReportQueueDepth(depth int64) {}
func (noReportReporter) ReportBatchSent(int)          {}
func (noReportReporter) ReportBatchFailed()           {}

// manualSource lets a test fire a single reading on demand instead of
// waiting on a real ticker.
type manualSource struct {
	fn sensor.Callback
}

func (s *manualSource) Start(ctx context.Context, fn sensor.Callback) error {
	s.fn = fn
	return nil
}
func (s *manualSource) Stop() {}

func (s *manualSource) emit(r sensor.Reading) {
	s.fn(r)
}

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := queue.Open(path, testLogger{t})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestBackgroundTaskPersistsAndAcksOnSuccessfulSend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	q := openTestQueue(t)
	client := transport.New(transport.Config{BaseURL: server.URL, User: "u", Password: "p"}, q, noReportReporter{}, testLogger{t})
	source := &manualSource{}

	task := New("device-1", nil, nil, source, q, client, testLogger{t}, func() int64 { return 1000 })
	if err := task.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer task.Stop()

	source.emit(sensor.NewMotion(sensor.KindLocation, 1000, 1, 2, 3))

	deadline := time.After(time.Second)
	for {
		stats, err := q.GetStats(context.Background())
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Acked == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected the background batch to be acked, got stats %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBackgroundTaskLeavesPendingWhenSendFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	q := openTestQueue(t)
	client := transport.New(transport.Config{BaseURL: server.URL, User: "u", Password: "p"}, q, noReportReporter{}, testLogger{t})
	source := &manualSource{}

	task := New("device-1", nil, nil, source, q, client, testLogger{t}, func() int64 { return 1000 })
	if err := task.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer task.Stop()

	source.emit(sensor.NewMotion(sensor.KindLocation, 1000, 1, 2, 3))

	time.Sleep(100 * time.Millisecond)
	stats, err := q.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Acked != 0 {
		t.Fatalf("expected the batch to remain pending for the foreground drain, got %+v", stats)
	}
}
