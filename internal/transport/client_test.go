package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sensor-streamer/internal/batch"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Warnf(format string, args ...any)  { l.t.Logf("warn: "+format, args...) }
func (l testLogger) Errorf(format string, args ...any) { l.t.Logf("error: "+format, args...) }

type testReporter struct {
	mu           sync.Mutex
	successes    int
	failures     int
	batchesSent  int
	batchesFailed int
}

func (r *testReporter) ReportSuccess() {
	r.mu.Lock()
	r.successes++
	r.mu.Unlock()
}
func (r *testReporter) ReportFailure() {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
}
func (r *testReporter) ReportLatency(ms int64)          {}
func (r *testReporter) ReportQueueDepth(depth int64)    {}
func (r *testReporter) ReportBatchSent(readingCount int) {
	r.mu.Lock()
	r.batchesSent++
	r.mu.Unlock()
}
func (r *testReporter) ReportBatchFailed() {
	r.mu.Lock()
	r.batchesFailed++
	r.mu.Unlock()
}

type testAcker struct {
	mu    sync.Mutex
	acked [][]string
}

func (a *testAcker) MarkAckedBulk(ctx context.Context, batchIDs []string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, append([]string(nil), batchIDs...))
	return int64(len(batchIDs)), nil
}

func TestPublishNowSucceedsAgainstAckingServer(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reporter := &testReporter{}
	acker := &testAcker{}
	c := New(Config{BaseURL: server.URL, User: "u", Password: "p"}, acker, reporter, testLogger{t})

	b := batch.Batch{BatchID: "b1", DeviceID: "d1"}
	if err := c.PublishNow(context.Background(), NewLine(b, "[]")); err != nil {
		t.Fatalf("publish now: %v", err)
	}
	if atomic.LoadInt32(&requests) != 1 {
		t.Fatalf("expected exactly one HTTP request, got %d", requests)
	}
	reporter.mu.Lock()
	if reporter.successes != 1 || reporter.batchesSent != 1 {
		reporter.mu.Unlock()
		t.Fatalf("expected one reported success/batch-sent, got %+v", reporter)
	}
	reporter.mu.Unlock()

	acker.mu.Lock()
	defer acker.mu.Unlock()
	if len(acker.acked) != 1 || len(acker.acked[0]) != 1 || acker.acked[0][0] != "b1" {
		t.Fatalf("expected a successful publish to ack batch b1, got %+v", acker.acked)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reporter := &testReporter{}
	acker := &testAcker{}
	c := New(Config{BaseURL: server.URL, User: "u", Password: "p", BreakerFailures: 2, BreakerCooldown: time.Minute}, acker, reporter, testLogger{t})

	b := batch.Batch{BatchID: "b1", DeviceID: "d1"}
	for i := 0; i < 2; i++ {
		if err := c.PublishNow(context.Background(), NewLine(b, "[]")); err == nil {
			t.Fatalf("expected publish to fail against a 500 server")
		}
	}

	if !c.CircuitOpen() {
		t.Fatalf("expected the breaker to be open after reaching BreakerFailures")
	}

	acker.mu.Lock()
	defer acker.mu.Unlock()
	if len(acker.acked) != 0 {
		t.Fatalf("expected no acks after failed publishes, got %+v", acker.acked)
	}
}
