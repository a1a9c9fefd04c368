package status

import "testing"

func TestDeriveStatusOffByDefault(t *testing.T) {
	r := New()
	if got := r.Observe().Status; got != StateOff {
		t.Fatalf("expected off before Start, got %s", got)
	}
}

func TestDeriveStatusErrorAfterThreshold(t *testing.T) {
	r := New()
	r.running = true
	for i := 0; i < failureThreshold; i++ {
		r.ReportFailure()
	}
	if got := r.Observe().Status; got != StateError {
		t.Fatalf("expected error after %d consecutive failures, got %s", failureThreshold, got)
	}
}

func TestDeriveStatusDrainingOnDepth(t *testing.T) {
	r := New()
	r.running = true
	r.ReportQueueDepth(drainingDepthFloor)
	if got := r.Observe().Status; got != StateDraining {
		t.Fatalf("expected draining at depth %d, got %s", drainingDepthFloor, got)
	}
}

func TestReportSuccessResetsFailures(t *testing.T) {
	r := New()
	r.running = true
	r.ReportFailure()
	r.ReportFailure()
	r.ReportSuccess()
	if got := r.Observe().ConsecutiveFailures; got != 0 {
		t.Fatalf("expected failures reset to 0, got %d", got)
	}
}

func TestSetOffResetsCounters(t *testing.T) {
	r := New()
	r.Start()
	r.ReportReadings(10, "accel")
	r.ReportQueueDepth(5)
	r.SetOff()

	snap := r.Observe()
	if snap.Status != StateOff {
		t.Fatalf("expected off after SetOff, got %s", snap.Status)
	}
	if snap.TotalReadings != 0 || snap.QueueDepth != 0 {
		t.Fatalf("expected counters reset, got %+v", snap)
	}
}

func TestLatencyRingWraps(t *testing.T) {
	r := New()
	for i := 0; i < latencyRingSize+10; i++ {
		r.ReportLatency(int64(i))
	}
	snap := r.Observe()
	if snap.LatencyLastMS != float64(latencyRingSize+9) {
		t.Fatalf("expected last sample to be most recent, got %v", snap.LatencyLastMS)
	}
}
