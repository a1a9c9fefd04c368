// Package transport publishes batches to a remote columnar store over HTTP
// (spec §4.4). Grounded on the teacher's pkg/mqtt.Client (config-struct +
// constructor shape, connect/publish/disconnect lifecycle), generalized from
// a persistent MQTT session to a stateless HTTP client guarded by a circuit
// breaker, since the remote here is a request/response columnar sink
// (ClickHouse) rather than a broker.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	appErrors "sensor-streamer/pkg/errors"
)

// Config holds the remote endpoint and auth material (spec §6 external
// interfaces / §4.4 authentication). BreakerCooldown lets the background
// task (spec §4.8) run its own, simpler breaker timeout distinct from the
// foreground client's 30s default.
type Config struct {
	BaseURL         string
	User            string
	Password        string
	BreakerFailures uint32        // consecutive failures before tripping; 0 defaults to 5
	BreakerCooldown time.Duration // open-state cooldown; 0 defaults to 30s
}

// Reporter is the narrow slice of the status registry the client reports
// through (success/failure/latency/queue-depth, spec §4.5 step 4).
type Reporter interface {
	ReportSuccess()
	ReportFailure()
	ReportLatency(ms int64)
	ReportBatchSent(readingCount int)
	ReportBatchFailed()
	ReportQueueDepth(depth int64)
}

// Acker marks batches durably acknowledged once a publish attempt succeeds.
// Without this, a successful 2xx coalesced POST would leave its rows
// "pending" forever and the drain loop would resend them (spec §4.4/
// property 2: each batch is sent at most once after a confirmed ack).
type Acker interface {
	MarkAckedBulk(ctx context.Context, batchIDs []string) (int64, error)
}

// Logger is the narrow logging surface the client needs.
type Logger interface {
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Client publishes batches over HTTP, guarded by a circuit breaker, with a
// coalescing buffer (spec §4.4). The adaptive drain loop is the separate
// Drainer type, which sends through a Client.
type Client struct {
	cfg        Config
	authHeader string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	acker      Acker
	reporter   Reporter
	logger     Logger

	coalesce *coalesceBuffer
}

// New constructs a transport client. The Basic-auth header is computed once
// here and reused for every request (spec §4.4: "never re-encoded per
// request"). acker may be nil, but callers should pass the same *queue.Queue
// the batches were persisted to so a successful send acks them.
func New(cfg Config, acker Acker, reporter Reporter, logger Logger) *Client {
	raw := cfg.User + ":" + cfg.Password
	authHeader := "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "clickhouse-transport",
		MaxRequests: 2, // half_open: 2 consecutive successes required to close
		Interval:    0, // closed-state failure counter never auto-resets by time; only consecutive count matters
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	}

	c := &Client{
		cfg:        cfg,
		authHeader: authHeader,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		acker:      acker,
		reporter:   reporter,
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](settings)
	c.coalesce = newCoalesceBuffer(c.sendCoalescedGroup)
	return c
}

// CircuitOpen reports whether the breaker currently rejects publishes (spec
// §4.4/§5: "while open, zero HTTP requests are issued").
func (c *Client) CircuitOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// Publish hands one encoded batch line to the coalescing buffer (spec §4.4).
// It does not block for the remote round trip; coalesceBuffer flushes
// asynchronously at 50 members or a 100ms window.
func (c *Client) Publish(line Line) {
	c.coalesce.add(line)
}

// Shutdown forces the coalescing buffer to flush immediately and waits for
// that send to return; its outcome is not acted on, since the source batches
// are already persisted in the queue (spec §4.5 shutdown step 2).
func (c *Client) Shutdown() {
	c.coalesce.Drain()
}

// PublishNow bypasses coalescing and sends a single-member group immediately
// — used by the background location task, which keeps its own client/breaker
// pair (spec §4.8 step 4).
func (c *Client) PublishNow(ctx context.Context, line Line) error {
	return c.sendCoalescedGroup(ctx, []Line{line})
}

// sendCoalescedGroup POSTs one NDJSON body carrying every line in group and
// reports success/failure/latency to the registry (spec §4.4).
func (c *Client) sendCoalescedGroup(ctx context.Context, group []Line) error {
	if len(group) == 0 {
		return nil
	}
	body, err := encodeNDJSON(group)
	if err != nil {
		c.logger.Errorf("encode coalesced group: %v", err)
		return err
	}

	start := time.Now()
	_, err = c.breaker.Execute(func() (*http.Response, error) {
		return c.doPublish(ctx, body)
	})
	latencyMS := time.Since(start).Milliseconds()
	c.reporter.ReportLatency(latencyMS)

	if err != nil {
		c.reporter.ReportFailure()
		for range group {
			c.reporter.ReportBatchFailed()
		}
		return err
	}
	c.reporter.ReportSuccess()
	for _, l := range group {
		c.reporter.ReportBatchSent(l.readingCount)
	}
	c.ackGroup(ctx, group)
	return nil
}

// ackGroup marks every batch in a successfully sent group acked so the
// drain loop never resends it (spec §4.4: a 2xx response is the only
// trigger that retires a batch from the queue).
func (c *Client) ackGroup(ctx context.Context, group []Line) {
	if c.acker == nil {
		return
	}
	ids := make([]string, 0, len(group))
	for _, l := range group {
		ids = append(ids, l.BatchID)
	}
	if _, err := c.acker.MarkAckedBulk(ctx, ids); err != nil {
		c.logger.Errorf("ack coalesced group: %v", err)
	}
}

func (c *Client) doPublish(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, publishURL(c.cfg.BaseURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrPublishFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", appErrors.ErrPublishFailed, resp.StatusCode)
	}
	// Permanent 4xx: still a breaker failure (spec §4.4), caller decides
	// per-batch retryability via retry_count.
	return nil, fmt.Errorf("%w: status %d", appErrors.ErrPublishFailed, resp.StatusCode)
}

func publishURL(base string) string {
	return base + "?query=INSERT%20INTO%20rouptimize.sensor_queue%20FORMAT%20JSONEachRow"
}

// publishLegacy sends a pre-JSON payload via the read-only VALUES(...)
// migration path (spec §6), through the same breaker as the JSON path since
// it's still an HTTP call against the same sink.
func (c *Client) publishLegacy(ctx context.Context, payload string) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, legacyInsertQuery(c.cfg.BaseURL, payload), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", c.authHeader)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", appErrors.ErrLegacyFallback, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		return nil, fmt.Errorf("%w: status %d", appErrors.ErrLegacyFallback, resp.StatusCode)
	})
	c.reporter.ReportLatency(time.Since(start).Milliseconds())
	if err != nil {
		c.reporter.ReportFailure()
		return err
	}
	c.reporter.ReportSuccess()
	return nil
}

func totalReadings(group []Line) int {
	n := 0
	for _, l := range group {
		n += l.readingCount
	}
	return n
}

// newBackoff builds the per-batch drain-side retry policy: exponential,
// base 1s, factor 2, capped at 3 immediate attempts (spec §4.4).
func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries instead
	return backoff.WithMaxRetries(b, 2)
}
