package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sensor-streamer/internal/queue"
)

const (
	maxQueueRetryCount = 20
	drainFetchLimit    = 100
	drainChunkSize     = 50
	drainFastInterval  = 5 * time.Second
	drainSlowInterval  = 30 * time.Second
)

// Drainer runs the adaptive drain loop of spec §4.4 against the persistent
// queue, independent of the coalescing publish path used for freshly
// produced batches.
type Drainer struct {
	client   *Client
	q        *queue.Queue
	reporter Reporter
	logger   Logger
}

func NewDrainer(client *Client, q *queue.Queue, reporter Reporter, logger Logger) *Drainer {
	return &Drainer{client: client, q: q, reporter: reporter, logger: logger}
}

// Run loops until ctx is cancelled, adapting its cadence to queue state:
// fast while work exists, slow once drained, skipped while the circuit is
// open (spec §4.4).
func (d *Drainer) Run(ctx context.Context) {
	for {
		interval := d.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// pass executes one drain pass and returns the interval to wait before the
// next one.
func (d *Drainer) pass(ctx context.Context) time.Duration {
	depth := d.q.CountPending(ctx)
	d.reporter.ReportQueueDepth(depth)

	if d.client.CircuitOpen() {
		return drainSlowInterval
	}
	if depth == 0 {
		return drainSlowInterval
	}

	rows, err := d.q.ListUnacked(ctx, drainFetchLimit)
	if err != nil {
		d.logger.Errorf("drain: list unacked failed: %v", err)
		return drainSlowInterval
	}
	if len(rows) == 0 {
		return drainSlowInterval
	}

	var failIDs []string
	var sendable []queue.Row
	for _, r := range rows {
		if r.RetryCount >= maxQueueRetryCount {
			failIDs = append(failIDs, r.BatchID)
			continue
		}
		sendable = append(sendable, r)
	}
	for _, id := range failIDs {
		if err := d.q.MarkFailed(ctx, id); err != nil {
			d.logger.Warnf("drain: mark failed for %s: %v", id, err)
		}
	}

	for start := 0; start < len(sendable); start += drainChunkSize {
		end := start + drainChunkSize
		if end > len(sendable) {
			end = len(sendable)
		}
		chunk := sendable[start:end]
		if !d.sendChunk(ctx, chunk) {
			// network likely down: stop this pass, wait for the next cycle.
			return drainFastInterval
		}
	}
	return drainFastInterval
}

// sendChunk sends one coalesced group of ≤50 rows with up to 3 immediate
// attempts (spec §4.4 retry policy). Returns false if the chunk
// ultimately failed, signalling the caller to break the drain pass.
func (d *Drainer) sendChunk(ctx context.Context, chunk []queue.Row) bool {
	lines := make([]Line, 0, len(chunk))
	legacy := make([]queue.Row, 0)
	for _, r := range chunk {
		if isLegacyPayload(r.Payload) {
			legacy = append(legacy, r)
			continue
		}
		line, err := LineFromRow(r.BatchID, r.Payload)
		if err != nil {
			d.logger.Warnf("drain: malformed payload for %s, treating as legacy: %v", r.BatchID, err)
			legacy = append(legacy, r)
			continue
		}
		lines = append(lines, line)
	}

	ok := true
	if len(lines) > 0 {
		ok = d.sendWithRetry(ctx, lines, chunk) && ok
	}
	for _, r := range legacy {
		if err := d.sendLegacy(ctx, r); err != nil {
			d.logger.Warnf("drain: legacy send failed for %s: %v", r.BatchID, err)
			_ = d.q.BumpRetry(ctx, r.BatchID)
			ok = false
			continue
		}
		if err := d.q.MarkAcked(ctx, r.BatchID); err != nil {
			d.logger.Warnf("drain: mark acked for legacy %s: %v", r.BatchID, err)
		}
	}
	return ok
}

// sendWithRetry attempts the coalesced group up to 3 times with exponential
// backoff, then bumps retry_count for every member on final failure.
func (d *Drainer) sendWithRetry(ctx context.Context, lines []Line, rows []queue.Row) bool {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.BatchID)
	}

	op := func() error {
		return d.client.sendCoalescedGroup(ctx, lines)
	}
	err := backoff.Retry(op, backoff.WithContext(newBackoff(), ctx))
	if err != nil {
		for _, id := range ids {
			if bumpErr := d.q.BumpRetry(ctx, id); bumpErr != nil {
				d.logger.Warnf("drain: bump retry for %s: %v", id, bumpErr)
			}
		}
		return false
	}

	// sendCoalescedGroup already acked every id on success via the client's
	// acker (spec §4.4); nothing further to do here.
	return true
}

func (d *Drainer) sendLegacy(ctx context.Context, r queue.Row) error {
	return d.client.publishLegacy(ctx, r.Payload)
}
