package queue

import (
	"context"
	"fmt"
	"time"
)

// InsertPending appends to the in-memory micro-batch; a 50ms timer or a
// size threshold of 100 triggers one exclusive transaction inserting all
// buffered rows (spec §4.3). If batch_id already exists the row is silently
// ignored (insert-or-ignore, spec §3 invariant 1).
func (q *Queue) InsertPending(ctx context.Context, batchID, payload string, qos int) error {
	return q.enqueueInsert(ctx, batchID, payload, qos, false)
}

// InsertPendingImmediate bypasses the coalesce window entirely, used from
// contexts where the process may die imminently (spec §4.3, the background
// location task per §4.8 step 3).
func (q *Queue) InsertPendingImmediate(ctx context.Context, batchID, payload string, qos int) error {
	return q.enqueueInsert(ctx, batchID, payload, qos, true)
}

func (q *Queue) enqueueInsert(ctx context.Context, batchID, payload string, qos int, immediate bool) error {
	if err := q.maybeEvict(ctx); err != nil {
		q.logger.Warnf("eviction check failed: %v", err)
	}

	if immediate {
		return q.insertOneRow(ctx, batchID, payload, qos)
	}

	done := make(chan error, 1)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return q.insertOneRow(ctx, batchID, payload, qos)
	}
	q.pendingBuf = append(q.pendingBuf, pendingInsert{batchID: batchID, payload: payload, qos: qos, done: done})
	shouldFlushNow := len(q.pendingBuf) >= microBatchSize
	if q.timer == nil && !shouldFlushNow {
		q.timer = time.AfterFunc(microBatchWindow, q.onTimerFire)
	}
	var toFlush []pendingInsert
	if shouldFlushNow {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		toFlush = q.pendingBuf
		q.pendingBuf = nil
	}
	q.mu.Unlock()

	if toFlush != nil {
		q.flushMicroBatch(ctx, toFlush)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) onTimerFire() {
	q.mu.Lock()
	q.timer = nil
	buf := q.pendingBuf
	q.pendingBuf = nil
	q.mu.Unlock()

	if len(buf) > 0 {
		q.flushMicroBatch(context.Background(), buf)
	}
}

// flushMicroBatch inserts every buffered row in one exclusive transaction.
// If the transaction fails, it falls back to one-by-one inserts so no data
// is lost (spec §4.3).
func (q *Queue) flushMicroBatch(ctx context.Context, buf []pendingInsert) {
	// db.SetMaxOpenConns(1) gives each transaction exclusive use of the
	// single WAL connection, so concurrent flushMicroBatch calls already
	// serialize at the driver; isFlushing only records that state and is
	// not read elsewhere in the package.
	q.mu.Lock()
	q.isFlushing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.isFlushing = false
		q.mu.Unlock()
	}()

	inserted, err := q.insertTxn(ctx, buf)
	if err == nil {
		for _, p := range buf {
			p.done <- nil
		}
		q.cachedDepth.Add(inserted)
		return
	}

	q.logger.Warnf("micro-batch transaction failed, falling back to per-row insert: %v", err)
	for _, p := range buf {
		rowErr := q.insertOneRow(ctx, p.batchID, p.payload, p.qos)
		p.done <- rowErr
	}
}

// insertTxn inserts the whole buffer in one transaction and returns the
// number of rows actually inserted. ON CONFLICT DO NOTHING means a
// duplicate batch_id affects zero rows, so the caller must gate
// cachedDepth on this count rather than len(buf) (spec §3 invariant 1:
// a skipped duplicate must not inflate the depth counter).
func (q *Queue) insertTxn(ctx context.Context, buf []pendingInsert) (int64, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensor_queue (batch_id, payload, qos, status, created_at, retry_count)
		VALUES (?, ?, ?, 'pending', ?, 0)
		ON CONFLICT(batch_id) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := q.nowFn()
	var inserted int64
	for _, p := range buf {
		res, err := stmt.ExecContext(ctx, p.batchID, p.payload, p.qos, now)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (q *Queue) insertOneRow(ctx context.Context, batchID, payload string, qos int) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO sensor_queue (batch_id, payload, qos, status, created_at, retry_count)
		VALUES (?, ?, ?, 'pending', ?, 0)
		ON CONFLICT(batch_id) DO NOTHING`, batchID, payload, qos, q.nowFn())
	if err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.cachedDepth.Add(1)
	}
	return nil
}

// maybeEvict enforces the depth cap of spec §4.3/§5: before accepting a new
// insert, if the cached pending count exceeds MaxQueueDepth, evict the
// oldest EvictionBatchSize rows with status = pending. sent rows are never
// evicted — they've already been transmitted and are awaiting ack.
func (q *Queue) maybeEvict(ctx context.Context) error {
	if q.cachedDepth.Load() <= MaxQueueDepth {
		return nil
	}
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM sensor_queue WHERE id IN (
			SELECT id FROM sensor_queue WHERE status = 'pending'
			ORDER BY created_at ASC LIMIT ?
		)`, EvictionBatchSize)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.cachedDepth.Add(-n)
		q.logger.Warnf("evicted %d oldest pending rows: queue depth cap exceeded", n)
	}
	return nil
}
