package queue

import (
	"context"
	"fmt"
	"strings"
)

// MarkSent performs a conditional update: only pending/sent rows are
// affected (spec §4.3).
func (q *Queue) MarkSent(ctx context.Context, batchID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sensor_queue SET status = 'sent', sent_at = ?
		WHERE batch_id = ? AND status IN ('pending', 'sent')`, q.nowFn(), batchID)
	return err
}

// MarkAcked conditionally updates a single row to acked and decrements the
// cached depth counter on change (spec §4.3).
func (q *Queue) MarkAcked(ctx context.Context, batchID string) error {
	now := q.nowFn()
	res, err := q.db.ExecContext(ctx, `
		UPDATE sensor_queue SET status = 'acked', acked_at = ?,
			sent_at = COALESCE(sent_at, ?)
		WHERE batch_id = ? AND status IN ('pending', 'sent')`, now, now, batchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.cachedDepth.Add(-n)
	}
	return nil
}

// MarkAckedBulk marks up to N ids acked, executed in chunks of
// ackedBulkChunkSize to respect statement-parameter limits, with one bulk
// decrement of the cached depth counter (spec §4.3). Repeating an id in the
// slice (or across calls) has no additional effect once a row is already
// acked — the status predicate makes this idempotent.
func (q *Queue) MarkAckedBulk(ctx context.Context, batchIDs []string) (int64, error) {
	if len(batchIDs) == 0 {
		return 0, nil
	}
	now := q.nowFn()
	var total int64
	for start := 0; start < len(batchIDs); start += ackedBulkChunkSize {
		end := start + ackedBulkChunkSize
		if end > len(batchIDs) {
			end = len(batchIDs)
		}
		chunk := batchIDs[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)+2)
		args = append(args, now, now)
		for i, id := range chunk {
			placeholders[i] = "?"
			args = append(args, id)
		}

		query := fmt.Sprintf(`
			UPDATE sensor_queue SET status = 'acked', acked_at = ?,
				sent_at = COALESCE(sent_at, ?)
			WHERE batch_id IN (%s) AND status IN ('pending', 'sent')`,
			strings.Join(placeholders, ","))

		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		q.cachedDepth.Add(-total)
	}
	return total, nil
}

// BumpRetry increments retry_count only on pending/sent rows (spec §4.3).
// retry_count is monotonically non-decreasing: once a row is acked or
// failed the predicate no longer matches, so BumpRetry becomes a no-op.
func (q *Queue) BumpRetry(ctx context.Context, batchID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sensor_queue SET retry_count = retry_count + 1
		WHERE batch_id = ? AND status IN ('pending', 'sent')`, batchID)
	return err
}

// MarkFailed is a terminal transition; decrements the cached depth counter
// on change (spec §4.3).
func (q *Queue) MarkFailed(ctx context.Context, batchID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sensor_queue SET status = 'failed'
		WHERE batch_id = ? AND status IN ('pending', 'sent')`, batchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.cachedDepth.Add(-n)
	}
	return nil
}

// CountPending returns the approximate depth using a cached counter,
// refreshed at most every 30s (spec §4.3). The exact recount,
// refreshDepthExact, is internal to the package; it also runs once in Open.
func (q *Queue) CountPending(ctx context.Context) int64 {
	last := q.depthLastExact.Load()
	if q.nowFn()-last > depthRefreshWindow.Milliseconds() {
		_ = q.refreshDepthExact(ctx)
	}
	return q.cachedDepth.Load()
}

func (q *Queue) refreshDepthExact(ctx context.Context) error {
	var n int64
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sensor_queue WHERE status IN ('pending', 'sent')`).Scan(&n)
	if err != nil {
		return err
	}
	q.cachedDepth.Store(n)
	q.depthLastExact.Store(q.nowFn())
	return nil
}

// ListUnacked returns up to limit rows with status IN (pending, sent)
// ordered by created_at ASC (spec §4.3), the query the covering partial
// index idx_queue_unacked powers.
func (q *Queue) ListUnacked(ctx context.Context, limit int) ([]Row, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, batch_id, payload, qos, status, created_at, sent_at, acked_at, retry_count
		FROM sensor_queue
		WHERE status IN ('pending', 'sent')
		ORDER BY created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var status string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Payload, &r.QoS, &status, &r.CreatedAt, &r.SentAt, &r.AckedAt, &r.RetryCount); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetStats returns per-status counts plus oldest-pending age in ms (spec
// §4.3).
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sensor_queue GROUP BY status`)
	if err != nil {
		return s, err
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return s, err
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = count
		case StatusSent:
			s.Sent = count
		case StatusAcked:
			s.Acked = count
		case StatusFailed:
			s.Failed = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, err
	}

	var oldest *int64
	err = q.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM sensor_queue WHERE status IN ('pending', 'sent')`).Scan(&oldest)
	if err != nil {
		return s, err
	}
	if oldest != nil {
		s.OldestPendingMS = q.nowFn() - *oldest
	}
	return s, nil
}

// PerformMaintenance deletes expired acked/failed rows (spec §4.3 /
// invariant 5) and, if a meaningful number of rows were removed, triggers a
// WAL truncation checkpoint to reclaim space.
func (q *Queue) PerformMaintenance(ctx context.Context, ackedRetentionMS, failedRetentionMS int64) error {
	now := q.nowFn()
	ackedCutoff := now - ackedRetentionMS
	failedCutoff := now - failedRetentionMS

	resAcked, err := q.db.ExecContext(ctx, `
		DELETE FROM sensor_queue WHERE status = 'acked' AND acked_at < ?`, ackedCutoff)
	if err != nil {
		return fmt.Errorf("purge acked rows: %w", err)
	}
	resFailed, err := q.db.ExecContext(ctx, `
		DELETE FROM sensor_queue WHERE status = 'failed' AND created_at < ?`, failedCutoff)
	if err != nil {
		return fmt.Errorf("purge failed rows: %w", err)
	}

	na, _ := resAcked.RowsAffected()
	nf, _ := resFailed.RowsAffected()
	if na+nf > 0 {
		q.logger.Warnf("maintenance purged %d acked and %d failed rows", na, nf)
		if _, err := q.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			q.logger.Warnf("wal checkpoint after maintenance failed: %v", err)
		}
	}
	return nil
}
