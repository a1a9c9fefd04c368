// Package queue implements the durable on-disk queue of spec §4.3: a
// single-table SQLite (WAL-mode) store of pending batches with an ACK
// lifecycle, retention maintenance, and a depth cap. Grounded on the
// teacher's transactional batch-insert shape
// (internal/ingestion/repository.go's CreateInBatches) and on the pack's
// batched-SQLite-write daemon
// (other_examples/..._Mr-Dark-debug-Oculo__internal-ingestion-daemon.go),
// generalized from gorm+Postgres / a custom socket protocol to raw
// database/sql against an embedded, on-device SQLite file.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	appErrors "sensor-streamer/pkg/errors"
)

// Status is a queue row's lifecycle state (spec §3 invariant 2: one-way
// transitions, pending → sent → acked, or pending/sent → failed).
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusAcked   Status = "acked"
	StatusFailed  Status = "failed"
)

const (
	// MaxQueueDepth is the pressure-relief cap of spec §4.3/§5: pending +
	// sent must never exceed this.
	MaxQueueDepth = 10_000
	// EvictionBatchSize is how many oldest-pending rows are dropped once
	// the cap is crossed.
	EvictionBatchSize = 500

	ackedBulkChunkSize  = 500
	microBatchSize      = 100
	microBatchWindow    = 50 * time.Millisecond
	depthRefreshWindow  = 30 * time.Second
)

// Row mirrors the queue row of spec §3.
type Row struct {
	ID         int64
	BatchID    string
	Payload    string
	QoS        int
	Status     Status
	CreatedAt  int64
	SentAt     *int64
	AckedAt    *int64
	RetryCount int
}

// Stats is the per-status count summary get_stats() returns (spec §4.3).
type Stats struct {
	Pending         int64
	Sent            int64
	Acked           int64
	Failed          int64
	OldestPendingMS int64 // age in ms of the oldest pending row, 0 if none
}

type pendingInsert struct {
	batchID string
	payload string
	qos     int
	done    chan error
}

// Queue is the persistent store. It owns a background micro-batcher that
// coalesces individual insert_pending calls into one transaction per 50ms
// window or 100 rows, whichever comes first (spec §4.3's crash-safe
// micro-batching).
type Queue struct {
	db     *sql.DB
	nowFn  func() int64
	logger Logger

	mu          sync.Mutex
	pendingBuf  []pendingInsert
	timer       *time.Timer
	isFlushing  bool
	closed      bool

	cachedDepth     atomic.Int64
	depthLastExact  atomic.Int64 // unix ms of last exact refresh
}

// Logger is the narrow slice of *zap.Logger the queue needs, so tests don't
// have to construct a real logger.
type Logger interface {
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Open creates (if needed) and opens the SQLite-backed queue at path,
// applying the WAL/NORMAL/cache pragmas spec §4.3 requires and creating the
// covering partial indices that power the drain-list and retention queries.
func Open(path string, logger Logger) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrQueueUnavailable, err)
	}
	db.SetMaxOpenConns(1) // single-writer WAL file; avoid SQLITE_BUSY across pooled conns

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", appErrors.ErrQueueUnavailable, err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", appErrors.ErrQueueUnavailable, err)
	}

	q := &Queue{
		db:     db,
		nowFn:  nowMS,
		logger: logger,
	}
	if err := migrateLegacyTimestamps(db); err != nil {
		logger.Warnf("legacy timestamp migration skipped: %v", err)
	}
	if err := q.refreshDepthExact(context.Background()); err != nil {
		logger.Warnf("initial depth refresh failed: %v", err)
	}
	return q, nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

// DB exposes the underlying connection so co-located stores (device
// identity, permission gate) can share the same on-device SQLite file
// instead of opening a second handle.
func (q *Queue) DB() *sql.DB { return q.db }

func applyPragmas(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-4096", // ~4 MiB page cache
		"PRAGMA temp_store=MEMORY",
		"PRAGMA mmap_size=67108864", // 64 MiB
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("pragma %q: %w", s, err)
		}
	}
	return nil
}

func createSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sensor_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL,
	qos INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	sent_at INTEGER,
	acked_at INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_unacked
	ON sensor_queue(status, created_at ASC)
	WHERE status IN ('pending', 'sent');
CREATE INDEX IF NOT EXISTS idx_queue_acked_retention
	ON sensor_queue(acked_at)
	WHERE status = 'acked';
CREATE INDEX IF NOT EXISTS idx_queue_failed_retention
	ON sensor_queue(created_at)
	WHERE status = 'failed';
`
	_, err := db.Exec(schema)
	return err
}

// migrateLegacyTimestamps is a one-time, best-effort conversion for
// deployments that previously stored text datetimes instead of integer
// epoch ms (spec §4.3 migration, §9 open question 2). It is a no-op on a
// fresh database and never fails the Open call.
func migrateLegacyTimestamps(db *sql.DB) error {
	// created_at is declared INTEGER; if rows were ever inserted with text
	// values SQLite's dynamic typing preserves them, and a TYPEOF check
	// tells us whether a migration pass is needed at all.
	var typeofResult string
	if err := db.QueryRow(`SELECT typeof(created_at) FROM sensor_queue LIMIT 1`).Scan(&typeofResult); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if typeofResult == "integer" || typeofResult == "" {
		return nil
	}
	_, err := db.Exec(`
		UPDATE sensor_queue SET created_at = CAST(strftime('%s', created_at) AS INTEGER) * 1000
		WHERE typeof(created_at) = 'text'`)
	return err
}

// Close flushes any pending micro-batch of inserts and runs a final
// checkpoint (spec §4.3).
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	buf := q.pendingBuf
	q.pendingBuf = nil
	q.mu.Unlock()

	if len(buf) > 0 {
		q.flushMicroBatch(context.Background(), buf)
	}

	_, _ = q.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return q.db.Close()
}
