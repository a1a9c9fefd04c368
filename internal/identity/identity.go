// Package identity persists the device identifier and the user's sensor-
// capture permission decision (spec §4.7), backed by a small key-value table
// in the same on-device SQLite file the queue uses. Grounded on the
// teacher's internal/ingestion/repository.go (raw-SQL repository wrapping a
// *sql.DB), generalized from gorm+Postgres device/shipment lookups to a
// two-column key-value store since there is no server-side device registry
// on this side of the pipeline.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

const (
	deviceIDKey   = "sensor_device_id"
	permissionKey = "sensor_streaming_permission"
)

// PermissionState is the sensor-capture consent state (spec §4.7).
type PermissionState string

const (
	PermissionUndetermined PermissionState = "undetermined"
	PermissionGranted      PermissionState = "granted"
	PermissionDenied       PermissionState = "denied"
	PermissionLimited      PermissionState = "limited" // foreground granted, background denied
)

// Store is the key-value-backed device identity and permission gate.
type Store struct {
	db *sql.DB

	mu           sync.Mutex
	cachedDevice string // read once per process, per spec §4.7
}

// Open creates the key-value table (if needed) against an already-open
// SQLite connection — callers share the connection with the queue package
// so both live in one on-device file.
func Open(db *sql.DB) (*Store, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS sensor_kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create kv schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DeviceID resolves the persisted device ID, creating one on first use with
// the dev_<time36>_<uuid-suffix> format (spec §4.7). The value is cached
// after the first successful read for the lifetime of the process.
func (s *Store) DeviceID(ctx context.Context, nowMS int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedDevice != "" {
		return s.cachedDevice, nil
	}

	existing, err := s.get(ctx, deviceIDKey)
	if err != nil {
		return "", err
	}
	if existing != "" {
		s.cachedDevice = existing
		return existing, nil
	}

	id := "dev_" + strconv.FormatInt(nowMS, 36) + "_" + uuid.NewString()[:8]
	if err := s.set(ctx, deviceIDKey, id); err != nil {
		return "", err
	}
	s.cachedDevice = id
	return id, nil
}

// GetPermission returns the persisted permission decision, or
// PermissionUndetermined if never set (spec §4.7).
func (s *Store) GetPermission(ctx context.Context) (PermissionState, error) {
	v, err := s.get(ctx, permissionKey)
	if err != nil {
		return PermissionUndetermined, err
	}
	if v == "" {
		return PermissionUndetermined, nil
	}
	return PermissionState(v), nil
}

// SetPermission persists a new permission decision.
func (s *Store) SetPermission(ctx context.Context, state PermissionState) error {
	return s.set(ctx, permissionKey, string(state))
}

// ResetPermission reverts the stored decision to undetermined, used when the
// OS-level permission is found to have been revoked on resume (spec §4.7:
// "reset to undetermined and let the coordinator re-trigger the request
// once").
func (s *Store) ResetPermission(ctx context.Context) error {
	return s.SetPermission(ctx, PermissionUndetermined)
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sensor_kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensor_kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
