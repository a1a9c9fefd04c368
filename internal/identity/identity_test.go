package identity

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestDeviceIDIsStableAcrossCalls(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.DeviceID(ctx, 1000)
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	second, err := s.DeviceID(ctx, 2000)
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	if first != second {
		t.Fatalf("expected a stable device id, got %q then %q", first, second)
	}
}

func TestDeviceIDSurvivesCacheReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.DeviceID(ctx, 1000)
	if err != nil {
		t.Fatalf("device id: %v", err)
	}

	s.mu.Lock()
	s.cachedDevice = ""
	s.mu.Unlock()

	second, err := s.DeviceID(ctx, 3000)
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	if first != second {
		t.Fatalf("expected the persisted device id to survive an in-memory cache reset, got %q then %q", first, second)
	}
}

func TestPermissionDefaultsToUndetermined(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	state, err := s.GetPermission(ctx)
	if err != nil {
		t.Fatalf("get permission: %v", err)
	}
	if state != PermissionUndetermined {
		t.Fatalf("expected undetermined default, got %q", state)
	}
}

func TestSetAndResetPermission(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetPermission(ctx, PermissionGranted); err != nil {
		t.Fatalf("set permission: %v", err)
	}
	state, err := s.GetPermission(ctx)
	if err != nil {
		t.Fatalf("get permission: %v", err)
	}
	if state != PermissionGranted {
		t.Fatalf("expected granted, got %q", state)
	}

	if err := s.ResetPermission(ctx); err != nil {
		t.Fatalf("reset permission: %v", err)
	}
	state, err = s.GetPermission(ctx)
	if err != nil {
		t.Fatalf("get permission: %v", err)
	}
	if state != PermissionUndetermined {
		t.Fatalf("expected reset to undetermined, got %q", state)
	}
}
