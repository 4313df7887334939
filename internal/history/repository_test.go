package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rlanyon/farmhub/internal/device"
)

// setupTestDB creates an in-memory SQLite database with the history table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE device_state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			udid TEXT NOT NULL,
			state TEXT NOT NULL,
			previous_state TEXT NOT NULL DEFAULT '',
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX idx_state_history_udid ON device_state_history (udid, recorded_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// insertRow inserts a history row with a specific timestamp.
func insertRow(t *testing.T, db *sql.DB, udid, state, previous string, recordedAt time.Time) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO device_state_history (udid, state, previous_state, recorded_at) VALUES (?, ?, ?, ?)",
		udid, state, previous, recordedAt.UnixMilli(),
	)
	if err != nil {
		t.Fatalf("failed to insert history row: %v", err)
	}
}

func TestRecordTransition(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	err := repo.RecordTransition(ctx, "emulator-5554", device.StateOffline, device.StateOnline)
	if err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}

	entries, err := repo.History(ctx, "emulator-5554", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.State != device.StateOnline || e.PreviousState != device.StateOffline {
		t.Errorf("entry = %+v, want offline → online", e)
	}
	if time.Since(e.RecordedAt) > time.Minute {
		t.Errorf("recorded_at = %v, want recent", e.RecordedAt)
	}
}

func TestRecordTransitionRequiresUDID(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	if err := repo.RecordTransition(context.Background(), "", "", device.StateOnline); err == nil {
		t.Fatal("expected error for empty udid")
	}
}

func TestHistoryNewestFirstAndScoped(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	now := time.Now()
	insertRow(t, db, "emulator-5554", "online", "", now.Add(-3*time.Hour))
	insertRow(t, db, "emulator-5554", "offline", "online", now.Add(-2*time.Hour))
	insertRow(t, db, "emulator-5554", "online", "offline", now.Add(-time.Hour))
	insertRow(t, db, "other-device", "online", "", now)

	entries, err := repo.History(ctx, "emulator-5554", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].State != device.StateOnline || entries[1].State != device.StateOffline {
		t.Errorf("entries not newest first: %+v", entries)
	}
	for _, e := range entries {
		if e.UDID != "emulator-5554" {
			t.Errorf("entry for %q leaked into history", e.UDID)
		}
	}
}

func TestHistoryClampsLimit(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	for i := 0; i < maxHistoryLimit+10; i++ {
		insertRow(t, db, "emulator-5554", "online", "offline", time.Now().Add(-time.Duration(i)*time.Second))
	}

	entries, err := repo.History(ctx, "emulator-5554", maxHistoryLimit*2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != maxHistoryLimit {
		t.Errorf("got %d entries, want clamp at %d", len(entries), maxHistoryLimit)
	}
}

func TestPrune(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	now := time.Now()
	insertRow(t, db, "emulator-5554", "online", "", now.Add(-48*time.Hour))
	insertRow(t, db, "emulator-5554", "offline", "online", now.Add(-36*time.Hour))
	insertRow(t, db, "emulator-5554", "online", "offline", now.Add(-time.Hour))

	deleted, err := repo.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	entries, err := repo.History(ctx, "emulator-5554", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries after prune, want 1", len(entries))
	}

	if _, err := repo.Prune(ctx, 0); err == nil {
		t.Error("expected error for non-positive retention")
	}
}
