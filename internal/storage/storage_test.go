package storage

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func setupKV(t *testing.T) *KV {
	t.Helper()
	kv, err := OpenKV(filepath.Join(t.TempDir(), "nwc.db"))
	if err != nil {
		t.Fatalf("open kv failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestKVRoundTrip(t *testing.T) {
	kv := setupKV(t)

	if got, err := kv.GetItem("connections"); err != nil || got != nil {
		t.Fatalf("expected nil for missing key, got %v err %v", got, err)
	}

	if err := kv.SetItem("connections", []byte(`[{"id":"a"}]`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := kv.GetItem("connections")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != `[{"id":"a"}]` {
		t.Fatalf("round trip mismatch: %s", got)
	}

	// Full-value replace, not merge.
	if err := kv.SetItem("connections", []byte(`[]`)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _ = kv.GetItem("connections")
	if string(got) != `[]` {
		t.Fatalf("overwrite not applied: %s", got)
	}
}

func TestKVDeleteIsIdempotent(t *testing.T) {
	kv := setupKV(t)

	if err := kv.SetItem("k", []byte("v")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := kv.DeleteItem("k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := kv.DeleteItem("k"); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if got, _ := kv.GetItem("k"); got != nil {
		t.Fatalf("expected nil after delete, got %s", got)
	}
}

func setupActivityDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "activity.db"))
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := setupActivityDB(t)
	if err := NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestActivityLogRecordAndList(t *testing.T) {
	db := setupActivityDB(t)
	log := NewActivityLog(db, zap.NewNop())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := log.Record(ActivityEntry{
			ConnectionID: "conn-1",
			Method:       "pay_invoice",
			AmountMsat:   int64(1000 * (i + 1)),
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record %d failed: %v", i, err)
		}
	}
	if err := log.Record(ActivityEntry{
		ConnectionID: "conn-2",
		Method:       "get_balance",
	}); err != nil {
		t.Fatalf("record other connection failed: %v", err)
	}

	entries, err := log.ListByConnection("conn-1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].AmountMsat != 3000 {
		t.Fatalf("expected newest first, got amount %d", entries[0].AmountMsat)
	}

	limited, err := log.ListByConnection("conn-1", 2)
	if err != nil {
		t.Fatalf("limited list failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 entries with limit, got %d", len(limited))
	}
}

func TestActivityLogDeleteByConnection(t *testing.T) {
	db := setupActivityDB(t)
	log := NewActivityLog(db, zap.NewNop())

	if err := log.Record(ActivityEntry{ConnectionID: "conn-1", Method: "get_info"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := log.DeleteByConnection("conn-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	entries, err := log.ListByConnection("conn-1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries after delete, got %d", len(entries))
	}
}
