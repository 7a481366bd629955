package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/willibrandon/dbnav/internal/db"
	"github.com/willibrandon/dbnav/internal/executor"
)

func setupTestHistoryStore(t *testing.T, max int) *HistoryStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewHistoryStore(store, max)
}

func entry(profile, sql string, at time.Time) executor.Entry {
	return executor.Entry{
		Profile:  profile,
		SQL:      sql,
		Status:   db.StatusCompleted,
		Rows:     3,
		Duration: 12 * time.Millisecond,
		At:       at,
	}
}

func TestFingerprint_IgnoresLiteralsAndWhitespace(t *testing.T) {
	a := Fingerprint("SELECT * FROM orders WHERE id = 1")
	b := Fingerprint("select *\n  from orders where id = 42")
	if a != b {
		t.Errorf("expected equal fingerprints, got %d and %d", a, b)
	}
	if a == Fingerprint("SELECT * FROM customers WHERE id = 1") {
		t.Error("different tables should not share a fingerprint")
	}

	// MySQL quoting is not valid Postgres; whitespace still folds.
	m1 := Fingerprint("SELECT `id` FROM `t`")
	m2 := Fingerprint("SELECT  `id`\nFROM `t`")
	if m1 != m2 {
		t.Errorf("expected whitespace-insensitive fallback, got %d and %d", m1, m2)
	}
}

func TestHistoryStore_RecordAndRecent(t *testing.T) {
	store := setupTestHistoryStore(t, 0)
	ctx := context.Background()
	now := time.Now()

	if err := store.Record(ctx, entry("dev", "SELECT 1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	failed := entry("dev", "SELECT * FROM missing", now)
	failed.Status = db.StatusFailed
	failed.Err = errors.New(`relation "missing" does not exist`)
	if err := store.Record(ctx, failed); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entries, err := store.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].SQL != "SELECT * FROM missing" {
		t.Errorf("expected newest first, got %q", entries[0].SQL)
	}
	if entries[0].Status != "failed" || entries[0].Error == "" {
		t.Errorf("expected failed entry with error, got %+v", entries[0])
	}
	if entries[1].DurationMs != 12 || entries[1].RowCount != 3 {
		t.Errorf("unexpected stats: %+v", entries[1])
	}
}

func TestHistoryStore_Deduplicates(t *testing.T) {
	store := setupTestHistoryStore(t, 0)
	ctx := context.Background()
	now := time.Now()

	store.Record(ctx, entry("dev", "SELECT * FROM orders WHERE id = 1", now.Add(-2*time.Minute)))
	store.Record(ctx, entry("dev", "SELECT 2", now.Add(-time.Minute)))
	store.Record(ctx, entry("dev", "SELECT * FROM orders WHERE id = 7", now))
	store.Record(ctx, entry("prod", "SELECT * FROM orders WHERE id = 7", now))

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 entries, got %d", count)
	}

	entries, err := store.Recent(ctx, "dev", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 dev entries, got %d", len(entries))
	}
	if entries[0].SQL != "SELECT * FROM orders WHERE id = 7" || entries[0].Runs != 2 {
		t.Errorf("expected repeated statement on top with 2 runs, got %+v", entries[0])
	}
}

func TestHistoryStore_KeepsMaxEntries(t *testing.T) {
	store := setupTestHistoryStore(t, 5)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 8; i++ {
		sql := fmt.Sprintf("SELECT * FROM t%d", i)
		if err := store.Record(ctx, entry("dev", sql, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	entries, err := store.Recent(ctx, "", 100)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[4].SQL != "SELECT * FROM t3" {
		t.Errorf("expected oldest kept to be t3, got %q", entries[4].SQL)
	}
}

func TestHistoryStore_SearchAndClear(t *testing.T) {
	store := setupTestHistoryStore(t, 0)
	ctx := context.Background()
	now := time.Now()

	store.Record(ctx, entry("dev", "SELECT * FROM orders", now))
	store.Record(ctx, entry("dev", "SELECT * FROM customers", now))
	store.Record(ctx, entry("prod", "DELETE FROM ORDERS_archive", now))
	store.Record(ctx, entry("dev", "   ", now))

	found, err := store.Search(ctx, "orders", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("expected 2 matches, got %d", len(found))
	}

	if err := store.Clear(ctx, "dev"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	count, _ := store.Count(ctx)
	if count != 1 {
		t.Errorf("expected 1 entry after clearing dev, got %d", count)
	}
}
