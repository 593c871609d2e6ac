package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestBoltSideIndexUsageCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenBoltSideIndex(filepath.Join(dir, "side.db"))
	if err != nil {
		t.Fatalf("OpenBoltSideIndex: %v", err)
	}
	defer idx.Close()

	entry := UsageCacheEntry{AccountID: "a1", Payload: []byte(`{"usage":1}`), CachedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	if err := idx.CacheUsage(entry); err != nil {
		t.Fatalf("CacheUsage: %v", err)
	}

	got, err := idx.LookupUsage("a1")
	if err != nil {
		t.Fatalf("LookupUsage: %v", err)
	}
	if got == nil || string(got.Payload) != `{"usage":1}` {
		t.Fatalf("LookupUsage = %+v", got)
	}

	if err := idx.InvalidateUsage("a1"); err != nil {
		t.Fatalf("InvalidateUsage: %v", err)
	}
	got, err = idx.LookupUsage("a1")
	if err != nil {
		t.Fatalf("LookupUsage after invalidate: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after invalidate, got %+v", got)
	}
}

func TestBoltSideIndexUsageCacheExpired(t *testing.T) {
	dir := t.TempDir()
	idx, _ := OpenBoltSideIndex(filepath.Join(dir, "side.db"))
	defer idx.Close()

	_ = idx.CacheUsage(UsageCacheEntry{AccountID: "a1", Payload: []byte("x"), ExpiresAt: time.Now().Add(-time.Minute)})
	got, err := idx.LookupUsage("a1")
	if err != nil {
		t.Fatalf("LookupUsage: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired entry to be treated as a miss, got %+v", got)
	}
}

func TestBoltSideIndexHealthHistoryBoundedAndOrdered(t *testing.T) {
	dir := t.TempDir()
	idx, _ := OpenBoltSideIndex(filepath.Join(dir, "side.db"))
	defer idx.Close()

	for i := 0; i < maxHealthHistoryPerAccount+10; i++ {
		rec := HealthCheckRecord{AccountID: "a1", Success: i%2 == 0, CheckModel: "m", CheckTime: time.Now()}
		if err := idx.RecordHealthCheck(rec); err != nil {
			t.Fatalf("RecordHealthCheck #%d: %v", i, err)
		}
	}

	hist, err := idx.RecentHealthHistory("a1", 0)
	if err != nil {
		t.Fatalf("RecentHealthHistory: %v", err)
	}
	if len(hist) != maxHealthHistoryPerAccount {
		t.Fatalf("len(hist) = %d, want %d (pruning should bound the ring)", len(hist), maxHealthHistoryPerAccount)
	}

	limited, err := idx.RecentHealthHistory("a1", 3)
	if err != nil {
		t.Fatalf("RecentHealthHistory limited: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("len(limited) = %d, want 3", len(limited))
	}
}

func TestBoltSideIndexLookupMissReturnsNil(t *testing.T) {
	dir := t.TempDir()
	idx, _ := OpenBoltSideIndex(filepath.Join(dir, "side.db"))
	defer idx.Close()

	got, err := idx.LookupUsage("does-not-exist")
	if err != nil {
		t.Fatalf("LookupUsage: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown account, got %+v", got)
	}
}
