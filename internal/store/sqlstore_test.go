package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kiro-gateway/kirogate/internal/pool"
)

func TestSQLStoreUpsertAndLoadAll(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLStore(filepath.Join(dir, "pool.db"))
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	defer s.Close()

	if err = s.Upsert(pool.Account{ID: "a1", Healthy: true, CredentialsPath: "/creds/a1.json"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	accounts, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "a1" || !accounts[0].Healthy {
		t.Fatalf("accounts = %+v", accounts)
	}
}

func TestSQLStoreUpdateHealthAbsoluteSet(t *testing.T) {
	dir := t.TempDir()
	s, _ := OpenSQLStore(filepath.Join(dir, "pool.db"))
	defer s.Close()

	_ = s.Upsert(pool.Account{ID: "a1", Healthy: true})

	unhealthy := false
	errCount := 1
	if err := s.UpdateHealth("a1", HealthFields{Healthy: &unhealthy, ErrorCount: &errCount}); err != nil {
		t.Fatalf("UpdateHealth: %v", err)
	}

	accounts, _ := s.LoadAll()
	if len(accounts) != 1 || accounts[0].Healthy || accounts[0].ErrorCount != 1 {
		t.Fatalf("accounts = %+v", accounts)
	}
}

// TestSQLStoreUpdateHealthIncrementIsAtomic hammers the same account with
// concurrent IncrementErrorCount updates and asserts none are lost: the
// final error_count must equal exactly the number of calls made, which only
// holds if the increment is a single atomic UPDATE rather than a
// read-then-absolute-SET race.
func TestSQLStoreUpdateHealthIncrementIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s, _ := OpenSQLStore(filepath.Join(dir, "pool.db"))
	defer s.Close()

	_ = s.Upsert(pool.Account{ID: "a1", Healthy: true})

	const goroutines = 25
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			msg := "transient error"
			err := s.UpdateHealth("a1", HealthFields{
				IncrementErrorCount: true,
				ErrorCountThreshold: goroutines + 1, // never crosses, so Healthy stays true throughout
				LastErrorMessage:    &msg,
			})
			if err != nil {
				t.Errorf("UpdateHealth: %v", err)
			}
		}()
	}
	wg.Wait()

	accounts, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("accounts = %+v", accounts)
	}
	if accounts[0].ErrorCount != goroutines {
		t.Fatalf("error_count = %d, want %d (lost updates under concurrency)", accounts[0].ErrorCount, goroutines)
	}
}

func TestSQLStoreIncrementUsage(t *testing.T) {
	dir := t.TempDir()
	s, _ := OpenSQLStore(filepath.Join(dir, "pool.db"))
	defer s.Close()

	_ = s.Upsert(pool.Account{ID: "a1", Healthy: true})
	_ = s.IncrementUsage("a1")
	_ = s.IncrementUsage("a1")

	accounts, _ := s.LoadAll()
	if accounts[0].UsageCount != 2 {
		t.Fatalf("usage count = %d, want 2", accounts[0].UsageCount)
	}
}

func TestSQLStoreUsageCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, _ := OpenSQLStore(filepath.Join(dir, "pool.db"))
	defer s.Close()

	entry := UsageCacheEntry{AccountID: "a1", Payload: []byte(`{"remaining":5}`), CachedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.SetUsageCache(entry); err != nil {
		t.Fatalf("SetUsageCache: %v", err)
	}

	got, err := s.GetUsageCache("a1")
	if err != nil {
		t.Fatalf("GetUsageCache: %v", err)
	}
	if got == nil || string(got.Payload) != `{"remaining":5}` {
		t.Fatalf("got = %+v", got)
	}
}

func TestSQLStoreReopenPreservesSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.db")

	s1, err := OpenSQLStore(path)
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	_ = s1.Upsert(pool.Account{ID: "a1", Healthy: true})
	_ = s1.Close()

	s2, err := OpenSQLStore(path)
	if err != nil {
		t.Fatalf("OpenSQLStore (reopen): %v", err)
	}
	defer s2.Close()

	accounts, err := s2.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("accounts = %+v", accounts)
	}
}
