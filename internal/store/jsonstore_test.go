package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiro-gateway/kirogate/internal/pool"
)

func TestJSONStoreUpsertAndFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account_pool.json")

	s, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	if err = s.Upsert(pool.Account{ID: "a1", Healthy: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err = s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var shape fileShape
	if err = json.Unmarshal(data, &shape); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(shape.Accounts) != 1 || shape.Accounts[0].ID != "a1" {
		t.Fatalf("accounts = %+v", shape.Accounts)
	}
}

func TestJSONStoreReloadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account_pool.json")

	s1, _ := NewJSONStore(path)
	_ = s1.Upsert(pool.Account{ID: "a1", Healthy: true})
	_ = s1.Close()

	s2, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore (reload): %v", err)
	}
	accounts, err := s2.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "a1" {
		t.Fatalf("accounts = %+v", accounts)
	}
}

func TestJSONStoreMigratesLegacyProviderPools(t *testing.T) {
	dir := t.TempDir()
	legacyPath := filepath.Join(dir, "provider_pools.json")
	legacy := legacyShape{Providers: map[string][]pool.Account{
		"claude-kiro-oauth": {{ID: "legacy-1", Healthy: true}},
		"other-provider":    {{ID: "ignored", Healthy: true}},
	}}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(legacyPath, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	path := filepath.Join(dir, "account_pool.json")
	s, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}

	accounts, _ := s.LoadAll()
	if len(accounts) != 1 || accounts[0].ID != "legacy-1" {
		t.Fatalf("accounts = %+v, want only legacy-1 migrated", accounts)
	}
	if _, err = os.Stat(legacyPath); !os.IsNotExist(err) {
		t.Fatalf("expected legacy file to be renamed away")
	}
}

func TestJSONStoreUsageCacheExpiry(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewJSONStore(filepath.Join(dir, "account_pool.json"))

	_ = s.SetUsageCache(UsageCacheEntry{AccountID: "a1", Payload: []byte("{}"), ExpiresAt: time.Now().Add(-time.Minute)})
	got, err := s.GetUsageCache("a1")
	if err != nil {
		t.Fatalf("GetUsageCache: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired entry to read as absent, got %+v", got)
	}

	_ = s.SetUsageCache(UsageCacheEntry{AccountID: "a2", Payload: []byte("{}"), ExpiresAt: time.Now().Add(time.Hour)})
	got, err = s.GetUsageCache("a2")
	if err != nil {
		t.Fatalf("GetUsageCache: %v", err)
	}
	if got == nil {
		t.Fatalf("expected live entry")
	}
}
