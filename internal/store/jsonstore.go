package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiro-gateway/kirogate/internal/pool"
)

const debounceWindow = time.Second

type fileShape struct {
	Accounts []pool.Account `json:"accounts"`
}

// JSONStore persists the account pool as a single JSON file, with
// read-modify-write serialized by an in-memory mutex and writes coalesced
// by a debounce timer. Atomic replace is write-temp + fsync + rename.
type JSONStore struct {
	path string

	mu       sync.Mutex
	accounts map[string]pool.Account
	usage    map[string]UsageCacheEntry
	history  []HealthCheckRecord

	dirty      bool
	flushTimer *time.Timer
}

// NewJSONStore loads (or migrates, or initializes) the pool file at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{path: path, accounts: map[string]pool.Account{}, usage: map[string]UsageCacheEntry{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.migrateLegacy()
		}
		return fmt.Errorf("jsonstore: read %s: %w", s.path, err)
	}

	var shape fileShape
	if err = json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("jsonstore: corrupt account pool file %s: %w", s.path, err)
	}
	for _, a := range shape.Accounts {
		s.accounts[a.ID] = a
	}
	return nil
}

// legacyShape mirrors an older multi-provider pool file layout, from which
// only the claude-kiro-oauth provider's accounts are migrated.
type legacyShape struct {
	Providers map[string][]pool.Account `json:"providers"`
}

func (s *JSONStore) migrateLegacy() error {
	legacyPath := filepath.Join(filepath.Dir(s.path), "provider_pools.json")
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return nil
	}

	var legacy legacyShape
	if err = json.Unmarshal(data, &legacy); err != nil {
		log.WithError(err).Warn("jsonstore: legacy provider_pools.json unreadable, ignoring")
		return nil
	}
	accounts := legacy.Providers["claude-kiro-oauth"]
	if len(accounts) == 0 {
		return nil
	}

	seen := map[string]bool{}
	for _, a := range accounts {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		s.accounts[a.ID] = a
	}

	if err = s.flushNow(); err != nil {
		return err
	}
	backup := legacyPath + "." + time.Now().UTC().Format("20060102T150405Z") + ".bak"
	_ = os.Rename(legacyPath, backup)
	log.WithField("migrated", len(s.accounts)).Info("jsonstore: migrated legacy provider_pools.json")
	return nil
}

func (s *JSONStore) LoadAll() ([]pool.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pool.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *JSONStore) Upsert(a pool.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.UpdatedAt = time.Now().UTC()
	if existing, ok := s.accounts[a.ID]; ok {
		a.CreatedAt = existing.CreatedAt
	} else {
		a.CreatedAt = a.UpdatedAt
	}
	s.accounts[a.ID] = a
	return s.markDirty()
}

func (s *JSONStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return s.markDirty()
}

func (s *JSONStore) UpdateHealth(id string, f HealthFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("jsonstore: account %s not found", id)
	}
	if f.Healthy != nil {
		a.Healthy = *f.Healthy
	}
	if f.Disabled != nil {
		a.Disabled = *f.Disabled
	}
	if f.IncrementErrorCount {
		a.ErrorCount++
		if f.ErrorCountThreshold > 0 && a.ErrorCount >= f.ErrorCountThreshold {
			a.Healthy = false
		}
	} else if f.ErrorCount != nil {
		a.ErrorCount = *f.ErrorCount
	}
	if f.ResetUsageCount {
		a.UsageCount = 0
	}
	if f.LastErrorTime != nil {
		a.LastErrorTime = *f.LastErrorTime
	}
	if f.LastErrorMessage != nil {
		a.LastErrorMessage = *f.LastErrorMessage
	}
	if f.LastHealthCheckTime != nil {
		a.LastHealthCheckTime = *f.LastHealthCheckTime
	}
	if f.LastHealthCheckModel != nil {
		a.LastHealthCheckModel = *f.LastHealthCheckModel
	}
	if f.CachedEmail != nil {
		a.CachedEmail = *f.CachedEmail
	}
	if f.CachedUserID != nil {
		a.CachedUserID = *f.CachedUserID
	}
	a.UpdatedAt = time.Now().UTC()
	s.accounts[id] = a
	return s.markDirty()
}

func (s *JSONStore) IncrementUsage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("jsonstore: account %s not found", id)
	}
	a.UsageCount++
	a.LastUsed = time.Now().UTC()
	s.accounts[id] = a
	return s.markDirty()
}

func (s *JSONStore) SetDisabled(id string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("jsonstore: account %s not found", id)
	}
	a.Disabled = disabled
	s.accounts[id] = a
	return s.markDirty()
}

func (s *JSONStore) GetUsageCache(accountID string) (*UsageCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.usage[accountID]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return nil, nil
	}
	return &entry, nil
}

func (s *JSONStore) SetUsageCache(entry UsageCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[entry.AccountID] = entry
	return nil
}

func (s *JSONStore) GetUsageCacheBatch(accountIDs []string) (map[string]UsageCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]UsageCacheEntry{}
	now := time.Now()
	for _, id := range accountIDs {
		if entry, ok := s.usage[id]; ok && now.Before(entry.ExpiresAt) {
			out[id] = entry
		}
	}
	return out, nil
}

func (s *JSONStore) CleanExpiredUsageCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, entry := range s.usage {
		if now.After(entry.ExpiresAt) {
			delete(s.usage, id)
		}
	}
	return nil
}

func (s *JSONStore) RecordHealthCheck(rec HealthCheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	return nil
}

func (s *JSONStore) CleanOldHealthHistory(retain time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-retain)
	kept := s.history[:0]
	for _, rec := range s.history {
		if rec.CheckTime.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	s.history = kept
	return nil
}

// markDirty must be called with s.mu held. It schedules (or reuses) a
// debounce timer that flushes all accumulated writes in one disk write.
func (s *JSONStore) markDirty() error {
	s.dirty = true
	if s.flushTimer != nil {
		return nil
	}
	s.flushTimer = time.AfterFunc(debounceWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.flushTimer = nil
		if !s.dirty {
			return
		}
		if err := s.flushLocked(); err != nil {
			log.WithError(err).Error("jsonstore: debounced flush failed")
		}
	})
	return nil
}

// flushNow forces an immediate synchronous write, used during migration
// and shutdown.
func (s *JSONStore) flushNow() error {
	return s.flushLocked()
}

// flushLocked must be called with s.mu held.
func (s *JSONStore) flushLocked() error {
	out := make([]pool.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	data, err := json.MarshalIndent(fileShape{Accounts: out}, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonstore: marshal: %w", err)
	}

	if err = atomicWriteFile(s.path, data, 0o600); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// atomicWriteFile writes data to a sibling temp file, fsyncs it, then
// renames it over path — a temp+rename idiom with an fsync added before
// the rename for crash safety.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("jsonstore: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("jsonstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonstore: write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonstore: fsync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonstore: close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonstore: chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonstore: rename temp file: %w", err)
	}
	return nil
}

func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	if s.dirty {
		return s.flushLocked()
	}
	return nil
}
