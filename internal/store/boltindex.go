package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	usageCacheBucket  = []byte("usage_cache")
	healthHistoryRoot = []byte("health_history")
)

// maxHealthHistoryPerAccount bounds how many HealthCheckRecord entries
// BoltSideIndex retains per account; RecordHealthCheck prunes the oldest
// once this is exceeded.
const maxHealthHistoryPerAccount = 20

// BoltSideIndex is a bounded accelerator sitting in front of the primary
// Store: a usage-cache lookup keyed by account uuid, and a fixed-size ring
// of recent health-check records per account, both backed by a single
// go.etcd.io/bbolt file. It never replaces the primary Store as the
// source of truth - entries here are disposable and rebuilt from scratch
// (an empty Bolt file just means cache misses until repopulated).
type BoltSideIndex struct {
	db *bolt.DB
}

// OpenBoltSideIndex opens (creating if absent) the bbolt file at path and
// ensures its top-level buckets exist.
func OpenBoltSideIndex(path string) (*BoltSideIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltindex: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(usageCacheBucket); e != nil {
			return e
		}
		_, e := tx.CreateBucketIfNotExists(healthHistoryRoot)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltindex: init buckets: %w", err)
	}
	return &BoltSideIndex{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (b *BoltSideIndex) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// CacheUsage writes entry into the usage-cache bucket, overwriting any
// prior value for the same account.
func (b *BoltSideIndex) CacheUsage(entry UsageCacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("boltindex: marshal usage entry: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usageCacheBucket).Put([]byte(entry.AccountID), data)
	})
}

// LookupUsage returns the cached entry for accountID, or nil if absent or
// past its ExpiresAt.
func (b *BoltSideIndex) LookupUsage(accountID string) (*UsageCacheEntry, error) {
	var entry UsageCacheEntry
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(usageCacheBucket).Get([]byte(accountID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("boltindex: unmarshal usage entry: %w", err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		return nil, nil
	}
	return &entry, nil
}

// InvalidateUsage removes any cached entry for accountID.
func (b *BoltSideIndex) InvalidateUsage(accountID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usageCacheBucket).Delete([]byte(accountID))
	})
}

// RecordHealthCheck appends rec to accountID's history sub-bucket, pruning
// the oldest entries once the bucket exceeds maxHealthHistoryPerAccount.
func (b *BoltSideIndex) RecordHealthCheck(rec HealthCheckRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("boltindex: marshal health record: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(healthHistoryRoot)
		sub, e := root.CreateBucketIfNotExists([]byte(rec.AccountID))
		if e != nil {
			return e
		}
		seq, e := sub.NextSequence()
		if e != nil {
			return e
		}
		key := sequenceKey(seq)
		if e = sub.Put(key, data); e != nil {
			return e
		}
		return pruneOldest(sub, maxHealthHistoryPerAccount)
	})
}

// RecentHealthHistory returns up to limit of accountID's most recent
// health-check records, newest first.
func (b *BoltSideIndex) RecentHealthHistory(accountID string, limit int) ([]HealthCheckRecord, error) {
	var out []HealthCheckRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(healthHistoryRoot).Bucket([]byte(accountID))
		if sub == nil {
			return nil
		}
		c := sub.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var rec HealthCheckRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("boltindex: unmarshal health record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// pruneOldest deletes entries from the front of sub's key-sorted cursor
// until at most keep remain.
func pruneOldest(sub *bolt.Bucket, keep int) error {
	count := sub.Stats().KeyN
	if count <= keep {
		return nil
	}
	c := sub.Cursor()
	toDelete := count - keep
	for k, _ := c.First(); k != nil && toDelete > 0; k, _ = c.Next() {
		key := bytes.Clone(k)
		if err := sub.Delete(key); err != nil {
			return err
		}
		toDelete--
	}
	return nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
