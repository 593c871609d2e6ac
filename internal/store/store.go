// Package store defines the durable persistence interface shared by the
// JSON-file and embedded-SQL backends, and the JSON-file implementation.
// Follows an atomic file-store idiom (write-temp + fsync + rename) for
// crash-safe updates.
package store

import (
	"time"

	"github.com/kiro-gateway/kirogate/internal/pool"
)

// HealthFields is the partial-update payload for UpdateHealth.
//
// ErrorCount sets error_count to an absolute value (used by resets, e.g.
// back to 0 on a successful health check). IncrementErrorCount instead asks
// the backend to perform error_count = error_count + 1 as part of the same
// atomic update, so concurrent callers never overwrite each other's count;
// when set, ErrorCountThreshold (if > 0) also flips Healthy to false within
// that same update once the post-increment count reaches it.
type HealthFields struct {
	Healthy             *bool
	Disabled            *bool
	ErrorCount          *int
	IncrementErrorCount bool
	ErrorCountThreshold int
	ResetUsageCount     bool
	LastErrorTime        *time.Time
	LastErrorMessage     *string
	LastHealthCheckTime  *time.Time
	LastHealthCheckModel *string
	CachedEmail          *string
	CachedUserID         *string
}

// UsageCacheEntry is one upstream usage document keyed by account.
type UsageCacheEntry struct {
	AccountID string
	Payload   []byte
	CachedAt  time.Time
	ExpiresAt time.Time
}

// HealthCheckRecord is one append-only health-check history row.
type HealthCheckRecord struct {
	AccountID   string
	Success     bool
	CheckModel  string
	ErrorMessage string
	CheckTime   time.Time
}

// Store is the durable-persistence contract both backends satisfy.
type Store interface {
	LoadAll() ([]pool.Account, error)
	Upsert(a pool.Account) error
	Delete(id string) error
	UpdateHealth(id string, fields HealthFields) error
	IncrementUsage(id string) error
	SetDisabled(id string, disabled bool) error

	GetUsageCache(accountID string) (*UsageCacheEntry, error)
	SetUsageCache(entry UsageCacheEntry) error
	GetUsageCacheBatch(accountIDs []string) (map[string]UsageCacheEntry, error)
	CleanExpiredUsageCache() error

	RecordHealthCheck(rec HealthCheckRecord) error
	CleanOldHealthHistory(retain time.Duration) error

	Close() error
}
