package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kiro-gateway/kirogate/internal/pool"
)

// SQLStore is the embedded-SQL backend (modernc.org/sqlite, WAL mode).
type SQLStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT UNIQUE NOT NULL,
	config TEXT NOT NULL,
	is_healthy INTEGER NOT NULL DEFAULT 1,
	is_disabled INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	usage_count INTEGER NOT NULL DEFAULT 0,
	last_used TEXT,
	last_error_time TEXT,
	last_error_message TEXT,
	last_health_check_time TEXT,
	last_health_check_model TEXT,
	cached_email TEXT,
	cached_user_id TEXT,
	not_supported_models TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_health ON accounts(is_healthy, is_disabled);

CREATE TABLE IF NOT EXISTS usage_cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_uuid TEXT NOT NULL,
	provider_type TEXT NOT NULL,
	usage_data TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	UNIQUE(account_uuid, provider_type)
);
CREATE INDEX IF NOT EXISTS idx_usage_cache_expiry ON usage_cache(provider_type, expires_at);

CREATE TABLE IF NOT EXISTS health_check_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_uuid TEXT NOT NULL,
	is_healthy INTEGER NOT NULL,
	check_model TEXT,
	error_message TEXT,
	check_time TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_history_time ON health_check_history(check_time);
`

const schemaVersion = 1

// OpenSQLStore opens (creating if absent) the embedded-SQL pool database.
func OpenSQLStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlstore: create directory %s: %w", dir, err)
		}
	}

	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// migrate creates the schema on a fresh database, or upgrades a database
// created with the legacy multi-provider "providers" table, tracking
// progress in a schema_version table per the grounded pattern.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlstore: create schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("sqlstore: create schema_version: %w", err)
	}

	var current int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&current)
	if err == sql.ErrNoRows || err == nil && current == 0 {
		hasLegacy, legacyErr := tableExists(db, "providers")
		if legacyErr != nil {
			return legacyErr
		}
		if hasLegacy {
			if err = migrateLegacyProvidersTable(db); err != nil {
				return err
			}
		}
		if _, err = db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("sqlstore: insert initial version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlstore: read schema_version: %w", err)
	}
	return nil
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlstore: check table %s: %w", name, err)
	}
	return n > 0, nil
}

// migrateLegacyProvidersTable copies claude-kiro-oauth rows from an older
// provider-keyed table layout into the single-family accounts table, then
// drops it. Best-effort: column-shape drift in a legacy DB is logged and
// skipped rather than aborting the whole migration.
func migrateLegacyProvidersTable(db *sql.DB) error {
	rows, err := db.Query(`SELECT uuid, config FROM providers WHERE provider_type = 'claude-kiro-oauth'`)
	if err != nil {
		return nil // legacy table shape doesn't match; nothing to migrate
	}
	defer rows.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for rows.Next() {
		var uuid, config string
		if err = rows.Scan(&uuid, &config); err != nil {
			continue
		}
		_, _ = db.Exec(`INSERT OR IGNORE INTO accounts (uuid, config, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			uuid, config, now, now)
	}
	_, _ = db.Exec(`DROP TABLE providers`)
	return nil
}

func (s *SQLStore) LoadAll() ([]pool.Account, error) {
	rows, err := s.db.Query(`
		SELECT uuid, config, is_healthy, is_disabled, error_count, usage_count, last_used,
		       last_error_time, last_error_message, last_health_check_time, last_health_check_model,
		       cached_email, cached_user_id, not_supported_models, created_at, updated_at
		FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load accounts: %w", err)
	}
	defer rows.Close()

	var out []pool.Account
	for rows.Next() {
		a, scanErr := scanAccount(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (pool.Account, error) {
	var a pool.Account
	var config, lastUsed, lastErrTime, lastErrMsg, lastCheckTime, lastCheckModel, email, userID, notSupported sql.NullString
	var healthy, disabled int
	err := row.Scan(&a.ID, &config, &healthy, &disabled, &a.ErrorCount, &a.UsageCount, &lastUsed,
		&lastErrTime, &lastErrMsg, &lastCheckTime, &lastCheckModel, &email, &userID, &notSupported,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return pool.Account{}, fmt.Errorf("sqlstore: scan account: %w", err)
	}
	a.Healthy = healthy != 0
	a.Disabled = disabled != 0
	a.CredentialsPath = config.String
	a.LastUsed = parseTime(lastUsed.String)
	a.LastErrorTime = parseTime(lastErrTime.String)
	a.LastErrorMessage = lastErrMsg.String
	a.LastHealthCheckTime = parseTime(lastCheckTime.String)
	a.LastHealthCheckModel = lastCheckModel.String
	a.CachedEmail = email.String
	a.CachedUserID = userID.String
	if notSupported.String != "" {
		a.NotSupportedModels = strings.Split(notSupported.String, ",")
	}
	return a, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func (s *SQLStore) Upsert(a pool.Account) error {
	return retryOnBusy(context.Background(), 5, func() error {
		now := time.Now().UTC().Format(time.RFC3339)
		notSupported := strings.Join(a.NotSupportedModels, ",")
		_, err := s.db.Exec(`
			INSERT INTO accounts (uuid, config, is_healthy, is_disabled, error_count, usage_count, last_used,
			                       last_error_time, last_error_message, last_health_check_time, last_health_check_model,
			                       cached_email, cached_user_id, not_supported_models, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				config=excluded.config, is_healthy=excluded.is_healthy, is_disabled=excluded.is_disabled,
				error_count=excluded.error_count, usage_count=excluded.usage_count, last_used=excluded.last_used,
				last_error_time=excluded.last_error_time, last_error_message=excluded.last_error_message,
				last_health_check_time=excluded.last_health_check_time, last_health_check_model=excluded.last_health_check_model,
				cached_email=excluded.cached_email, cached_user_id=excluded.cached_user_id,
				not_supported_models=excluded.not_supported_models, updated_at=excluded.updated_at`,
			a.ID, a.CredentialsPath, boolToInt(a.Healthy), boolToInt(a.Disabled), a.ErrorCount, a.UsageCount,
			formatTime(a.LastUsed), formatTime(a.LastErrorTime), a.LastErrorMessage, formatTime(a.LastHealthCheckTime),
			a.LastHealthCheckModel, a.CachedEmail, a.CachedUserID, notSupported, now, now)
		if err != nil {
			return fmt.Errorf("sqlstore: upsert account %s: %w", a.ID, err)
		}
		return nil
	})
}

func (s *SQLStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE uuid = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete account %s: %w", id, err)
	}
	return nil
}

// UpdateHealth applies a partial update inside one transaction. When
// IncrementErrorCount is set, the increment itself is expressed as
// error_count = error_count + 1 in the UPDATE statement rather than a
// Go-computed absolute value, so two callers racing on the same account
// both land (neither overwrites the other's increment); the post-increment
// count is then read back inside the same transaction to decide whether
// ErrorCountThreshold has been crossed.
func (s *SQLStore) UpdateHealth(id string, f HealthFields) error {
	return retryOnBusy(context.Background(), 5, func() error {
		tx, err := s.db.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("sqlstore: begin tx: %w", err)
		}
		defer tx.Rollback()

		now := time.Now().UTC().Format(time.RFC3339)
		sets := []string{"updated_at = ?"}
		args := []any{now}

		if f.Healthy != nil {
			sets = append(sets, "is_healthy = ?")
			args = append(args, boolToInt(*f.Healthy))
		}
		if f.Disabled != nil {
			sets = append(sets, "is_disabled = ?")
			args = append(args, boolToInt(*f.Disabled))
		}
		if f.IncrementErrorCount {
			sets = append(sets, "error_count = error_count + 1")
		} else if f.ErrorCount != nil {
			sets = append(sets, "error_count = ?")
			args = append(args, *f.ErrorCount)
		}
		if f.ResetUsageCount {
			sets = append(sets, "usage_count = 0")
		}
		if f.LastErrorTime != nil {
			sets = append(sets, "last_error_time = ?")
			args = append(args, formatTime(*f.LastErrorTime))
		}
		if f.LastErrorMessage != nil {
			sets = append(sets, "last_error_message = ?")
			args = append(args, *f.LastErrorMessage)
		}
		if f.LastHealthCheckTime != nil {
			sets = append(sets, "last_health_check_time = ?")
			args = append(args, formatTime(*f.LastHealthCheckTime))
		}
		if f.LastHealthCheckModel != nil {
			sets = append(sets, "last_health_check_model = ?")
			args = append(args, *f.LastHealthCheckModel)
		}
		if f.CachedEmail != nil {
			sets = append(sets, "cached_email = ?")
			args = append(args, *f.CachedEmail)
		}
		if f.CachedUserID != nil {
			sets = append(sets, "cached_user_id = ?")
			args = append(args, *f.CachedUserID)
		}

		args = append(args, id)
		query := fmt.Sprintf(`UPDATE accounts SET %s WHERE uuid = ?`, strings.Join(sets, ", "))
		if _, err = tx.Exec(query, args...); err != nil {
			return fmt.Errorf("sqlstore: update health for %s: %w", id, err)
		}

		if f.IncrementErrorCount && f.ErrorCountThreshold > 0 && f.Healthy == nil {
			var newCount int
			if err = tx.QueryRow(`SELECT error_count FROM accounts WHERE uuid = ?`, id).Scan(&newCount); err != nil {
				return fmt.Errorf("sqlstore: read error_count for %s: %w", id, err)
			}
			if newCount >= f.ErrorCountThreshold {
				if _, err = tx.Exec(`UPDATE accounts SET is_healthy = 0 WHERE uuid = ?`, id); err != nil {
					return fmt.Errorf("sqlstore: flip unhealthy for %s: %w", id, err)
				}
			}
		}
		return tx.Commit()
	})
}

func (s *SQLStore) IncrementUsage(id string) error {
	return retryOnBusy(context.Background(), 5, func() error {
		now := time.Now().UTC().Format(time.RFC3339)
		_, err := s.db.Exec(`UPDATE accounts SET usage_count = usage_count + 1, last_used = ?, updated_at = ? WHERE uuid = ?`,
			now, now, id)
		if err != nil {
			return fmt.Errorf("sqlstore: increment usage for %s: %w", id, err)
		}
		return nil
	})
}

func (s *SQLStore) SetDisabled(id string, disabled bool) error {
	_, err := s.db.Exec(`UPDATE accounts SET is_disabled = ?, updated_at = ? WHERE uuid = ?`,
		boolToInt(disabled), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("sqlstore: set disabled for %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) GetUsageCache(accountID string) (*UsageCacheEntry, error) {
	row := s.db.QueryRow(`
		SELECT usage_data, cached_at, expires_at FROM usage_cache
		WHERE account_uuid = ? AND provider_type = 'claude-kiro-oauth'`, accountID)

	var payload, cachedAt string
	var expiresAtMs int64
	err := row.Scan(&payload, &cachedAt, &expiresAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get usage cache for %s: %w", accountID, err)
	}
	expiresAt := time.UnixMilli(expiresAtMs)
	if time.Now().After(expiresAt) {
		return nil, nil
	}
	return &UsageCacheEntry{AccountID: accountID, Payload: []byte(payload), CachedAt: parseTime(cachedAt), ExpiresAt: expiresAt}, nil
}

func (s *SQLStore) SetUsageCache(entry UsageCacheEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_cache (account_uuid, provider_type, usage_data, cached_at, expires_at)
		VALUES (?, 'claude-kiro-oauth', ?, ?, ?)
		ON CONFLICT(account_uuid, provider_type) DO UPDATE SET
			usage_data=excluded.usage_data, cached_at=excluded.cached_at, expires_at=excluded.expires_at`,
		entry.AccountID, string(entry.Payload), entry.CachedAt.UTC().Format(time.RFC3339), entry.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlstore: set usage cache for %s: %w", entry.AccountID, err)
	}
	return nil
}

func (s *SQLStore) GetUsageCacheBatch(accountIDs []string) (map[string]UsageCacheEntry, error) {
	out := map[string]UsageCacheEntry{}
	for _, id := range accountIDs {
		entry, err := s.GetUsageCache(id)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			out[id] = *entry
		}
	}
	return out, nil
}

func (s *SQLStore) CleanExpiredUsageCache() error {
	_, err := s.db.Exec(`DELETE FROM usage_cache WHERE expires_at < ?`, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlstore: clean expired usage cache: %w", err)
	}
	return nil
}

func (s *SQLStore) RecordHealthCheck(rec HealthCheckRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO health_check_history (account_uuid, is_healthy, check_model, error_message, check_time)
		VALUES (?, ?, ?, ?, ?)`,
		rec.AccountID, boolToInt(rec.Success), rec.CheckModel, rec.ErrorMessage, rec.CheckTime.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("sqlstore: record health check: %w", err)
	}
	return nil
}

func (s *SQLStore) CleanOldHealthHistory(retain time.Duration) error {
	cutoff := time.Now().Add(-retain).UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`DELETE FROM health_check_history WHERE check_time < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("sqlstore: clean old health history: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// retryOnBusy retries op with exponential backoff on SQLITE_BUSY, beyond
// what the busy_timeout pragma already covers for write contention.
func retryOnBusy(ctx context.Context, maxRetries int, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !isBusyError(err) {
			return err
		}
		d := time.Duration(10*(1<<i)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}
