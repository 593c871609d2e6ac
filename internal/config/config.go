// Package config provides configuration management for the Kiro gateway.
// It handles loading and parsing a YAML configuration file, applying
// environment-variable overrides, and defaulting the knobs the gateway
// reads at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SystemPromptMode controls how a configured system-prompt override is
// applied to an inbound request.
type SystemPromptMode string

const (
	SystemPromptOverwrite SystemPromptMode = "overwrite"
	SystemPromptAppend    SystemPromptMode = "append"
)

// PromptLogMode controls where resolved prompts are logged.
type PromptLogMode string

const (
	PromptLogNone    PromptLogMode = "none"
	PromptLogConsole PromptLogMode = "console"
	PromptLogFile    PromptLogMode = "file"
)

// Config represents the gateway's runtime configuration, loaded from a YAML
// file and overridable by environment variables.
type Config struct {
	// RequiredAPIKey is the shared secret clients present on /v1/messages.
	RequiredAPIKey string `yaml:"required-api-key"`
	// RequiredAPIKeyHash, when set, is a bcrypt hash of the shared secret;
	// authMiddleware compares against this instead of RequiredAPIKey so the
	// plaintext secret need not sit in config.yaml. Generate one with
	// `kirogate -hash-api-key`.
	RequiredAPIKeyHash string `yaml:"required-api-key-hash"`
	// Port is the network port the API server listens on.
	Port int `yaml:"server-port"`
	// Host is the bind address for the API server.
	Host string `yaml:"host"`
	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`
	// LoggingToFile switches the logging sink from stdout to a rotating file.
	LoggingToFile bool `yaml:"logging-to-file"`
	// LogMaxSizeMB, LogMaxBackups, LogMaxAgeDays are loaded from YAML and the
	// LOG_MAX_* env vars. logging.ConfigureLogOutput does not read them: the
	// rotating log file always rotates at 10 MB and keeps every old file.
	LogMaxSizeMB  int `yaml:"log-max-size-mb"`
	LogMaxBackups int `yaml:"log-max-backups"`
	LogMaxAgeDays int `yaml:"log-max-age-days"`

	// RequestMaxRetries bounds the orchestrator's account failover attempts
	// (each attempt selects a different account).
	RequestMaxRetries int `yaml:"request-max-retries"`
	// RequestBaseDelaySeconds is the exponential-backoff base the upstream
	// client uses for 429/5xx responses on a single account's connection
	// (delay = RequestBaseDelaySeconds * 2^attempt).
	RequestBaseDelaySeconds float64 `yaml:"request-base-delay"`
	// SocketRetryMaxAttempts bounds the upstream client's in-place retries
	// of the same account's connection on socket-level errors (connection
	// reset, timeout, aborted), distinct from RequestMaxRetries' account
	// failover budget.
	SocketRetryMaxAttempts int `yaml:"socket-retry-max-attempts"`

	// CronNearMinutes is the early-refresh window used by the heartbeat.
	CronNearMinutes int `yaml:"cron-near-minutes"`
	// CronRefreshTokenSeconds is the heartbeat interval.
	CronRefreshTokenSeconds int `yaml:"cron-refresh-token"`

	// MaxErrorCount is the error_count threshold that marks an account unhealthy.
	MaxErrorCount int `yaml:"max-error-count"`

	// EnableThinkingByDefault toggles thinking-mode injection absent a per-request flag.
	EnableThinkingByDefault bool `yaml:"enable-thinking-by-default"`

	// UseSQLitePool selects the embedded-SQL store backend instead of the JSON file.
	UseSQLitePool bool `yaml:"use-sqlite-pool"`
	// SQLiteDBPath is the database file path when UseSQLitePool is set.
	SQLiteDBPath string `yaml:"sqlite-db-path"`
	// SideIndexDBPath is the bbolt file backing the admin surface's bounded
	// usage-cache/health-history accelerator. Empty disables it.
	SideIndexDBPath string `yaml:"side-index-db-path"`

	// HealthCheckConcurrency and UsageQueryConcurrency bound admin fan-out.
	HealthCheckConcurrency int `yaml:"health-check-concurrency"`
	UsageQueryConcurrency  int `yaml:"usage-query-concurrency"`

	// AccountPoolFilePath is the JSON-backend account pool file.
	AccountPoolFilePath string `yaml:"account-pool-file-path"`
	// SystemPromptFilePath, when non-empty, names a file whose content overrides
	// or is appended to the request's system prompt, per SystemPromptMode.
	SystemPromptFilePath string            `yaml:"system-prompt-file-path"`
	SystemPromptMode     SystemPromptMode  `yaml:"system-prompt-mode"`
	PromptLogMode        PromptLogMode     `yaml:"prompt-log-mode"`
	PromptLogBaseName    string            `yaml:"prompt-log-base-name"`

	// AuthDir holds per-account credential JSON files (configs/kiro/*.json).
	AuthDir string `yaml:"auth-dir"`
	// ProxyURL is an optional outbound proxy for upstream calls.
	ProxyURL string `yaml:"proxy-url"`

	// RequestLogging enables the file-based request/response audit logger.
	RequestLogging bool `yaml:"request-logging"`
	// RequestLogsDir is where the audit logger writes one file per request.
	RequestLogsDir string `yaml:"request-logs-dir"`
}

// Default returns a Config populated with the gateway's documented defaults.
func Default() *Config {
	return &Config{
		Port:                    8080,
		Host:                    "0.0.0.0",
		RequestMaxRetries:       3,
		RequestBaseDelaySeconds: 3,
		SocketRetryMaxAttempts:  8,
		CronNearMinutes:         10,
		CronRefreshTokenSeconds: 300,
		MaxErrorCount:           3,
		HealthCheckConcurrency:  5,
		UsageQueryConcurrency:   10,
		AccountPoolFilePath:     "configs/account_pool.json",
		SystemPromptMode:        SystemPromptOverwrite,
		PromptLogMode:           PromptLogNone,
		PromptLogBaseName:       "prompt",
		AuthDir:                 "configs/kiro",
		SQLiteDBPath:            "data/kirogate.db",
		SideIndexDBPath:         "data/kirogate-side.db",
		LogMaxSizeMB:            10,
		RequestLogsDir:          "logs/requests",
	}
}

// LoadConfig reads a YAML configuration file, applies defaults for any
// unset field, then layers environment-variable overrides on top.
func LoadConfig(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.RequiredAPIKey == "" && cfg.RequiredAPIKeyHash == "" {
		return nil, fmt.Errorf("config: REQUIRED_API_KEY or REQUIRED_API_KEY_HASH must be set")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	b := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	i := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	f := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}

	str("REQUIRED_API_KEY", &cfg.RequiredAPIKey)
	str("REQUIRED_API_KEY_HASH", &cfg.RequiredAPIKeyHash)
	i("SERVER_PORT", &cfg.Port)
	str("HOST", &cfg.Host)
	i("REQUEST_MAX_RETRIES", &cfg.RequestMaxRetries)
	f("REQUEST_BASE_DELAY", &cfg.RequestBaseDelaySeconds)
	i("SOCKET_RETRY_MAX_ATTEMPTS", &cfg.SocketRetryMaxAttempts)
	i("CRON_NEAR_MINUTES", &cfg.CronNearMinutes)
	i("CRON_REFRESH_TOKEN", &cfg.CronRefreshTokenSeconds)
	i("MAX_ERROR_COUNT", &cfg.MaxErrorCount)
	b("ENABLE_THINKING_BY_DEFAULT", &cfg.EnableThinkingByDefault)
	b("USE_SQLITE_POOL", &cfg.UseSQLitePool)
	str("SQLITE_DB_PATH", &cfg.SQLiteDBPath)
	str("SIDE_INDEX_DB_PATH", &cfg.SideIndexDBPath)
	i("HEALTH_CHECK_CONCURRENCY", &cfg.HealthCheckConcurrency)
	i("USAGE_QUERY_CONCURRENCY", &cfg.UsageQueryConcurrency)
	str("ACCOUNT_POOL_FILE_PATH", &cfg.AccountPoolFilePath)
	str("SYSTEM_PROMPT_FILE_PATH", &cfg.SystemPromptFilePath)
	if v, ok := os.LookupEnv("SYSTEM_PROMPT_MODE"); ok {
		cfg.SystemPromptMode = SystemPromptMode(v)
	}
	if v, ok := os.LookupEnv("PROMPT_LOG_MODE"); ok {
		cfg.PromptLogMode = PromptLogMode(v)
	}
	str("PROMPT_LOG_BASE_NAME", &cfg.PromptLogBaseName)
	b("DEBUG", &cfg.Debug)
	b("LOGGING_TO_FILE", &cfg.LoggingToFile)
	i("LOG_MAX_SIZE_MB", &cfg.LogMaxSizeMB)
	i("LOG_MAX_BACKUPS", &cfg.LogMaxBackups)
	i("LOG_MAX_AGE_DAYS", &cfg.LogMaxAgeDays)
	str("AUTH_DIR", &cfg.AuthDir)
	str("PROXY_URL", &cfg.ProxyURL)
	b("REQUEST_LOGGING", &cfg.RequestLogging)
	str("REQUEST_LOGS_DIR", &cfg.RequestLogsDir)
}
