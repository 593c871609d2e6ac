// Package pool maintains the in-memory set of upstream accounts: selection,
// health accounting, and usage bookkeeping. Follows a round-robin selector
// idiom generalized from per-provider auth selection to per-model-filter
// account selection, backed by a Store (C7) for durability.
package pool

import "time"

// Dialect mirrors kiroauth.Dialect without importing it, keeping the pool
// package ignorant of token-refresh mechanics.
type Dialect string

const (
	DialectSocial     Dialect = "social"
	DialectDeviceOIDC Dialect = "device-oidc"
)

// Account is the in-memory representation of one upstream credential slot
// and its runtime health/usage state.
type Account struct {
	ID                  string    `json:"id"`
	CredentialsPath     string    `json:"credentials_path"`
	Dialect             Dialect   `json:"dialect"`
	CachedEmail         string    `json:"cached_email,omitempty"`
	CachedUserID        string    `json:"cached_user_id,omitempty"`
	NotSupportedModels  []string  `json:"not_supported_models,omitempty"`

	Healthy              bool      `json:"healthy"`
	Disabled             bool      `json:"disabled"`
	ErrorCount           int       `json:"error_count"`
	UsageCount           int64     `json:"usage_count"`
	LastUsed             time.Time `json:"last_used,omitempty"`
	LastErrorTime        time.Time `json:"last_error_time,omitempty"`
	LastErrorMessage     string    `json:"last_error_message,omitempty"`
	LastHealthCheckTime  time.Time `json:"last_health_check_time,omitempty"`
	LastHealthCheckModel string    `json:"last_health_check_model,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// pool's lock.
func (a Account) Clone() Account {
	cp := a
	if a.NotSupportedModels != nil {
		cp.NotSupportedModels = append([]string(nil), a.NotSupportedModels...)
	}
	return cp
}

// Classification is the computed admin-facing status tag.
type Classification string

const (
	ClassificationHealthy  Classification = "healthy"
	ClassificationChecking Classification = "checking"
	ClassificationBanned   Classification = "banned"
)

// Classify derives the admin-facing tag from runtime state.
func (a Account) Classify() Classification {
	switch {
	case a.Disabled || !a.Healthy:
		return ClassificationBanned
	case a.ErrorCount > 0:
		return ClassificationChecking
	default:
		return ClassificationHealthy
	}
}

// supportsModel reports whether the account is eligible for requestedModel.
func (a Account) supportsModel(requestedModel string) bool {
	if requestedModel == "" {
		return true
	}
	for _, m := range a.NotSupportedModels {
		if m == requestedModel {
			return false
		}
	}
	return true
}

func (a Account) eligible(requestedModel string) bool {
	return a.Healthy && !a.Disabled && a.supportsModel(requestedModel)
}
