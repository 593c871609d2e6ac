package store

import "github.com/kiro-gateway/kirogate/internal/pool"

// PoolBackend adapts a Store to pool.Backend, translating between the two
// packages' independently-declared field-update structs. The duplication
// exists so internal/pool never imports internal/store (store already
// imports pool for Account), avoiding an import cycle.
type PoolBackend struct {
	Store Store
}

func (b PoolBackend) LoadAll() ([]pool.Account, error) { return b.Store.LoadAll() }

func (b PoolBackend) Upsert(a pool.Account) error { return b.Store.Upsert(a) }

func (b PoolBackend) Delete(id string) error { return b.Store.Delete(id) }

func (b PoolBackend) UpdateHealth(id string, f pool.HealthUpdate) error {
	return b.Store.UpdateHealth(id, HealthFields{
		Healthy:              f.Healthy,
		Disabled:             f.Disabled,
		ErrorCount:           f.ErrorCount,
		IncrementErrorCount:  f.IncrementErrorCount,
		ErrorCountThreshold:  f.ErrorCountThreshold,
		ResetUsageCount:      f.ResetUsageCount,
		LastErrorTime:        f.LastErrorTime,
		LastErrorMessage:     f.LastErrorMessage,
		LastHealthCheckTime:  f.LastHealthCheckTime,
		LastHealthCheckModel: f.LastHealthCheckModel,
		CachedEmail:          f.CachedEmail,
		CachedUserID:         f.CachedUserID,
	})
}

func (b PoolBackend) IncrementUsage(id string) error { return b.Store.IncrementUsage(id) }

func (b PoolBackend) SetDisabled(id string, disabled bool) error {
	return b.Store.SetDisabled(id, disabled)
}
