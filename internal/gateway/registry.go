package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiro-gateway/kirogate/internal/credstore"
	"github.com/kiro-gateway/kirogate/internal/kiroauth"
	"github.com/kiro-gateway/kirogate/internal/pool"
)

// Registry owns one kiroauth.Manager per account, built lazily from the
// account's credentials file on first use and kept for the process's
// lifetime. Narrows a provider+uuid-keyed service-instance map down to a
// single-dialect token-manager registry, explicit rather than hidden
// behind package-level singletons.
type Registry struct {
	credStore *credstore.Store
	refresher kiroauth.Refresher

	mu       sync.Mutex
	managers map[string]*kiroauth.Manager
}

// NewRegistry builds an empty Registry.
func NewRegistry(credStore *credstore.Store, refresher kiroauth.Refresher) *Registry {
	return &Registry{credStore: credStore, refresher: refresher, managers: make(map[string]*kiroauth.Manager)}
}

// Manager returns the token manager for account, constructing it from the
// on-disk credentials file the first time the account is seen.
func (r *Registry) Manager(account pool.Account) (*kiroauth.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[account.ID]; ok {
		return m, nil
	}
	creds, err := r.credStore.Load(account.ID)
	if err != nil {
		return nil, fmt.Errorf("gateway: load credentials for account %s: %w", account.ID, err)
	}
	m := kiroauth.NewManager(account.ID, creds, r.refresher, r.credStore)
	r.managers[account.ID] = m
	return m, nil
}

// Forget drops a cached manager, used after an account is deleted so a
// future re-import doesn't resurrect stale in-memory credentials.
func (r *Registry) Forget(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, accountID)
}

// RunHeartbeats ticks every constructed manager's RunHeartbeat once. Called
// by cmd/server on the configured CRON_REFRESH_TOKEN interval; accounts with
// no manager yet (never selected since startup) are skipped since they have
// nothing cached to go stale.
func (r *Registry) RunHeartbeats(ctx context.Context, nearWindow time.Duration) {
	r.mu.Lock()
	managers := make([]*kiroauth.Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	for _, m := range managers {
		m.RunHeartbeat(ctx, nearWindow)
	}
}
