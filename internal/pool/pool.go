package pool

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Backend is the subset of store.Store the pool needs, kept narrow so this
// package does not import internal/store (which would create a cycle once
// the store needs pool.Account).
type Backend interface {
	LoadAll() ([]Account, error)
	Upsert(Account) error
	Delete(id string) error
	UpdateHealth(id string, fields HealthUpdate) error
	IncrementUsage(id string) error
	SetDisabled(id string, disabled bool) error
}

// HealthUpdate mirrors store.HealthFields without importing internal/store.
type HealthUpdate struct {
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

const defaultMaxErrorCount = 3

// Pool is the in-memory, process-local account pool. It mirrors Backend's
// durable state and serializes mutation through one mutex, held above any
// per-account or store-level locking underneath it.
type Pool struct {
	backend       Backend
	maxErrorCount int

	mu       sync.Mutex
	accounts map[string]Account
	cursors  map[string]int // per model-filter-key round-robin cursor
}

// New loads the pool's initial state from backend.
func New(backend Backend, maxErrorCount int) (*Pool, error) {
	if maxErrorCount <= 0 {
		maxErrorCount = defaultMaxErrorCount
	}
	p := &Pool{backend: backend, maxErrorCount: maxErrorCount, accounts: map[string]Account{}, cursors: map[string]int{}}
	accounts, err := backend.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("pool: load accounts: %w", err)
	}
	for _, a := range accounts {
		p.accounts[a.ID] = a
	}
	return p, nil
}

// ListAccounts returns a snapshot of every account, healthy or not.
func (p *Pool) ListAccounts() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, a.Clone())
	}
	return out
}

// ErrNoEligibleAccount is returned by Select when no account can serve the
// requested model.
var ErrNoEligibleAccount = fmt.Errorf("pool: no eligible account")

// Select round-robins over the healthy, non-disabled, model-eligible
// subset. Each filter key (the requested model, or "" for "any model")
// advances its own cursor independently.
func (p *Pool) Select(requestedModel string) (Account, error) {
	return p.selectExcluding(requestedModel, nil)
}

// selectExcluding is Select with a set of account IDs to skip, used by the
// orchestrator (C8) to avoid re-selecting an account that already failed
// within the same request's retry loop.
func (p *Pool) selectExcluding(requestedModel string, exclude map[string]bool) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var eligible []Account
	for _, a := range p.accounts {
		if exclude[a.ID] {
			continue
		}
		if a.eligible(requestedModel) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return Account{}, ErrNoEligibleAccount
	}
	sortByID(eligible)

	key := requestedModel
	cursor := p.cursors[key] % len(eligible)
	chosen := eligible[cursor]
	p.cursors[key] = (cursor + 1) % len(eligible)

	chosen.UsageCount++
	chosen.LastUsed = time.Now().UTC()
	p.accounts[chosen.ID] = chosen
	if err := p.backend.IncrementUsage(chosen.ID); err != nil {
		log.WithError(err).WithField("account", chosen.ID).Warn("pool: persist usage increment failed")
	}
	return chosen.Clone(), nil
}

// SelectExcluding exposes selectExcluding for the orchestrator's retry loop.
func (p *Pool) SelectExcluding(requestedModel string, exclude map[string]bool) (Account, error) {
	return p.selectExcluding(requestedModel, exclude)
}

// EligibleCount reports how many accounts currently qualify for
// requestedModel, used to size the orchestrator's retry budget.
func (p *Pool) EligibleCount(requestedModel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.accounts {
		if a.eligible(requestedModel) {
			n++
		}
	}
	return n
}

// MarkHealthy resets error accounting and optionally records health-check
// metadata and cached profile identifiers.
func (p *Pool) MarkHealthy(id string, resetUsageCount bool, checkModel string, cachedEmail, cachedUserID string) error {
	p.mu.Lock()
	a, ok := p.accounts[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: account %s not found", id)
	}
	a.Healthy = true
	a.ErrorCount = 0
	now := time.Now().UTC()
	a.LastHealthCheckTime = now
	if checkModel != "" {
		a.LastHealthCheckModel = checkModel
	}
	if resetUsageCount {
		a.UsageCount = 0
	}
	if cachedEmail != "" {
		a.CachedEmail = cachedEmail
	}
	if cachedUserID != "" {
		a.CachedUserID = cachedUserID
	}
	p.accounts[id] = a
	p.mu.Unlock()

	healthy := true
	upd := HealthUpdate{Healthy: &healthy, ResetUsageCount: resetUsageCount, LastHealthCheckTime: &now}
	if checkModel != "" {
		upd.LastHealthCheckModel = &checkModel
	}
	if cachedEmail != "" {
		upd.CachedEmail = &cachedEmail
	}
	if cachedUserID != "" {
		upd.CachedUserID = &cachedUserID
	}
	zero := 0
	upd.ErrorCount = &zero
	return p.backend.UpdateHealth(id, upd)
}

// FailureClass classifies an error for MarkUnhealthy's error-count policy.
type FailureClass int

const (
	FailureRetryable FailureClass = iota
	FailureClientRequest
	FailureFatal
	FailureOther
)

// MarkUnhealthy applies the failure-class policy: retryable failures don't
// touch error_count, client-request failures do nothing, fatal failures
// immediately mark the account unhealthy, and anything else increments
// error_count until it crosses the configured threshold.
func (p *Pool) MarkUnhealthy(id string, class FailureClass, message string) error {
	if class == FailureClientRequest {
		return nil
	}
	if class == FailureRetryable {
		p.mu.Lock()
		if a, ok := p.accounts[id]; ok {
			now := time.Now().UTC()
			a.LastErrorTime = now
			a.LastErrorMessage = message
			p.accounts[id] = a
		}
		p.mu.Unlock()
		return nil
	}

	p.mu.Lock()
	a, ok := p.accounts[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: account %s not found", id)
	}

	now := time.Now().UTC()
	a.LastErrorTime = now
	a.LastErrorMessage = message

	fatal := class == FailureFatal
	if fatal {
		a.Healthy = false
	} else {
		a.ErrorCount++
		if a.ErrorCount >= p.maxErrorCount {
			a.Healthy = false
		}
	}
	p.accounts[id] = a
	p.mu.Unlock()

	// The persisted error_count increment is expressed as a SQL-level
	// (or, for the JSON backend, mutex-serialized) error_count = error_count + 1,
	// not this goroutine's Go-computed value, so two MarkUnhealthy calls
	// racing on the same account never lose one another's increment.
	upd := HealthUpdate{LastErrorTime: &now, LastErrorMessage: &message}
	if fatal {
		unhealthy := false
		upd.Healthy = &unhealthy
	} else {
		upd.IncrementErrorCount = true
		upd.ErrorCountThreshold = p.maxErrorCount
	}
	return p.backend.UpdateHealth(id, upd)
}

// Enable clears Disabled.
func (p *Pool) Enable(id string) error { return p.setDisabled(id, false) }

// Disable sets Disabled, making the account ineligible for Select.
func (p *Pool) Disable(id string) error { return p.setDisabled(id, true) }

func (p *Pool) setDisabled(id string, disabled bool) error {
	p.mu.Lock()
	a, ok := p.accounts[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: account %s not found", id)
	}
	a.Disabled = disabled
	p.accounts[id] = a
	p.mu.Unlock()
	return p.backend.SetDisabled(id, disabled)
}

// Upsert adds or replaces an account (manual import, admin create).
func (p *Pool) Upsert(a Account) error {
	p.mu.Lock()
	p.accounts[a.ID] = a
	p.mu.Unlock()
	return p.backend.Upsert(a)
}

// Delete removes an account permanently.
func (p *Pool) Delete(id string) error {
	p.mu.Lock()
	delete(p.accounts, id)
	p.mu.Unlock()
	return p.backend.Delete(id)
}

// Get returns a single account by id.
func (p *Pool) Get(id string) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	return a.Clone(), ok
}

func sortByID(accounts []Account) {
	for i := 1; i < len(accounts); i++ {
		for j := i; j > 0 && strings.Compare(accounts[j].ID, accounts[j-1].ID) < 0; j-- {
			accounts[j], accounts[j-1] = accounts[j-1], accounts[j]
		}
	}
}
