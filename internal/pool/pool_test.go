package pool

import "testing"

type fakeBackend struct {
	accounts map[string]Account
}

func newFakeBackend(accounts ...Account) *fakeBackend {
	b := &fakeBackend{accounts: map[string]Account{}}
	for _, a := range accounts {
		b.accounts[a.ID] = a
	}
	return b
}

func (b *fakeBackend) LoadAll() ([]Account, error) {
	out := make([]Account, 0, len(b.accounts))
	for _, a := range b.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (b *fakeBackend) Upsert(a Account) error { b.accounts[a.ID] = a; return nil }

func (b *fakeBackend) Delete(id string) error { delete(b.accounts, id); return nil }

func (b *fakeBackend) UpdateHealth(id string, f HealthUpdate) error {
	a := b.accounts[id]
	if f.IncrementErrorCount {
		a.ErrorCount++
		if f.ErrorCountThreshold > 0 && a.ErrorCount >= f.ErrorCountThreshold {
			a.Healthy = false
		}
	} else if f.ErrorCount != nil {
		a.ErrorCount = *f.ErrorCount
	}
	if f.Healthy != nil {
		a.Healthy = *f.Healthy
	}
	b.accounts[id] = a
	return nil
}

func (b *fakeBackend) IncrementUsage(id string) error {
	a := b.accounts[id]
	a.UsageCount++
	b.accounts[id] = a
	return nil
}

func (b *fakeBackend) SetDisabled(id string, disabled bool) error {
	a := b.accounts[id]
	a.Disabled = disabled
	b.accounts[id] = a
	return nil
}

func TestSelectRoundRobinsAcrossEligibleAccounts(t *testing.T) {
	backend := newFakeBackend(
		Account{ID: "a1", Healthy: true},
		Account{ID: "a2", Healthy: true},
	)
	p, err := New(backend, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		a, err := p.Select("")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[a.ID]++
	}
	if seen["a1"] != 2 || seen["a2"] != 2 {
		t.Fatalf("expected even round-robin split, got %+v", seen)
	}
}

func TestSelectSkipsDisabledAndUnhealthy(t *testing.T) {
	backend := newFakeBackend(
		Account{ID: "a1", Healthy: true},
		Account{ID: "a2", Healthy: false},
		Account{ID: "a3", Healthy: true, Disabled: true},
	)
	p, _ := New(backend, 3)

	for i := 0; i < 3; i++ {
		a, err := p.Select("")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if a.ID != "a1" {
			t.Fatalf("Select = %s, want a1", a.ID)
		}
	}
}

func TestSelectRespectsNotSupportedModels(t *testing.T) {
	backend := newFakeBackend(
		Account{ID: "a1", Healthy: true, NotSupportedModels: []string{"amazonq-pro"}},
		Account{ID: "a2", Healthy: true},
	)
	p, _ := New(backend, 3)

	a, err := p.Select("amazonq-pro")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if a.ID != "a2" {
		t.Fatalf("Select = %s, want a2", a.ID)
	}
}

func TestSelectNoEligibleAccountsReturnsError(t *testing.T) {
	backend := newFakeBackend(Account{ID: "a1", Healthy: false})
	p, _ := New(backend, 3)

	if _, err := p.Select(""); err != ErrNoEligibleAccount {
		t.Fatalf("err = %v, want ErrNoEligibleAccount", err)
	}
}

func TestMarkUnhealthyRetryableDoesNotIncrementErrorCount(t *testing.T) {
	backend := newFakeBackend(Account{ID: "a1", Healthy: true})
	p, _ := New(backend, 3)

	if err := p.MarkUnhealthy("a1", FailureRetryable, "rate limited"); err != nil {
		t.Fatalf("MarkUnhealthy: %v", err)
	}
	a, _ := p.Get("a1")
	if a.ErrorCount != 0 || !a.Healthy {
		t.Fatalf("account = %+v, want unchanged health", a)
	}
}

func TestMarkUnhealthyFatalMarksUnhealthyImmediately(t *testing.T) {
	backend := newFakeBackend(Account{ID: "a1", Healthy: true})
	p, _ := New(backend, 3)

	if err := p.MarkUnhealthy("a1", FailureFatal, "quota exceeded"); err != nil {
		t.Fatalf("MarkUnhealthy: %v", err)
	}
	a, _ := p.Get("a1")
	if a.Healthy {
		t.Fatalf("expected account to become unhealthy immediately")
	}
}

func TestMarkUnhealthyOtherCrossesThreshold(t *testing.T) {
	backend := newFakeBackend(Account{ID: "a1", Healthy: true})
	p, _ := New(backend, 2)

	_ = p.MarkUnhealthy("a1", FailureOther, "transient error")
	a, _ := p.Get("a1")
	if !a.Healthy || a.ErrorCount != 1 {
		t.Fatalf("account after 1st failure = %+v", a)
	}

	_ = p.MarkUnhealthy("a1", FailureOther, "transient error again")
	a, _ = p.Get("a1")
	if a.Healthy || a.ErrorCount != 2 {
		t.Fatalf("account after 2nd failure = %+v, want unhealthy at threshold 2", a)
	}
}

func TestMarkHealthyResetsErrorCount(t *testing.T) {
	backend := newFakeBackend(Account{ID: "a1", Healthy: false, ErrorCount: 5})
	p, _ := New(backend, 3)

	if err := p.MarkHealthy("a1", true, "claude-sonnet-4-20250514", "user@example.com", "uid-1"); err != nil {
		t.Fatalf("MarkHealthy: %v", err)
	}
	a, _ := p.Get("a1")
	if !a.Healthy || a.ErrorCount != 0 || a.CachedEmail != "user@example.com" {
		t.Fatalf("account = %+v", a)
	}
}
