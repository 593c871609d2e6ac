package kiroauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type countingRefresher struct {
	calls int32
	delay time.Duration
}

func (r *countingRefresher) Refresh(ctx context.Context, current Credentials) (RefreshResult, error) {
	atomic.AddInt32(&r.calls, 1)
	time.Sleep(r.delay)
	return RefreshResult{Token: oauth2.Token{
		AccessToken:  "new-token",
		RefreshToken: current.RefreshToken,
		Expiry:       time.Now().Add(time.Hour),
	}}, nil
}

type noopPersister struct{}

func (noopPersister) SaveCredentials(string, Credentials) error { return nil }

func TestEnsureFreshSkipsWhenFarFromExpiry(t *testing.T) {
	r := &countingRefresher{}
	m := NewManager("acct", Credentials{RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}, r, noopPersister{})
	if err := m.EnsureFresh(context.Background(), false); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if atomic.LoadInt32(&r.calls) != 0 {
		t.Fatalf("expected no refresh call, got %d", r.calls)
	}
}

func TestEnsureFreshRefreshesNearExpiry(t *testing.T) {
	r := &countingRefresher{}
	m := NewManager("acct", Credentials{RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Minute)}, r, noopPersister{})
	if err := m.EnsureFresh(context.Background(), false); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if atomic.LoadInt32(&r.calls) != 1 {
		t.Fatalf("expected 1 refresh call, got %d", r.calls)
	}
	if m.Snapshot().AccessToken != "new-token" {
		t.Fatalf("access token not updated")
	}
}

func TestEnsureFreshCoalescesConcurrentCalls(t *testing.T) {
	r := &countingRefresher{delay: 50 * time.Millisecond}
	m := NewManager("acct", Credentials{RefreshToken: "rt", ExpiresAt: time.Now()}, r, noopPersister{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.EnsureFresh(context.Background(), true)
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&r.calls) != 1 {
		t.Fatalf("expected exactly 1 refresh call across 10 concurrent callers, got %d", r.calls)
	}
}

func TestEnsureFreshNoRefreshToken(t *testing.T) {
	m := NewManager("acct", Credentials{}, &countingRefresher{}, noopPersister{})
	if err := m.EnsureFresh(context.Background(), false); err != ErrNoRefreshToken {
		t.Fatalf("err = %v, want ErrNoRefreshToken", err)
	}
}
