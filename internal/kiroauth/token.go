package kiroauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Errors returned by EnsureFresh/Refresh.
var (
	ErrNoRefreshToken      = fmt.Errorf("kiroauth: no refresh token")
	ErrExpired             = fmt.Errorf("kiroauth: credentials expired")
	ErrInvalidResponse     = fmt.Errorf("kiroauth: refresh response missing accessToken")
	ErrTokenRefreshFailed  = fmt.Errorf("kiroauth: token refresh failed")
)

const (
	freshWindow    = 5 * time.Minute
	debounceWindow = 30 * time.Second
)

// Persister stores a Credentials value durably. Implemented by the
// credential store's atomic file-write idiom.
type Persister interface {
	SaveCredentials(accountID string, creds Credentials) error
}

// Manager owns one account's live credentials and arbitrates refresh.
type Manager struct {
	accountID string
	persister Persister
	refresher Refresher

	mu          sync.Mutex
	creds       Credentials
	lastAttempt time.Time
	inFlight    chan struct{}
	inFlightErr error
}

// NewManager builds a Manager seeded with the account's current credentials.
func NewManager(accountID string, creds Credentials, refresher Refresher, persister Persister) *Manager {
	return &Manager{accountID: accountID, creds: creds, refresher: refresher, persister: persister}
}

// Snapshot returns a copy of the currently cached credentials.
func (m *Manager) Snapshot() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Clone()
}

// EnsureFresh debounces refresh calls, coalesces concurrent callers onto
// one in-flight request, and refreshes early inside a 5-minute window
// before the access token's actual expiry.
func (m *Manager) EnsureFresh(ctx context.Context, force bool) error {
	m.mu.Lock()
	if m.creds.RefreshToken == "" {
		m.mu.Unlock()
		return ErrNoRefreshToken
	}

	if ch := m.inFlight; ch != nil {
		m.mu.Unlock()
		<-ch
		m.mu.Lock()
		err := m.inFlightErr
		m.mu.Unlock()
		return err
	}

	untilExpiry := time.Until(m.creds.ExpiresAt)
	if !force && untilExpiry > freshWindow {
		m.mu.Unlock()
		return nil
	}

	if time.Since(m.lastAttempt) < debounceWindow {
		if untilExpiry <= 0 {
			m.mu.Unlock()
			return ErrExpired
		}
		m.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	m.inFlight = ch
	m.lastAttempt = time.Now()
	refreshToken := m.creds.RefreshToken
	m.mu.Unlock()

	err := m.doRefresh(ctx, refreshToken)

	m.mu.Lock()
	m.inFlightErr = err
	m.inFlight = nil
	close(ch)
	m.mu.Unlock()

	return err
}

func (m *Manager) doRefresh(ctx context.Context, refreshToken string) error {
	m.mu.Lock()
	current := m.creds
	m.mu.Unlock()

	result, err := m.refresher.Refresh(ctx, current)
	if err != nil {
		log.WithError(err).WithField("account", m.accountID).Warn("kiroauth: refresh failed")
		return fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	if result.AccessToken == "" {
		return ErrInvalidResponse
	}
	if !result.Valid() {
		log.WithField("account", m.accountID).Warn("kiroauth: refresh returned a token oauth2 considers already expired")
	}

	m.mu.Lock()
	m.creds.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		m.creds.RefreshToken = result.RefreshToken
	}
	m.creds.ExpiresAt = result.Expiry
	snapshot := m.creds
	m.mu.Unlock()

	if m.persister != nil {
		if err = m.persister.SaveCredentials(m.accountID, snapshot); err != nil {
			log.WithError(err).WithField("account", m.accountID).Error("kiroauth: persist credentials failed")
		}
	}
	return nil
}

// RunHeartbeat is the hook an external scheduler calls on a fixed interval
// to keep credentials ahead of expiry. nearWindow lets the heartbeat force
// a refresh earlier than the request-path 5-minute window.
func (m *Manager) RunHeartbeat(ctx context.Context, nearWindow time.Duration) {
	m.mu.Lock()
	untilExpiry := time.Until(m.creds.ExpiresAt)
	m.mu.Unlock()

	force := nearWindow > 0 && untilExpiry <= nearWindow
	if err := m.EnsureFresh(ctx, force); err != nil {
		log.WithError(err).WithField("account", m.accountID).Debug("kiroauth: heartbeat refresh skipped/failed")
	}
}
