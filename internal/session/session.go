// Package session owns the authoritative client-side identity record. The
// Manager is the only writer of session state: it reconstructs the session
// from persisted tokens at startup and mutates it on login and logout.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"compligate.org/internal/credstore"
	"compligate.org/internal/obs"
	"compligate.org/internal/remote"
	"compligate.org/internal/tokens"
)

// Phase tracks whether the session has finished loading. Guards render a
// neutral waiting state until the phase is ready.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseReady
)

// Session is a point-in-time snapshot of the identity record. Invariants:
// Authenticated implies Role is set and Profile is non-nil; OrganizationName
// is populated only for the admin role.
type Session struct {
	Authenticated    bool
	Role             tokens.Role
	Profile          *remote.Profile
	OrganizationName string
	Phase            Phase
}

// LoginResult is what a login screen needs to route the user.
type LoginResult struct {
	Role               tokens.Role
	MustChangePassword bool
}

// Manager derives and owns the Session record.
type Manager struct {
	store credstore.Store
	api   *remote.Client
	now   func() time.Time

	mu   sync.RWMutex
	sess Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store credstore.Store, api *remote.Client, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		api:   api,
		now:   time.Now,
		sess:  Session{Phase: PhaseInitializing},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess
}

// Initialize reconstructs the session from the persisted access token. It
// runs once at process start. An absent, malformed, or expired token yields
// a ready unauthenticated session without any network call; a structurally
// valid token that cannot be completed with a profile is a fatal session
// error, never a partial session.
func (m *Manager) Initialize(ctx context.Context) error {
	access, ok := m.store.Get(credstore.KeyAccess)
	if !ok {
		m.setReady(Session{})
		return nil
	}

	claims, err := tokens.Decode(access)
	if err != nil || claims.Expired(m.now()) {
		m.Logout()
		return nil
	}

	sess, err := m.buildAuthenticated(ctx, claims.Role)
	if err != nil {
		m.Logout()
		return fmt.Errorf("session: initialize: %w", err)
	}
	m.setReady(sess)
	return nil
}

// Login exchanges credentials for a fresh credential pair and persists it.
// When the server signals a forced password change, the pair is persisted
// but the session is not populated; the caller routes the user to the
// password-change screen and the next Initialize builds the flagged session.
func (m *Manager) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	result, err := m.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(credstore.KeyAccess, result.Access); err != nil {
		return nil, err
	}
	if err := m.store.Set(credstore.KeyRefresh, result.Refresh); err != nil {
		return nil, err
	}

	if result.MustChangePassword {
		m.setReady(Session{})
		obs.LogEvent("login_password_change_required", map[string]any{"role": string(result.Role)})
		return &LoginResult{Role: result.Role, MustChangePassword: true}, nil
	}

	sess, err := m.buildAuthenticated(ctx, result.Role)
	if err != nil {
		m.Logout()
		return nil, fmt.Errorf("session: login: %w", err)
	}
	m.setReady(sess)
	obs.LogEvent("login", map[string]any{"role": string(result.Role)})
	return &LoginResult{Role: result.Role}, nil
}

// Logout clears the credential store and resets the session to its
// unauthenticated baseline. Idempotent.
func (m *Manager) Logout() {
	if err := m.store.Clear(); err != nil {
		obs.LogEvent("credential_clear_failed", map[string]any{"error": err.Error()})
	}
	m.setReady(Session{})
}

// HandleInvalidated resets the session after the gateway declared the
// credentials fatal. The gateway has already cleared the store; wire this as
// the gateway's invalidate hook.
func (m *Manager) HandleInvalidated() {
	m.setReady(Session{})
}

func (m *Manager) buildAuthenticated(ctx context.Context, role tokens.Role) (Session, error) {
	profile, err := m.api.Me(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("load profile: %w", err)
	}
	sess := Session{
		Authenticated: true,
		Role:          role,
		Profile:       profile,
	}
	if role == tokens.RoleAdmin {
		org, err := m.api.OrganizationMe(ctx)
		if err != nil {
			return Session{}, fmt.Errorf("load organization: %w", err)
		}
		sess.OrganizationName = org.Name
	}
	return sess, nil
}

func (m *Manager) setReady(sess Session) {
	sess.Phase = PhaseReady
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
}
