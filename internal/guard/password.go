package guard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"compligate.org/internal/credstore"
	"compligate.org/internal/obs"
	"compligate.org/internal/remote"
	"compligate.org/internal/session"
	"compligate.org/internal/tokens"
)

// Password-strength rejection reasons.
var (
	ErrPasswordTooShort   = errors.New("guard: password must be at least 8 characters")
	ErrPasswordSequential = errors.New("guard: password contains sequential characters")
	ErrPasswordCommon     = errors.New("guard: password contains common weak patterns")
	ErrPasswordLikeEmail  = errors.New("guard: password is too similar to the email")
	ErrPasswordNumeric    = errors.New("guard: password cannot be numeric only")
)

const minPasswordLength = 8

var (
	sequentialRuns = regexp.MustCompile(`(?i)(123|234|345|456|567|678|789|890|abc|bcd|cde|def|efg|fgh|ghi|hij|ijk|jkl|klm|lmn|mno|nop|opq|pqr|qrs|rst|stu|tuv|uvw|vwx|wxy|xyz)`)
	allNumeric     = regexp.MustCompile(`^\d+$`)

	weakPasswords = []string{
		"password", "123456", "qwerty", "admin", "welcome", "letmein",
		"monkey", "dragon", "baseball", "football", "mustang", "master",
		"hello", "secret", "login",
	}
)

// ValidateNewPassword applies the local strength rules before a change or
// reset is submitted. Client-side rejection never substitutes for the
// server's own validation. All violated rules are reported together.
func ValidateNewPassword(password, email string) error {
	var errs []error
	lower := strings.ToLower(password)

	if len(password) < minPasswordLength {
		errs = append(errs, ErrPasswordTooShort)
	}
	if sequentialRuns.MatchString(password) {
		errs = append(errs, ErrPasswordSequential)
	}
	for _, weak := range weakPasswords {
		if strings.Contains(lower, weak) {
			errs = append(errs, ErrPasswordCommon)
			break
		}
	}
	if local := emailLocalPart(email); local != "" && strings.Contains(lower, local) {
		errs = append(errs, ErrPasswordLikeEmail)
	}
	if allNumeric.MatchString(password) {
		errs = append(errs, ErrPasswordNumeric)
	}
	return errors.Join(errs...)
}

func emailLocalPart(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return ""
}

// ExitBehavior selects where a completed forced password change lands.
type ExitBehavior int

const (
	// ExitLogoutAndRelogin clears the session and sends the user back to
	// login. The default: it guarantees no stale session survives a changed
	// credential.
	ExitLogoutAndRelogin ExitBehavior = iota

	// ExitDashboardRedirect keeps the session and lands on the role's own
	// dashboard root.
	ExitDashboardRedirect
)

// Gate is the password-change screen's controller, the only protected screen
// reachable while a forced change is pending.
type Gate struct {
	sessions *session.Manager
	api      *remote.Client
	store    credstore.Store
	exit     ExitBehavior
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithExitBehavior overrides the post-change exit path.
func WithExitBehavior(exit ExitBehavior) GateOption {
	return func(g *Gate) { g.exit = exit }
}

func NewGate(sessions *session.Manager, api *remote.Client, store credstore.Store, opts ...GateOption) *Gate {
	g := &Gate{sessions: sessions, api: api, store: store}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ChangePassword validates the new password locally, submits the change, and
// returns the path the user should land on next.
func (g *Gate) ChangePassword(ctx context.Context, current, newPassword string) (string, error) {
	snap := g.sessions.Snapshot()
	email := ""
	if snap.Profile != nil {
		email = snap.Profile.Email
	}
	if err := ValidateNewPassword(newPassword, email); err != nil {
		return "", err
	}

	if err := g.api.ChangePassword(ctx, current, newPassword); err != nil {
		return "", fmt.Errorf("guard: change password: %w", err)
	}
	obs.LogEvent("password_changed", nil)

	if g.exit == ExitDashboardRedirect {
		if dashboard, ok := DashboardPath(g.roleHint(snap)); ok {
			return dashboard, nil
		}
		return PathLogin, nil
	}
	g.sessions.Logout()
	return PathLogin, nil
}

// roleHint recovers the role for the dashboard redirect. Right after a login
// that demanded a password change the session is not populated, so fall back
// to the persisted access token's claim.
func (g *Gate) roleHint(snap session.Session) tokens.Role {
	if snap.Role != tokens.RoleNone {
		return snap.Role
	}
	access, ok := g.store.Get(credstore.KeyAccess)
	if !ok {
		return tokens.RoleNone
	}
	claims, err := tokens.Decode(access)
	if err != nil {
		return tokens.RoleNone
	}
	return claims.Role
}
