// Package guard decides, per navigation attempt, whether a protected screen
// may render. The decision is a pure function of the session snapshot and the
// navigation target, so screens and tests can evaluate it without touching
// the network.
package guard

import (
	"compligate.org/internal/session"
	"compligate.org/internal/tokens"
)

// Console entry points the guard redirects to.
const (
	PathLogin            = "/login"
	PathPasswordChange   = "/force-change-password"
	PathAdminDashboard   = "/admin/dashboard"
	PathOfficerDashboard = "/officer/dashboard"
	PathViewerDashboard  = "/viewer/dashboard"
)

// DashboardPath returns a role's own dashboard root.
func DashboardPath(role tokens.Role) (string, bool) {
	switch role {
	case tokens.RoleAdmin:
		return PathAdminDashboard, true
	case tokens.RoleOfficer:
		return PathOfficerDashboard, true
	case tokens.RoleViewer:
		return PathViewerDashboard, true
	}
	return "", false
}

// Target is a navigation attempt: the requested path and the roles the
// screen declares. An empty AllowedRoles set means any authenticated role.
type Target struct {
	Path         string
	AllowedRoles []tokens.Role
}

// Action is the kind of decision.
type Action int

const (
	// ActionWait: the session is still loading; render a neutral state and
	// make no redirect decision yet.
	ActionWait Action = iota
	ActionAllow
	ActionRedirect
)

// Decision is the outcome of one navigation attempt.
type Decision struct {
	Action     Action
	RedirectTo string
}

func redirect(to string) Decision { return Decision{Action: ActionRedirect, RedirectTo: to} }

// Decide evaluates the ordered decision rules. The forced-password-change
// check runs before the allowed-roles check: a user with a pending change
// obligation must not reach any protected screen their role would otherwise
// permit, except the password-change screen itself.
func Decide(s session.Session, t Target) Decision {
	if s.Phase != session.PhaseReady {
		return Decision{Action: ActionWait}
	}
	if !s.Authenticated {
		return redirect(PathLogin)
	}
	if s.Profile != nil && s.Profile.MustChangePassword &&
		(s.Role == tokens.RoleOfficer || s.Role == tokens.RoleViewer) &&
		t.Path != PathPasswordChange {
		return redirect(PathPasswordChange)
	}
	if len(t.AllowedRoles) > 0 && !roleAllowed(s.Role, t.AllowedRoles) {
		if dashboard, ok := DashboardPath(s.Role); ok {
			return redirect(dashboard)
		}
		return redirect(PathLogin)
	}
	return Decision{Action: ActionAllow}
}

func roleAllowed(role tokens.Role, allowed []tokens.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
