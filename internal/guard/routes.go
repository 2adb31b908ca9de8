package guard

import "compligate.org/internal/tokens"

// ConsoleRoutes is the protected route tree with each screen's declared
// allowed-roles set. Public screens (login, registration, password reset,
// tokenized uploads) are not listed; the guard is never consulted for them.
var ConsoleRoutes = []Target{
	{Path: "/admin/dashboard", AllowedRoles: []tokens.Role{tokens.RoleAdmin}},
	{Path: "/admin/vendors", AllowedRoles: []tokens.Role{tokens.RoleAdmin}},
	{Path: "/admin/user-management", AllowedRoles: []tokens.Role{tokens.RoleAdmin}},
	{Path: "/admin/user-management/add", AllowedRoles: []tokens.Role{tokens.RoleAdmin}},
	{Path: "/admin/user-management/edit", AllowedRoles: []tokens.Role{tokens.RoleAdmin}},
	{Path: "/admin/settings", AllowedRoles: []tokens.Role{tokens.RoleAdmin}},

	{Path: "/officer/dashboard", AllowedRoles: []tokens.Role{tokens.RoleOfficer}},
	{Path: "/officer/vendors", AllowedRoles: []tokens.Role{tokens.RoleOfficer}},
	{Path: "/officer/vendors/add", AllowedRoles: []tokens.Role{tokens.RoleOfficer}},
	{Path: "/officer/vendors/bulk-upload", AllowedRoles: []tokens.Role{tokens.RoleOfficer}},
	{Path: "/officer/documents", AllowedRoles: []tokens.Role{tokens.RoleOfficer}},
	{Path: "/officer/documents/manual-upload", AllowedRoles: []tokens.Role{tokens.RoleOfficer}},

	{Path: "/viewer/dashboard", AllowedRoles: []tokens.Role{tokens.RoleViewer}},
	{Path: "/viewer/vendors", AllowedRoles: []tokens.Role{tokens.RoleViewer}},
	{Path: "/viewer/reports", AllowedRoles: []tokens.Role{tokens.RoleViewer}},
}

// TargetFor looks up a protected route by path.
func TargetFor(path string) (Target, bool) {
	for _, t := range ConsoleRoutes {
		if t.Path == path {
			return t, true
		}
	}
	return Target{}, false
}
