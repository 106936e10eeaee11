package auth

import "slices"

// RoleAdmin may run sweeps and read every owner's mandates.
const RoleAdmin = "admin"

// Principal is the authenticated caller. OwnerID is the token subject and
// owns every mandate the caller creates.
type Principal struct {
	OwnerID string
	Roles   []string
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// IsAdmin reports whether the principal is an operator.
func (p *Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}
