package auth

import "slices"

// Roles understood by the controller.
const (
	RoleOperator = "operator"
	RoleAgent    = "agent"
	RoleAdmin    = "admin"
)

// Identity is the verified caller. TenantID scopes every record it touches.
type Identity struct {
	UID      string
	TenantID string
	Roles    []string
}

// HasRole reports whether the identity may act as role.
// Admin implies every role, and an identity without roles is both operator and agent.
func (id Identity) HasRole(role string) bool {
	if len(id.Roles) == 0 {
		return role == RoleOperator || role == RoleAgent
	}
	if slices.Contains(id.Roles, RoleAdmin) {
		return true
	}
	return slices.Contains(id.Roles, role)
}
