package access

import "fmt"

// Role is the capability level granted on a successful handshake. Roles form
// a total order: admin covers member, member covers visitor.
type Role int

const (
	RoleVisitor Role = iota
	RoleMember
	RoleAdmin
)

const (
	roleNameVisitor = "visitor"
	roleNameMember  = "member"
	roleNameAdmin   = "admin"
)

// String returns the canonical role name.
func (r Role) String() string {
	switch r {
	case RoleVisitor:
		return roleNameVisitor
	case RoleMember:
		return roleNameMember
	case RoleAdmin:
		return roleNameAdmin
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Satisfies reports whether the role meets or exceeds the required level.
func (r Role) Satisfies(required Role) bool {
	return r >= required
}

// ParseRole maps a role name to its Role value.
func ParseRole(name string) (Role, error) {
	switch name {
	case roleNameVisitor:
		return RoleVisitor, nil
	case roleNameMember:
		return RoleMember, nil
	case roleNameAdmin:
		return RoleAdmin, nil
	default:
		return RoleVisitor, fmt.Errorf("unknown role %q", name)
	}
}
