package model

// Role is the RBAC role carried by an API key and the tokens issued for it.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
	RoleReader  Role = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleService:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return RoleRank(r) > 0 }
