package auth

// Role represents a caller role with hierarchical permissions
type Role int

const (
	// Viewer can read job history and image status
	Viewer Role = iota
	// Operator can also trigger jobs and record upgrades
	Operator
	// Admin can also manage API keys
	Admin
)

// String returns the string representation of the role
func (r Role) String() string {
	switch r {
	case Admin:
		return "admin"
	case Operator:
		return "operator"
	case Viewer:
		return "viewer"
	default:
		return "unknown"
	}
}

// ParseRole converts a string to a Role. The second result is false for
// unknown roles, which map to Viewer.
func ParseRole(roleStr string) (Role, bool) {
	switch roleStr {
	case "admin":
		return Admin, true
	case "operator":
		return Operator, true
	case "viewer":
		return Viewer, true
	default:
		return Viewer, false // Default to lowest privilege
	}
}

// HasPermission checks if the role has sufficient permissions for the required role
// Higher roles automatically have permissions for lower roles
func (r Role) HasPermission(required Role) bool {
	return r >= required
}
