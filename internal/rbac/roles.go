package rbac

// Role names. Keep these stable; they are embedded in issued tokens.
const (
	RoleAdmin    = "admin"
	RoleAnalyst  = "analyst"
	RoleViewer   = "viewer"
	RoleOperator = "operator" // ops tooling only, never a dashboard role
)

// DashboardRoles may read call metrics.
var DashboardRoles = []string{RoleAdmin, RoleAnalyst, RoleViewer}

// Known reports whether role is one this service issues tokens for.
func Known(role string) bool {
	switch role {
	case RoleAdmin, RoleAnalyst, RoleViewer, RoleOperator:
		return true
	default:
		return false
	}
}
