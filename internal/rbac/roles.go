package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleOperator   = "operator" // runs campaigns: upload, start, pause, schedule
	RoleViewer     = "viewer"
	RoleSuperAdmin = "super_admin"
	RoleSupport    = "support" // hidden role
)

// Role sets used by the route table.
var (
	RunWriters = []string{RoleOwner, RoleAdmin, RoleOperator}
	RunReaders = []string{RoleOwner, RoleAdmin, RoleOperator, RoleViewer, RoleSupport}
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleSupport }
