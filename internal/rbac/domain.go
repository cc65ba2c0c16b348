package rbac

// Role enumerates portal roles. The set is closed; the store rejects
// anything outside it via the app_role enum.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleBursar     Role = "bursar"
	RoleRegistrar  Role = "registrar"
	RoleTeacher    Role = "teacher"
	RoleParent     Role = "parent"
	RoleStudent    Role = "student"
	RoleAuditor    Role = "auditor"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleBursar, RoleRegistrar, RoleTeacher, RoleParent, RoleStudent, RoleAuditor:
		return true
	}
	return false
}
