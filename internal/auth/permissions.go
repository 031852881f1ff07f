package auth

// Permission represents a named capability in the API.
type Permission string

// Permission constants.
const (
	PermDeviceRead    Permission = "device:read"
	PermDeviceOperate Permission = "device:operate"
	PermDiscovery     Permission = "discovery:run"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDeviceRead,
	},
	RoleOperator: {
		PermDeviceRead,
		PermDeviceOperate,
	},
	RoleAdmin: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDiscovery,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
