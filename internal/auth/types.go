package auth

import "errors"

// Role represents an authorisation tier for API clients.
type Role string

const (
	// RoleViewer may read gateways, devices and history.
	RoleViewer Role = "viewer"

	// RoleOperator may additionally send writes to devices.
	RoleOperator Role = "operator"

	// RoleAdmin may additionally run discovery scans.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole reports whether r is one of ValidRoles.
func IsValidRole(r Role) bool {
	for _, valid := range ValidRoles {
		if r == valid {
			return true
		}
	}
	return false
}

// Sentinel errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
	ErrNoSecret     = errors.New("jwt secret is not configured")
	ErrNoSubject    = errors.New("token subject is required")
)
