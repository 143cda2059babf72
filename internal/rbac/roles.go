package rbac

// Role names. Keep these stable; they are part of the identity service contract.
const (
	RoleUser    = "user"
	RoleSupport = "support"
	RoleAdmin   = "admin"
	// RoleService is carried by internal callers such as the campaign runner.
	RoleService = "service"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
