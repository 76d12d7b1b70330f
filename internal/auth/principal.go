package auth

// AuthMethod names the strategy that authenticated a request.
type AuthMethod string

const (
	MethodSession    AuthMethod = "session"
	MethodAPIKey     AuthMethod = "api_key"
	MethodServiceKey AuthMethod = "service_key"
	MethodBearer     AuthMethod = "bearer"
)

// ServiceIdentity is the caller behind a service key. It is not a user.
type ServiceIdentity struct {
	KeyID        string
	Name         string
	OwnerProject string
}

// AuthContext is the outcome of a successful authentication. Exactly one of
// User and Service is set.
type AuthContext struct {
	Method  AuthMethod
	User    *User
	Service *ServiceIdentity

	// SessionID is set for session and session-bound bearer authentication.
	SessionID string
	// Project is the token's project scope or the service caller's asserted project.
	Project   string
	TokenType TokenType
	// KeyPermissions is the grant set of an API or service key.
	KeyPermissions []string
}

// PrincipalID returns the user id, or "" for service callers.
func (a *AuthContext) PrincipalID() string {
	if a == nil || a.User == nil {
		return ""
	}
	return a.User.ID
}

// IsSuperuser reports whether the caller is a superuser.
func (a *AuthContext) IsSuperuser() bool {
	return a != nil && a.User != nil && a.User.IsSuperuser
}

// KeyGrants reports whether the key grant set includes perm.
func (a *AuthContext) KeyGrants(perm string) bool {
	if a == nil {
		return false
	}
	for _, p := range a.KeyPermissions {
		if p == perm || p == PermissionAll {
			return true
		}
	}
	return false
}
