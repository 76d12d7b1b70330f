package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Implementations return ErrNotFound, ErrConflict or ErrExpired for domain
// outcomes; any other error is treated as the store being unavailable.
type Store interface {
	UserStore
	SessionStore
	KeyStore
	ProjectStore
	RBACStore
	CodeStore
}

// UserStore manages principals.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	// UserByLogin matches either the username or the email address.
	UserByLogin(ctx context.Context, login string) (User, error)
	UserByExternalIdentity(ctx context.Context, provider, subject string) (User, error)
	LinkExternalIdentity(ctx context.Context, userID string, identity ExternalIdentity) error
	RecordLogin(ctx context.Context, userID string, at time.Time) error
}

// SessionStore manages session lifecycle.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	SessionByID(ctx context.Context, id string) (Session, error)
	SessionByTokenHash(ctx context.Context, hash string) (Session, error)
	SessionByRefreshHash(ctx context.Context, hash string) (Session, error)
	// DeactivateSession is idempotent.
	DeactivateSession(ctx context.Context, id string) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	// RotateRefreshHash swaps the refresh digest only if it still equals
	// oldHash; otherwise it returns ErrConflict.
	RotateRefreshHash(ctx context.Context, id, oldHash, newHash string) error
}

// KeyStore manages API and service keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, k APIKey) error
	APIKeyByHash(ctx context.Context, hash string) (APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	CreateServiceKey(ctx context.Context, k ServiceKey) error
	ServiceKeyByHash(ctx context.Context, hash string) (ServiceKey, error)
	TouchServiceKey(ctx context.Context, id string, at time.Time) error
}

// ProjectStore manages the project registry.
type ProjectStore interface {
	UpsertProject(ctx context.Context, p Project) (Project, error)
	ProjectByCode(ctx context.Context, code string) (Project, error)
}

// RBACStore manages roles, permissions and role assignments.
type RBACStore interface {
	EnsurePermission(ctx context.Context, p Permission) (Permission, error)
	EnsureRole(ctx context.Context, r Role) (Role, error)
	RoleByCode(ctx context.Context, projectCode, code string) (Role, error)
	SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error
	ProjectPermissions(ctx context.Context, projectCode string) ([]string, error)

	// ActiveAssignments returns the principal's active assignments visible
	// under projectCode: global ones plus those scoped to projectCode. An
	// empty projectCode returns global assignments only. Expiry is not
	// filtered.
	ActiveAssignments(ctx context.Context, principalID, projectCode string) ([]ScopedAssignment, error)
	// GrantAssignment inserts the assignment, or reactivates the existing row
	// for the same (principal, role, scope) when it is inactive or expired at
	// a.GrantedAt. An effective existing row yields ErrConflict.
	GrantAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error)
	// RevokeAssignment deactivates an active row; ErrNotFound otherwise.
	RevokeAssignment(ctx context.Context, principalID, roleID, projectCode string) (RoleAssignment, error)
	DeactivateAssignment(ctx context.Context, id string) error
	// DeactivateExpiredAssignments returns the distinct principals touched.
	DeactivateExpiredAssignments(ctx context.Context, now time.Time) ([]string, error)
}

// CodeStore manages SSO authorization codes.
type CodeStore interface {
	CreateAuthCode(ctx context.Context, c AuthorizationCode) error
	// ConsumeAuthCode marks the code used in a single conditional write and
	// returns it. An unknown code yields ErrNotFound, an expired one
	// ErrExpired and an already used one ErrConflict.
	ConsumeAuthCode(ctx context.Context, code string, now time.Time) (AuthorizationCode, error)
}
