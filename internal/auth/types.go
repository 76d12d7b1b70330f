package auth

import "time"

// User is a human principal.
type User struct {
	ID           string
	Username     string
	Email        string
	DisplayName  string
	PasswordHash string
	IsActive     bool
	IsVerified   bool
	IsSuperuser  bool
	LoginCount   int
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExternalIdentity is the account reported by a federated identity provider.
type ExternalIdentity struct {
	Provider    string
	Subject     string
	Email       string
	Username    string
	DisplayName string
}

// Session backs one browser-held session cookie. Only digests of the session
// and refresh tokens are persisted.
type Session struct {
	ID             string
	PrincipalID    string
	ProjectCode    string
	TokenHash      string
	RefreshHash    string
	IPAddress      string
	UserAgent      string
	IsActive       bool
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	CreatedAt      time.Time
}

// Expired reports whether the session is past its lifetime at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// APIKey is a long-lived credential owned by a user.
type APIKey struct {
	ID          string
	Name        string
	KeyHash     string
	PrincipalID string
	Permissions []string
	IsActive    bool
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// ServiceKey is a long-lived credential owned by a project and used for
// project-to-project calls.
type ServiceKey struct {
	ID              string
	Name            string
	KeyHash         string
	ProjectCode     string
	AllowedProjects []string
	Permissions     []string
	IsActive        bool
	ExpiresAt       *time.Time
	LastUsedAt      *time.Time
	CreatedAt       time.Time
}

// Allows reports whether the key may act against project.
func (k ServiceKey) Allows(project string) bool {
	if project == k.ProjectCode {
		return true
	}
	for _, p := range k.AllowedProjects {
		if p == project {
			return true
		}
	}
	return false
}

// AuthorizationCode is the single-use SSO handoff credential.
type AuthorizationCode struct {
	Code        string
	PrincipalID string
	ProjectCode string
	RedirectURI string
	ExpiresAt   time.Time
	IsUsed      bool
	UsedAt      *time.Time
	CreatedAt   time.Time
}

// Project is a registered client application.
type Project struct {
	Code      string
	Name      string
	BaseURL   string
	IsActive  bool
	CreatedAt time.Time
}

// Role groups permissions. An empty ProjectCode denotes a global role.
type Role struct {
	ID          string
	Code        string
	Name        string
	ProjectCode string
	IsSystem    bool
	CreatedAt   time.Time
}

// Permission is a project-scoped capability.
type Permission struct {
	ID           string
	Code         string
	ResourceType string
	Action       string
	ProjectCode  string
}

// RoleAssignment grants a role to a principal, optionally within a project
// and optionally until ExpiresAt.
type RoleAssignment struct {
	ID          string
	PrincipalID string
	RoleID      string
	ProjectCode string
	GrantedBy   string
	GrantedAt   time.Time
	ExpiresAt   *time.Time
	IsActive    bool
}

// Expired reports whether the assignment's expiry has passed at now.
func (a RoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// Effective reports whether the assignment currently grants its role.
func (a RoleAssignment) Effective(now time.Time) bool {
	return a.IsActive && !a.Expired(now)
}

// ScopedAssignment is an assignment joined with its role and the role's
// permission codes.
type ScopedAssignment struct {
	Assignment  RoleAssignment
	Role        Role
	Permissions []string
}
