package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"authhub.org/internal/ids"
	"authhub.org/internal/obs"
)

const defaultPermissionCacheTTL = 5 * time.Minute

// Resolver computes effective permissions from role assignments and owns
// every mutation of those assignments, so that each one invalidates the
// permission cache after it commits.
type Resolver struct {
	store  Store
	cache  PermissionCache
	now    func() time.Time
	ttl    time.Duration
	logger *zap.Logger
}

// ResolverOption configures the Resolver.
type ResolverOption func(*Resolver)

// WithPermissionCache installs a permission cache.
func WithPermissionCache(c PermissionCache) ResolverOption {
	return func(r *Resolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithCacheTTL bounds how long a resolved set may be served from cache.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithResolverClock overrides the time source.
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver constructs a Resolver. Without WithPermissionCache nothing is cached.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:  store,
		cache:  NopPermissionCache{},
		now:    utcNow,
		ttl:    defaultPermissionCacheTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EffectivePermissions returns the permissions granted to principalID under
// scope. Global assignments count under every scope; an empty scope sees
// global assignments only. Superusers get AllPermissions.
func (r *Resolver) EffectivePermissions(ctx context.Context, principalID, scope string) (PermissionSet, error) {
	cached, gen, hit, err := r.cache.Lookup(ctx, principalID, scope)
	cacheUsable := err == nil
	if err != nil {
		r.logger.Warn("permission cache lookup failed", zap.String("principal_id", principalID), zap.Error(err))
	}
	if hit {
		obs.PermissionCacheLookup(true)
		return cached.Set(), nil
	}
	obs.PermissionCacheLookup(false)

	user, err := r.store.UserByID(ctx, principalID)
	if errors.Is(err, ErrNotFound) {
		return NewPermissionSet(), nil
	}
	if err != nil {
		return PermissionSet{}, storeErr(err)
	}
	now := r.now()
	entry := CachedPermissions{ExpiresAt: now.Add(r.ttl)}
	if user.IsSuperuser {
		entry.All = true
	} else {
		live, err := r.effectiveAssignments(ctx, principalID, scope, now)
		if err != nil {
			return PermissionSet{}, err
		}
		seen := make(map[string]struct{})
		for _, a := range live {
			for _, code := range a.Permissions {
				if _, ok := seen[code]; !ok {
					seen[code] = struct{}{}
					entry.Codes = append(entry.Codes, code)
				}
			}
			if exp := a.Assignment.ExpiresAt; exp != nil && exp.Before(entry.ExpiresAt) {
				entry.ExpiresAt = *exp
			}
		}
		sort.Strings(entry.Codes)
	}
	if cacheUsable {
		if err := r.cache.Store(ctx, principalID, scope, gen, entry); err != nil {
			r.logger.Warn("permission cache store failed", zap.String("principal_id", principalID), zap.Error(err))
		}
	}
	return entry.Set(), nil
}

// HasPermission reports whether principalID holds code under scope.
func (r *Resolver) HasPermission(ctx context.Context, principalID, code, scope string) (bool, error) {
	set, err := r.EffectivePermissions(ctx, principalID, scope)
	if err != nil {
		return false, err
	}
	return set.Has(code), nil
}

// Roles returns the distinct roles granted to principalID under scope.
func (r *Resolver) Roles(ctx context.Context, principalID, scope string) ([]Role, error) {
	live, err := r.effectiveAssignments(ctx, principalID, scope, r.now())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(live))
	roles := make([]Role, 0, len(live))
	for _, a := range live {
		if _, ok := seen[a.Role.ID]; ok {
			continue
		}
		seen[a.Role.ID] = struct{}{}
		roles = append(roles, a.Role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Code < roles[j].Code })
	return roles, nil
}

// HasProjectAccess reports whether principalID is a superuser or holds at
// least one effective assignment scoped to project. Global assignments alone
// do not grant project access.
func (r *Resolver) HasProjectAccess(ctx context.Context, principalID, project string) (bool, error) {
	if strings.TrimSpace(project) == "" {
		return false, Fail(ErrInvalidInput, "missing_project")
	}
	user, err := r.store.UserByID(ctx, principalID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr(err)
	}
	if user.IsSuperuser {
		return true, nil
	}
	live, err := r.effectiveAssignments(ctx, principalID, project, r.now())
	if err != nil {
		return false, err
	}
	for _, a := range live {
		if a.Assignment.ProjectCode == project {
			return true, nil
		}
	}
	return false, nil
}

// Snapshot is the role and permission view of a principal within a project.
type Snapshot struct {
	Roles       []string
	Permissions []string
}

// Snapshot resolves the role codes and permission codes of principalID in
// project. For superusers the permissions are every permission the project
// defines.
func (r *Resolver) Snapshot(ctx context.Context, principalID, project string) (Snapshot, error) {
	set, err := r.EffectivePermissions(ctx, principalID, project)
	if err != nil {
		return Snapshot{}, err
	}
	roles, err := r.Roles(ctx, principalID, project)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Roles: make([]string, 0, len(roles))}
	for _, role := range roles {
		snap.Roles = append(snap.Roles, role.Code)
	}
	if set.All() {
		perms, err := r.store.ProjectPermissions(ctx, project)
		if err != nil {
			return Snapshot{}, storeErr(err)
		}
		sort.Strings(perms)
		snap.Permissions = perms
	} else {
		snap.Permissions = set.Codes()
	}
	return snap, nil
}

// effectiveAssignments loads active assignments, drops expired ones and
// deactivates those it finds expired.
func (r *Resolver) effectiveAssignments(ctx context.Context, principalID, scope string, now time.Time) ([]ScopedAssignment, error) {
	all, err := r.store.ActiveAssignments(ctx, principalID, scope)
	if err != nil {
		return nil, storeErr(err)
	}
	live := make([]ScopedAssignment, 0, len(all))
	expired := false
	for _, a := range all {
		if a.Assignment.Effective(now) {
			live = append(live, a)
			continue
		}
		if !a.Assignment.IsActive {
			continue
		}
		expired = true
		if err := r.store.DeactivateAssignment(ctx, a.Assignment.ID); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Warn("deactivate expired assignment failed", zap.String("assignment_id", a.Assignment.ID), zap.Error(err))
		}
	}
	if expired {
		if err := r.invalidate(ctx, principalID); err != nil {
			r.logger.Warn("invalidate after lazy expiry failed", zap.String("principal_id", principalID), zap.Error(err))
		}
	}
	return live, nil
}

// GrantRequest describes a role grant.
type GrantRequest struct {
	PrincipalID string
	RoleCode    string
	ProjectCode string
	GrantedBy   string
	ExpiresAt   *time.Time
}

// Grant activates a role for a principal. An inactive or expired existing
// assignment is reactivated in place; an effective one is a conflict.
func (r *Resolver) Grant(ctx context.Context, req GrantRequest) (RoleAssignment, error) {
	if strings.TrimSpace(req.PrincipalID) == "" || strings.TrimSpace(req.RoleCode) == "" {
		return RoleAssignment{}, Fail(ErrInvalidInput, "missing_principal_or_role")
	}
	now := r.now()
	if req.ExpiresAt != nil && !now.Before(*req.ExpiresAt) {
		return RoleAssignment{}, Fail(ErrInvalidInput, "expiry_in_past")
	}
	role, err := r.roleFor(ctx, req.ProjectCode, req.RoleCode)
	if err != nil {
		return RoleAssignment{}, err
	}
	assignment, err := r.store.GrantAssignment(ctx, RoleAssignment{
		ID:          ids.NewAt(now),
		PrincipalID: req.PrincipalID,
		RoleID:      role.ID,
		ProjectCode: req.ProjectCode,
		GrantedBy:   req.GrantedBy,
		GrantedAt:   now,
		ExpiresAt:   req.ExpiresAt,
		IsActive:    true,
	})
	if errors.Is(err, ErrConflict) {
		return RoleAssignment{}, Wrap(ErrConflict, "assignment_exists", err)
	}
	if err != nil {
		return RoleAssignment{}, storeErr(err)
	}
	if err := r.invalidate(ctx, req.PrincipalID); err != nil {
		return assignment, err
	}
	return assignment, nil
}

// Revoke deactivates the principal's assignment of roleCode in project.
func (r *Resolver) Revoke(ctx context.Context, principalID, roleCode, project string) error {
	role, err := r.roleFor(ctx, project, roleCode)
	if err != nil {
		return err
	}
	if _, err := r.store.RevokeAssignment(ctx, principalID, role.ID, project); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Wrap(ErrNotFound, "assignment_not_found", err)
		}
		return storeErr(err)
	}
	return r.invalidate(ctx, principalID)
}

// SweepExpired deactivates every expired active assignment and invalidates
// the affected principals. It returns how many principals were touched.
func (r *Resolver) SweepExpired(ctx context.Context) (int, error) {
	principals, err := r.store.DeactivateExpiredAssignments(ctx, r.now())
	if err != nil {
		return 0, storeErr(err)
	}
	var firstErr error
	for _, id := range principals {
		if err := r.invalidate(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(principals), firstErr
}

// Invalidate drops every cached permission set of principalID.
func (r *Resolver) Invalidate(ctx context.Context, principalID string) error {
	return r.invalidate(ctx, principalID)
}

func (r *Resolver) invalidate(ctx context.Context, principalID string) error {
	if err := r.cache.Invalidate(ctx, principalID); err != nil {
		r.logger.Error("permission cache invalidation failed", zap.String("principal_id", principalID), zap.Error(err))
		return Wrap(ErrUnavailable, "cache_invalidation_failed", err)
	}
	obs.PermissionCacheInvalidated()
	return nil
}

// roleFor resolves a role code within project, falling back to a global role.
func (r *Resolver) roleFor(ctx context.Context, project, code string) (Role, error) {
	if project != "" {
		role, err := r.store.RoleByCode(ctx, project, code)
		if err == nil {
			return role, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Role{}, storeErr(err)
		}
	}
	role, err := r.store.RoleByCode(ctx, "", code)
	if errors.Is(err, ErrNotFound) {
		return Role{}, Wrap(ErrNotFound, "role_not_found", err)
	}
	if err != nil {
		return Role{}, storeErr(err)
	}
	return role, nil
}

// ProjectSetup summarizes what SetupProject ensured.
type ProjectSetup struct {
	Project     Project
	Permissions []Permission
	Roles       []Role
}

// SetupProject registers project and ensures its default permissions and
// roles exist. It is safe to call repeatedly.
func (r *Resolver) SetupProject(ctx context.Context, project Project) (ProjectSetup, error) {
	project.Code = strings.ToLower(strings.TrimSpace(project.Code))
	if project.Code == "" || strings.TrimSpace(project.BaseURL) == "" {
		return ProjectSetup{}, Fail(ErrInvalidInput, "missing_project_fields")
	}
	if project.Name == "" {
		project.Name = project.Code
	}
	saved, err := r.store.UpsertProject(ctx, project)
	if err != nil {
		return ProjectSetup{}, storeErr(err)
	}
	out := ProjectSetup{Project: saved}
	permIDs := make(map[string]string, len(DefaultPermissions))
	for _, tmpl := range DefaultPermissions {
		p, err := r.store.EnsurePermission(ctx, Permission{
			ID:           ids.New(),
			Code:         ProjectPermission(saved.Code, tmpl.Code),
			ResourceType: tmpl.ResourceType,
			Action:       tmpl.Action,
			ProjectCode:  saved.Code,
		})
		if err != nil {
			return ProjectSetup{}, storeErr(err)
		}
		permIDs[tmpl.Code] = p.ID
		out.Permissions = append(out.Permissions, p)
	}
	for _, tmpl := range DefaultRoles {
		role, err := r.store.EnsureRole(ctx, Role{
			ID:          ids.New(),
			Code:        ProjectPermission(saved.Code, tmpl.Suffix),
			Name:        tmpl.Name,
			ProjectCode: saved.Code,
			IsSystem:    true,
		})
		if err != nil {
			return ProjectSetup{}, storeErr(err)
		}
		grants := make([]string, 0, len(tmpl.Permissions))
		for _, suffix := range tmpl.Permissions {
			grants = append(grants, permIDs[suffix])
		}
		if err := r.store.SetRolePermissions(ctx, role.ID, grants); err != nil {
			return ProjectSetup{}, storeErr(err)
		}
		out.Roles = append(out.Roles, role)
	}
	return out, nil
}
