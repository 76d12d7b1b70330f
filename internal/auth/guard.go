package auth

import "context"

// RequirePermission checks that the caller in ctx holds perm under scope.
// Key-authenticated callers are further narrowed by their key's grant set,
// and project tokens only act within their own project.
func (r *Resolver) RequirePermission(ctx context.Context, perm, scope string) error {
	ac, ok := AuthFromContext(ctx)
	if !ok {
		return Fail(ErrUnauthenticated, "unauthenticated")
	}
	if ac.Service != nil {
		if ac.Project == scope && ac.KeyGrants(perm) {
			return nil
		}
		return Fail(ErrForbidden, "permission_denied")
	}
	if ac.User == nil {
		return Fail(ErrUnauthenticated, "unauthenticated")
	}
	if ac.TokenType == TokenSSOAccess && ac.Project != scope {
		return Fail(ErrForbidden, "project_mismatch")
	}
	if ac.Method == MethodAPIKey && len(ac.KeyPermissions) > 0 && !ac.KeyGrants(perm) {
		return Fail(ErrForbidden, "permission_denied")
	}
	has, err := r.HasPermission(ctx, ac.User.ID, perm, scope)
	if err != nil {
		return err
	}
	if !has {
		return Fail(ErrForbidden, "permission_denied")
	}
	return nil
}

// RequireRole checks that the user in ctx holds roleCode under scope.
func (r *Resolver) RequireRole(ctx context.Context, roleCode, scope string) error {
	ac, ok := AuthFromContext(ctx)
	if !ok || ac.User == nil {
		return Fail(ErrUnauthenticated, "unauthenticated")
	}
	if ac.User.IsSuperuser {
		return nil
	}
	roles, err := r.Roles(ctx, ac.User.ID, scope)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if role.Code == roleCode {
			return nil
		}
	}
	return Fail(ErrForbidden, "role_required")
}

// RequireSuperuser checks that the user in ctx is a superuser.
func RequireSuperuser(ctx context.Context) error {
	ac, ok := AuthFromContext(ctx)
	if !ok || ac.User == nil {
		return Fail(ErrUnauthenticated, "unauthenticated")
	}
	if !ac.User.IsSuperuser {
		return Fail(ErrForbidden, "superuser_required")
	}
	return nil
}
