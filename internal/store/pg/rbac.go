package pg

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"authhub.org/internal/auth"
)

// --- projects ---

func (s *Store) UpsertProject(ctx context.Context, p auth.Project) (auth.Project, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var out auth.Project
	err := s.db.QueryRowContext(ctx, `
		insert into projects (code, name, base_url, is_active, created_at)
		values ($1, $2, $3, $4, now())
		on conflict (code) do update
		set name = excluded.name, base_url = excluded.base_url, is_active = excluded.is_active
		returning code, name, base_url, is_active, created_at
	`, p.Code, p.Name, p.BaseURL, p.IsActive).Scan(&out.Code, &out.Name, &out.BaseURL, &out.IsActive, &out.CreatedAt)
	if err != nil {
		return auth.Project{}, dbErr(err)
	}
	return out, nil
}

func (s *Store) ProjectByCode(ctx context.Context, code string) (auth.Project, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var p auth.Project
	err := s.db.QueryRowContext(ctx, `
		select code, name, base_url, is_active, created_at from projects where code = $1
	`, code).Scan(&p.Code, &p.Name, &p.BaseURL, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return auth.Project{}, dbErr(err)
	}
	return p, nil
}

// --- roles and permissions ---

// EnsurePermission inserts p unless a permission with the same code exists,
// and returns the stored row either way.
func (s *Store) EnsurePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var out auth.Permission
	err := s.db.QueryRowContext(ctx, `
		insert into permissions (id, code, resource_type, action, project_code)
		values ($1, $2, $3, $4, $5)
		on conflict (code) do update set code = excluded.code
		returning id, code, resource_type, action, coalesce(project_code, '')
	`, p.ID, p.Code, p.ResourceType, p.Action, nullIfEmpty(p.ProjectCode)).
		Scan(&out.ID, &out.Code, &out.ResourceType, &out.Action, &out.ProjectCode)
	if err != nil {
		return auth.Permission{}, dbErr(err)
	}
	return out, nil
}

// EnsureRole inserts r unless a role with the same code exists in the same
// scope, and returns the stored row either way.
func (s *Store) EnsureRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanRole(s.db.QueryRowContext(ctx, `
		insert into roles (id, code, name, project_code, is_system, created_at)
		values ($1, $2, $3, $4, $5, now())
		on conflict (code, (coalesce(project_code, ''))) do update set code = excluded.code
		returning id, code, name, coalesce(project_code, ''), is_system, created_at
	`, r.ID, r.Code, r.Name, nullIfEmpty(r.ProjectCode), r.IsSystem))
}

func (s *Store) RoleByCode(ctx context.Context, projectCode, code string) (auth.Role, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanRole(s.db.QueryRowContext(ctx, `
		select id, code, name, coalesce(project_code, ''), is_system, created_at
		from roles
		where code = $1 and coalesce(project_code, '') = $2
	`, code, projectCode))
}

func scanRole(row scanner) (auth.Role, error) {
	var r auth.Role
	if err := row.Scan(&r.ID, &r.Code, &r.Name, &r.ProjectCode, &r.IsSystem, &r.CreatedAt); err != nil {
		return auth.Role{}, dbErr(err)
	}
	return r, nil
}

// SetRolePermissions replaces the permission set of a role.
func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1 for update`, roleID).Scan(&exists); err != nil {
		return dbErr(err)
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return dbErr(err)
	}
	for _, id := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, id); err != nil {
			return dbErr(err)
		}
	}
	return dbErr(tx.Commit())
}

func (s *Store) ProjectPermissions(ctx context.Context, projectCode string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		select code from permissions where coalesce(project_code, '') = $1 order by code
	`, projectCode)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, dbErr(err)
		}
		out = append(out, code)
	}
	return out, dbErr(rows.Err())
}

// --- assignments ---

const assignmentColumns = `id, principal_id, role_id, coalesce(project_code, ''), granted_by, granted_at, expires_at, is_active`

func scanAssignment(row scanner) (auth.RoleAssignment, error) {
	var (
		a       auth.RoleAssignment
		expires sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.PrincipalID, &a.RoleID, &a.ProjectCode, &a.GrantedBy, &a.GrantedAt, &expires, &a.IsActive); err != nil {
		return auth.RoleAssignment{}, err
	}
	a.ExpiresAt = timePtr(expires)
	return a, nil
}

func (s *Store) ActiveAssignments(ctx context.Context, principalID, projectCode string) ([]auth.ScopedAssignment, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		select ra.id, ra.principal_id, ra.role_id, coalesce(ra.project_code, ''), ra.granted_by, ra.granted_at,
			ra.expires_at, ra.is_active,
			r.code, r.name, coalesce(r.project_code, ''), r.is_system, r.created_at,
			p.code
		from role_assignments ra
		join roles r on r.id = ra.role_id
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		where ra.principal_id = $1 and ra.is_active
			and (ra.project_code is null or ra.project_code = nullif($2, ''))
		order by ra.id, p.code
	`, principalID, projectCode)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()

	var out []auth.ScopedAssignment
	for rows.Next() {
		var (
			a       auth.RoleAssignment
			role    auth.Role
			expires sql.NullTime
			perm    sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.PrincipalID, &a.RoleID, &a.ProjectCode, &a.GrantedBy, &a.GrantedAt,
			&expires, &a.IsActive,
			&role.Code, &role.Name, &role.ProjectCode, &role.IsSystem, &role.CreatedAt,
			&perm); err != nil {
			return nil, dbErr(err)
		}
		if n := len(out); n == 0 || out[n-1].Assignment.ID != a.ID {
			a.ExpiresAt = timePtr(expires)
			role.ID = a.RoleID
			out = append(out, auth.ScopedAssignment{Assignment: a, Role: role})
		}
		if perm.Valid {
			last := &out[len(out)-1]
			last.Permissions = append(last.Permissions, perm.String)
		}
	}
	return out, dbErr(rows.Err())
}

// GrantAssignment is a single upsert: the conflicting row is only rewritten
// when it is inactive or already expired, so an effective assignment
// returns no row.
func (s *Store) GrantAssignment(ctx context.Context, a auth.RoleAssignment) (auth.RoleAssignment, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := scanAssignment(s.db.QueryRowContext(ctx, `
		insert into role_assignments (id, principal_id, role_id, project_code, granted_by, granted_at, expires_at, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, true)
		on conflict (principal_id, role_id, (coalesce(project_code, ''))) do update
		set granted_by = excluded.granted_by,
			granted_at = excluded.granted_at,
			expires_at = excluded.expires_at,
			is_active = true
		where role_assignments.is_active = false
			or (role_assignments.expires_at is not null and role_assignments.expires_at <= excluded.granted_at)
		returning `+assignmentColumns,
		a.ID, a.PrincipalID, a.RoleID, nullIfEmpty(a.ProjectCode), a.GrantedBy, a.GrantedAt, nullTime(a.ExpiresAt)))
	if errors.Is(err, sql.ErrNoRows) {
		// No row back from the upsert means the WHERE rejected the update.
		return auth.RoleAssignment{}, auth.ErrConflict
	}
	return out, dbErr(err)
}

func (s *Store) RevokeAssignment(ctx context.Context, principalID, roleID, projectCode string) (auth.RoleAssignment, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	a, err := scanAssignment(s.db.QueryRowContext(ctx, `
		update role_assignments set is_active = false
		where principal_id = $1 and role_id = $2 and coalesce(project_code, '') = $3 and is_active
		returning `+assignmentColumns, principalID, roleID, projectCode))
	return a, dbErr(err)
}

func (s *Store) DeactivateAssignment(ctx context.Context, id string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `update role_assignments set is_active = false where id = $1`, id)
	if err != nil {
		return dbErr(err)
	}
	return affected(res)
}

func (s *Store) DeactivateExpiredAssignments(ctx context.Context, now time.Time) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		update role_assignments set is_active = false
		where is_active and expires_at is not null and expires_at <= $1
		returning principal_id
	`, now)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()
	seen := make(map[string]struct{})
	var principals []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr(err)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		principals = append(principals, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	sort.Strings(principals)
	return principals, nil
}
