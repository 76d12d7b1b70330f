package pg

import (
	"context"
	"database/sql"
	"time"

	"authhub.org/internal/auth"
)

func (s *Store) CreateAPIKey(ctx context.Context, k auth.APIKey) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	perms, err := encodeList(k.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into api_keys (id, name, key_hash, principal_id, permissions, is_active, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, k.ID, k.Name, k.KeyHash, k.PrincipalID, perms, k.IsActive, nullTime(k.ExpiresAt), k.CreatedAt)
	return dbErr(err)
}

func (s *Store) APIKeyByHash(ctx context.Context, hash string) (auth.APIKey, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		k               auth.APIKey
		perms           []byte
		expires, lastUp sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, key_hash, principal_id, permissions, is_active, expires_at, last_used_at, created_at
		from api_keys
		where key_hash = $1
	`, hash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.PrincipalID, &perms, &k.IsActive, &expires, &lastUp, &k.CreatedAt)
	if err != nil {
		return auth.APIKey{}, dbErr(err)
	}
	if k.Permissions, err = decodeList(perms); err != nil {
		return auth.APIKey{}, auth.Unavailable(err)
	}
	k.ExpiresAt = timePtr(expires)
	k.LastUsedAt = timePtr(lastUp)
	return k, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `update api_keys set last_used_at = $2 where id = $1`, id, at)
	if err != nil {
		return dbErr(err)
	}
	return affected(res)
}

func (s *Store) CreateServiceKey(ctx context.Context, k auth.ServiceKey) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	allowed, err := encodeList(k.AllowedProjects)
	if err != nil {
		return err
	}
	perms, err := encodeList(k.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into service_keys (id, name, key_hash, project_code, allowed_projects, permissions, is_active, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, k.ID, k.Name, k.KeyHash, k.ProjectCode, allowed, perms, k.IsActive, nullTime(k.ExpiresAt), k.CreatedAt)
	return dbErr(err)
}

func (s *Store) ServiceKeyByHash(ctx context.Context, hash string) (auth.ServiceKey, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		k               auth.ServiceKey
		allowed, perms  []byte
		expires, lastUp sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, key_hash, project_code, allowed_projects, permissions, is_active, expires_at, last_used_at, created_at
		from service_keys
		where key_hash = $1
	`, hash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.ProjectCode, &allowed, &perms, &k.IsActive, &expires, &lastUp, &k.CreatedAt)
	if err != nil {
		return auth.ServiceKey{}, dbErr(err)
	}
	if k.AllowedProjects, err = decodeList(allowed); err != nil {
		return auth.ServiceKey{}, auth.Unavailable(err)
	}
	if k.Permissions, err = decodeList(perms); err != nil {
		return auth.ServiceKey{}, auth.Unavailable(err)
	}
	k.ExpiresAt = timePtr(expires)
	k.LastUsedAt = timePtr(lastUp)
	return k, nil
}

func (s *Store) TouchServiceKey(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `update service_keys set last_used_at = $2 where id = $1`, id, at)
	if err != nil {
		return dbErr(err)
	}
	return affected(res)
}
