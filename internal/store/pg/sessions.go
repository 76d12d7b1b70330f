package pg

import (
	"context"
	"time"

	"authhub.org/internal/auth"
)

const sessionColumns = `id, principal_id, coalesce(project_code, ''), token_hash, refresh_hash,
	ip_address, user_agent, is_active, expires_at, last_accessed_at, created_at`

func scanSession(row scanner) (auth.Session, error) {
	var sess auth.Session
	if err := row.Scan(&sess.ID, &sess.PrincipalID, &sess.ProjectCode, &sess.TokenHash, &sess.RefreshHash,
		&sess.IPAddress, &sess.UserAgent, &sess.IsActive, &sess.ExpiresAt, &sess.LastAccessedAt, &sess.CreatedAt); err != nil {
		return auth.Session{}, dbErr(err)
	}
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, principal_id, project_code, token_hash, refresh_hash,
			ip_address, user_agent, is_active, expires_at, last_accessed_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sess.ID, sess.PrincipalID, nullIfEmpty(sess.ProjectCode), sess.TokenHash, sess.RefreshHash,
		sess.IPAddress, sess.UserAgent, sess.IsActive, sess.ExpiresAt, sess.LastAccessedAt, sess.CreatedAt)
	return dbErr(err)
}

func (s *Store) SessionByID(ctx context.Context, id string) (auth.Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id))
}

func (s *Store) SessionByTokenHash(ctx context.Context, hash string) (auth.Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where token_hash = $1`, hash))
}

func (s *Store) SessionByRefreshHash(ctx context.Context, hash string) (auth.Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where refresh_hash = $1`, hash))
}

func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `update sessions set is_active = false where id = $1`, id)
	return dbErr(err)
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `update sessions set last_accessed_at = $2 where id = $1`, id, at)
	if err != nil {
		return dbErr(err)
	}
	return affected(res)
}

// RotateRefreshHash is a compare-and-swap on the refresh digest; of two
// concurrent renewals with the same token only one updates a row.
func (s *Store) RotateRefreshHash(ctx context.Context, id, oldHash, newHash string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		update sessions set refresh_hash = $3
		where id = $1 and refresh_hash = $2 and is_active
	`, id, oldHash, newHash)
	if err != nil {
		return dbErr(err)
	}
	if err := affected(res); err == nil {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `select 1 from sessions where id = $1`, id).Scan(&exists); err != nil {
		return dbErr(err)
	}
	return auth.ErrConflict
}
