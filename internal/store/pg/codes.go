package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authhub.org/internal/auth"
)

func (s *Store) CreateAuthCode(ctx context.Context, c auth.AuthorizationCode) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into auth_codes (code, principal_id, project_code, redirect_uri, expires_at, is_used, created_at)
		values ($1, $2, $3, $4, $5, false, $6)
	`, c.Code, c.PrincipalID, c.ProjectCode, c.RedirectURI, c.ExpiresAt, c.CreatedAt)
	return dbErr(err)
}

// ConsumeAuthCode flips is_used in one conditional update, so concurrent
// exchanges of the same code see exactly one winner. The follow-up read only
// classifies a miss.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string, now time.Time) (auth.AuthorizationCode, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		c    auth.AuthorizationCode
		used sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update auth_codes set is_used = true, used_at = $2
		where code = $1 and not is_used and expires_at > $2
		returning code, principal_id, project_code, redirect_uri, expires_at, is_used, used_at, created_at
	`, code, now).Scan(&c.Code, &c.PrincipalID, &c.ProjectCode, &c.RedirectURI, &c.ExpiresAt, &c.IsUsed, &used, &c.CreatedAt)
	if err == nil {
		c.UsedAt = timePtr(used)
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return auth.AuthorizationCode{}, dbErr(err)
	}

	var isUsed bool
	if err := s.db.QueryRowContext(ctx, `select is_used from auth_codes where code = $1`, code).Scan(&isUsed); err != nil {
		return auth.AuthorizationCode{}, dbErr(err)
	}
	if isUsed {
		return auth.AuthorizationCode{}, auth.ErrConflict
	}
	return auth.AuthorizationCode{}, auth.ErrExpired
}
