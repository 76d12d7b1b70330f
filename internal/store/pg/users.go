package pg

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"authhub.org/internal/auth"
)

const userColumns = `id, username, email, display_name, password_hash, is_active, is_verified,
	is_superuser, login_count, last_login_at, created_at, updated_at`

func scanUser(row scanner) (auth.User, error) {
	var (
		u         auth.User
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.PasswordHash, &u.IsActive, &u.IsVerified,
		&u.IsSuperuser, &u.LoginCount, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return auth.User{}, dbErr(err)
	}
	u.LastLoginAt = timePtr(lastLogin)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u.Username = strings.ToLower(strings.TrimSpace(u.Username))
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users (`+userColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, u.ID, u.Username, u.Email, u.DisplayName, u.PasswordHash, u.IsActive, u.IsVerified,
		u.IsSuperuser, u.LoginCount, nullTime(u.LastLoginAt), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return auth.User{}, dbErr(err)
	}
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

// UserByLogin prefers an email match over a username match.
func (s *Store) UserByLogin(ctx context.Context, login string) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	login = strings.ToLower(strings.TrimSpace(login))
	return scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where (email <> '' and email = $1) or username = $1
		order by (email = $1) desc
		limit 1
	`, login))
}

func (s *Store) UserByExternalIdentity(ctx context.Context, provider, subject string) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanUser(s.db.QueryRowContext(ctx, `
		select u.id, u.username, u.email, u.display_name, u.password_hash, u.is_active, u.is_verified,
			u.is_superuser, u.login_count, u.last_login_at, u.created_at, u.updated_at
		from external_identities x
		join users u on u.id = x.user_id
		where x.provider = $1 and x.subject = $2
	`, provider, subject))
}

// LinkExternalIdentity binds (provider, subject) to userID. A pair already
// bound to another user is a conflict.
func (s *Store) LinkExternalIdentity(ctx context.Context, userID string, identity auth.ExternalIdentity) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var owner string
	err := s.db.QueryRowContext(ctx, `
		insert into external_identities (provider, subject, user_id, email, created_at)
		values ($1, $2, $3, $4, now())
		on conflict (provider, subject) do update
		set email = excluded.email
		where external_identities.user_id = excluded.user_id
		returning user_id
	`, identity.Provider, identity.Subject, userID, strings.ToLower(identity.Email)).Scan(&owner)
	if err == sql.ErrNoRows {
		return auth.ErrConflict
	}
	return dbErr(err)
}

func (s *Store) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		update users
		set login_count = login_count + 1, last_login_at = $2, updated_at = $2
		where id = $1
	`, userID, at)
	if err != nil {
		return dbErr(err)
	}
	return affected(res)
}
