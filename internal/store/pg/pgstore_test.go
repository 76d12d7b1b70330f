package pg

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"authhub.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, WithTimeout(time.Second)), mock
}

func TestConsumeAuthCode(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"code", "principal_id", "project_code", "redirect_uri", "expires_at", "is_used", "used_at", "created_at"}

	mock.ExpectQuery("update auth_codes set is_used = true").WithArgs("c1", now).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("c1", "u1", "acme", "https://acme.example/cb", now.Add(time.Minute), true, now, now))
	c, err := s.ConsumeAuthCode(context.Background(), "c1", now)
	if err != nil {
		t.Fatalf("ConsumeAuthCode: %v", err)
	}
	if c.PrincipalID != "u1" || !c.IsUsed || c.UsedAt == nil {
		t.Fatalf("unexpected code %+v", c)
	}

	cases := []struct {
		name   string
		lookup func(*sqlmock.ExpectedQuery)
		want   error
	}{
		{"replayed", func(q *sqlmock.ExpectedQuery) { q.WillReturnRows(sqlmock.NewRows([]string{"is_used"}).AddRow(true)) }, auth.ErrConflict},
		{"expired", func(q *sqlmock.ExpectedQuery) { q.WillReturnRows(sqlmock.NewRows([]string{"is_used"}).AddRow(false)) }, auth.ErrExpired},
		{"unknown", func(q *sqlmock.ExpectedQuery) { q.WillReturnError(sql.ErrNoRows) }, auth.ErrNotFound},
	}
	for _, tc := range cases {
		mock.ExpectQuery("update auth_codes set is_used = true").WillReturnError(sql.ErrNoRows)
		tc.lookup(mock.ExpectQuery("select is_used from auth_codes").WithArgs("c1"))
		if _, err := s.ConsumeAuthCode(context.Background(), "c1", now); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGrantAssignmentConflictAndReactivation(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := auth.RoleAssignment{ID: "a2", PrincipalID: "u1", RoleID: "r1", ProjectCode: "acme", GrantedBy: "admin", GrantedAt: now}
	cols := []string{"id", "principal_id", "role_id", "project_code", "granted_by", "granted_at", "expires_at", "is_active"}

	mock.ExpectQuery("insert into role_assignments").WillReturnError(sql.ErrNoRows)
	if _, err := s.GrantAssignment(context.Background(), a); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectQuery("insert into role_assignments").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("a1", "u1", "r1", "acme", "admin", now, nil, true))
	got, err := s.GrantAssignment(context.Background(), a)
	if err != nil {
		t.Fatalf("GrantAssignment: %v", err)
	}
	if got.ID != "a1" || got.ExpiresAt != nil || !got.IsActive {
		t.Fatalf("expected the existing row back, got %+v", got)
	}

	mock.ExpectQuery("insert into role_assignments").WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if _, err := s.GrantAssignment(context.Background(), a); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("missing role: expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestActiveAssignmentsGroupsPermissions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	cols := []string{"id", "principal_id", "role_id", "project_code", "granted_by", "granted_at", "expires_at", "is_active",
		"code", "name", "role_project", "is_system", "created_at", "perm"}
	mock.ExpectQuery("from role_assignments ra").WithArgs("u1", "acme").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a1", "u1", "r1", "acme", "", now, exp, true, "acme.editor", "Editor", "acme", true, now, "acme.data.edit").
			AddRow("a1", "u1", "r1", "acme", "", now, exp, true, "acme.editor", "Editor", "acme", true, now, "acme.data.view").
			AddRow("a2", "u1", "r2", "", "", now, nil, true, "auditor", "Auditor", "", false, now, nil))

	got, err := s.ActiveAssignments(context.Background(), "u1", "acme")
	if err != nil {
		t.Fatalf("ActiveAssignments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(got))
	}
	if got[0].Role.ID != "r1" || len(got[0].Permissions) != 2 || got[0].Assignment.ExpiresAt == nil {
		t.Fatalf("unexpected first assignment %+v", got[0])
	}
	if got[1].Assignment.ProjectCode != "" || len(got[1].Permissions) != 0 {
		t.Fatalf("unexpected global assignment %+v", got[1])
	}
}

func TestErrorMapping(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("from users where id").WithArgs("nobody").WillReturnError(sql.ErrNoRows)
	if _, err := s.UserByID(ctx, "nobody"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectQuery("from users where id").WithArgs("u1").WillReturnError(errors.New("connection reset by peer"))
	_, err := s.UserByID(ctx, "u1")
	if !errors.Is(err, auth.ErrUnavailable) || !auth.IsRetryable(err) {
		t.Fatalf("expected a retryable ErrUnavailable, got %v", err)
	}

	mock.ExpectExec("insert into users").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := s.CreateUser(ctx, auth.User{ID: "u2", Username: "Alice"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectExec("update sessions set refresh_hash").WithArgs("s1", "old", "new").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from sessions").WithArgs("s1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	if err := s.RotateRefreshHash(ctx, "s1", "old", "new"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("stale refresh hash: expected ErrConflict, got %v", err)
	}

	mock.ExpectExec("update sessions set is_active = false").WithArgs("gone").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.DeactivateSession(ctx, "gone"); err != nil {
		t.Fatalf("DeactivateSession should be idempotent: %v", err)
	}

	mock.ExpectQuery("insert into external_identities").WillReturnError(sql.ErrNoRows)
	if err := s.LinkExternalIdentity(ctx, "u1", auth.ExternalIdentity{Provider: "google", Subject: "g1"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("identity owned elsewhere: expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAPIKeyListsRoundTripThroughJSON(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from api_keys").WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "key_hash", "principal_id", "permissions", "is_active", "expires_at", "last_used_at", "created_at"}).
			AddRow("k1", "ci", "h1", "u1", []byte(`["acme.data.view","*"]`), true, nil, nil, now))
	k, err := s.APIKeyByHash(context.Background(), "h1")
	if err != nil {
		t.Fatalf("APIKeyByHash: %v", err)
	}
	if len(k.Permissions) != 2 || k.Permissions[1] != auth.PermissionAll || k.ExpiresAt != nil {
		t.Fatalf("unexpected key %+v", k)
	}
}

func TestDeactivateExpiredAssignmentsDeduplicates(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("update role_assignments set is_active = false").WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}).AddRow("u2").AddRow("u1").AddRow("u2"))
	got, err := s.DeactivateExpiredAssignments(context.Background(), now)
	if err != nil {
		t.Fatalf("DeactivateExpiredAssignments: %v", err)
	}
	if strings.Join(got, ",") != "u1,u2" {
		t.Fatalf("principals = %v", got)
	}
}

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(Migrations, "migrations/*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Migrations, down); err != nil {
			t.Fatalf("missing %s", down)
		}
	}
}
