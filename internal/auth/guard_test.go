package auth_test

import (
	"context"
	"errors"
	"testing"

	"authhub.org/internal/auth"
)

func TestRequirePermission(t *testing.T) {
	f := newFixture(t)
	f.addProject(t, "acme", "https://acme.example")
	f.addProject(t, "beta", "https://beta.example")
	alice := f.addUser(t, "alice", "s3cret-pass")
	f.grant(t, alice.ID, "acme.editor", "acme", nil)
	ctx := context.Background()

	if err := f.resolver.RequirePermission(ctx, "acme.data.edit", "acme"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("anonymous: expected ErrUnauthenticated, got %v", err)
	}

	session := auth.ContextWithAuth(ctx, &auth.AuthContext{Method: auth.MethodSession, User: &alice})
	if err := f.resolver.RequirePermission(session, "acme.data.edit", "acme"); err != nil {
		t.Fatalf("session caller: %v", err)
	}
	if err := f.resolver.RequirePermission(session, "acme.data.delete", "acme"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("missing permission: expected ErrForbidden, got %v", err)
	}

	ssoBeta := auth.ContextWithAuth(ctx, &auth.AuthContext{Method: auth.MethodBearer, User: &alice, Project: "beta", TokenType: auth.TokenSSOAccess})
	err := f.resolver.RequirePermission(ssoBeta, "acme.data.edit", "acme")
	if !errors.Is(err, auth.ErrForbidden) || auth.Reason(err) != "project_mismatch" {
		t.Fatalf("foreign project token: expected project_mismatch, got %v", err)
	}

	narrowKey := auth.ContextWithAuth(ctx, &auth.AuthContext{Method: auth.MethodAPIKey, User: &alice, KeyPermissions: []string{"acme.data.view"}})
	if err := f.resolver.RequirePermission(narrowKey, "acme.data.view", "acme"); err != nil {
		t.Fatalf("key within grant set: %v", err)
	}
	if err := f.resolver.RequirePermission(narrowKey, "acme.data.edit", "acme"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("key outside grant set: expected ErrForbidden, got %v", err)
	}
}

func TestRequirePermissionForServiceCaller(t *testing.T) {
	f := newFixture(t)
	ctx := auth.ContextWithAuth(context.Background(), &auth.AuthContext{
		Method:         auth.MethodServiceKey,
		Service:        &auth.ServiceIdentity{KeyID: "k1", Name: "worker", OwnerProject: "acme"},
		Project:        "beta",
		KeyPermissions: []string{"beta.data.view"},
	})
	if err := f.resolver.RequirePermission(ctx, "beta.data.view", "beta"); err != nil {
		t.Fatalf("granted: %v", err)
	}
	if err := f.resolver.RequirePermission(ctx, "beta.data.edit", "beta"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("not granted: expected ErrForbidden, got %v", err)
	}
	if err := f.resolver.RequirePermission(ctx, "beta.data.view", "acme"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("other project: expected ErrForbidden, got %v", err)
	}
}

func TestRequireRoleAndSuperuser(t *testing.T) {
	f := newFixture(t)
	f.addProject(t, "acme", "https://acme.example")
	alice := f.addUser(t, "alice", "s3cret-pass")
	root := f.addUser(t, "root", "s3cret-pass", func(u *auth.User) { u.IsSuperuser = true })
	f.grant(t, alice.ID, "acme.viewer", "acme", nil)
	ctx := context.Background()
	asAlice := auth.ContextWithAuth(ctx, &auth.AuthContext{Method: auth.MethodSession, User: &alice})
	asRoot := auth.ContextWithAuth(ctx, &auth.AuthContext{Method: auth.MethodSession, User: &root})

	if err := f.resolver.RequireRole(asAlice, "acme.viewer", "acme"); err != nil {
		t.Fatalf("RequireRole: %v", err)
	}
	if err := f.resolver.RequireRole(asAlice, "acme.admin", "acme"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.resolver.RequireRole(asRoot, "acme.admin", "acme"); err != nil {
		t.Fatalf("superuser RequireRole: %v", err)
	}
	if err := auth.RequireSuperuser(asAlice); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := auth.RequireSuperuser(asRoot); err != nil {
		t.Fatalf("RequireSuperuser: %v", err)
	}
}

func TestKeyIssuerValidatesOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.keys.IssueAPIKey(ctx, auth.APIKeySpec{Name: "ci", PrincipalID: "ghost"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("unknown principal: expected ErrNotFound, got %v", err)
	}
	if _, _, err := f.keys.IssueServiceKey(ctx, auth.ServiceKeySpec{Name: "worker", ProjectCode: "ghost"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("unknown project: expected ErrNotFound, got %v", err)
	}
	if _, _, err := f.keys.IssueAPIKey(ctx, auth.APIKeySpec{PrincipalID: "x"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("missing name: expected ErrInvalidInput, got %v", err)
	}

	f.addProject(t, "acme", "https://acme.example")
	key, secret, err := f.keys.IssueServiceKey(ctx, auth.ServiceKeySpec{Name: "worker", ProjectCode: "acme"})
	if err != nil {
		t.Fatalf("IssueServiceKey: %v", err)
	}
	if secret[:3] != "sk_" || key.KeyHash != auth.HashSecret(secret) || key.ExpiresAt != nil {
		t.Fatalf("unexpected service key %+v", key)
	}
	if !key.Allows("acme") || key.Allows("beta") {
		t.Fatal("a service key allows its owner project only")
	}
}
